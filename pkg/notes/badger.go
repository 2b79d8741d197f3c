package notes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Key layout: "note/file/<path>\x00<id>" and "note/patient/<code>\x00<id>".
// The NUL separator keeps "a" from prefix-matching "a.c3d".
const (
	filePrefix    = "note/file/"
	patientPrefix = "note/patient/"
	sep           = "\x00"
)

// BadgerCounter keeps a local note index in badger. Used for single-node
// deployments and tests.
type BadgerCounter struct {
	db *badger.DB
}

// OpenBadgerCounter opens (or creates) an index at dir. An empty dir opens an
// in-memory index.
func OpenBadgerCounter(dir string) (*BadgerCounter, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("notes.OpenBadgerCounter: %w", err)
	}
	return &BadgerCounter{db: db}, nil
}

// Add indexes a note under its file and patient. Missing ID and CreatedAt
// are filled in.
func (b *BadgerCounter) Add(n Note) (Note, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	val, err := json.Marshal(n)
	if err != nil {
		return Note{}, fmt.Errorf("notes.Add: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if n.FilePath != "" {
			if err := txn.Set([]byte(filePrefix+n.FilePath+sep+n.ID), val); err != nil {
				return err
			}
		}
		if n.PatientCode != "" {
			if err := txn.Set([]byte(patientPrefix+n.PatientCode+sep+n.ID), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Note{}, fmt.Errorf("notes.Add: %w", err)
	}
	return n, nil
}

// CountNotes counts keys under each requested identifier's prefix.
func (b *BadgerCounter) CountNotes(ctx context.Context, filePaths, patientCodes []string) (Counts, error) {
	c := zeroCounts(filePaths, patientCodes)
	err := b.db.View(func(txn *badger.Txn) error {
		for _, p := range filePaths {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.ByFile[p] = countPrefix(txn, filePrefix+p+sep)
		}
		for _, p := range patientCodes {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.ByPatient[p] = countPrefix(txn, patientPrefix+p+sep)
		}
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("notes.CountNotes: %w", err)
	}
	return c, nil
}

func countPrefix(txn *badger.Txn, prefix string) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

// Close closes the badger database.
func (b *BadgerCounter) Close() error {
	return b.db.Close()
}
