package notes

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PostgresCounter counts rows in the clinical_notes table:
//
//	clinical_notes(id, file_path, patient_code, created_at, ...)
type PostgresCounter struct {
	db *sql.DB
}

// NewPostgresCounter opens and pings the database at dsn.
func NewPostgresCounter(ctx context.Context, dsn string) (*PostgresCounter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("notes.NewPostgresCounter: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("notes.NewPostgresCounter: ping: %w", err)
	}
	slog.Info("Note counter ready", "component", "notes", "type", "postgres")
	return &PostgresCounter{db: db}, nil
}

// CountNotes runs one grouped query per identifier kind.
func (p *PostgresCounter) CountNotes(ctx context.Context, filePaths, patientCodes []string) (Counts, error) {
	c := zeroCounts(filePaths, patientCodes)
	if len(filePaths) > 0 {
		if err := p.countBy(ctx, "file_path", filePaths, c.ByFile); err != nil {
			return Counts{}, fmt.Errorf("notes.CountNotes: files: %w", err)
		}
	}
	if len(patientCodes) > 0 {
		if err := p.countBy(ctx, "patient_code", patientCodes, c.ByPatient); err != nil {
			return Counts{}, fmt.Errorf("notes.CountNotes: patients: %w", err)
		}
	}
	return c, nil
}

// countBy column is one of two fixed identifiers, never user input.
func (p *PostgresCounter) countBy(ctx context.Context, column string, ids []string, out map[string]int) error {
	q := fmt.Sprintf(`SELECT %s, COUNT(*) FROM clinical_notes WHERE %s = ANY($1) GROUP BY %s`, column, column, column)
	rows, err := p.db.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		out[id] = n
	}
	return rows.Err()
}

// Close closes the database pool.
func (p *PostgresCounter) Close() error {
	return p.db.Close()
}
