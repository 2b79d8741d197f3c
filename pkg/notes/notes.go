// Package notes counts clinical notes attached to session files and patients.
// Note authoring lives elsewhere; this package only reads counts.
package notes

import (
	"context"
	"time"
)

// Counts holds note totals per requested identifier. Every requested
// identifier is present, with zero when it has no notes.
type Counts struct {
	ByFile    map[string]int `json:"file_note_counts"`
	ByPatient map[string]int `json:"patient_note_counts"`
}

// Counter returns note counts for batches of files and patients.
type Counter interface {
	CountNotes(ctx context.Context, filePaths, patientCodes []string) (Counts, error)
	Close() error
}

// Note is a single clinical note reference. Either FilePath or PatientCode
// may be empty.
type Note struct {
	ID          string    `json:"id"`
	FilePath    string    `json:"file_path,omitempty"`
	PatientCode string    `json:"patient_code,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func zeroCounts(filePaths, patientCodes []string) Counts {
	c := Counts{
		ByFile:    make(map[string]int, len(filePaths)),
		ByPatient: make(map[string]int, len(patientCodes)),
	}
	for _, p := range filePaths {
		c.ByFile[p] = 0
	}
	for _, p := range patientCodes {
		c.ByPatient[p] = 0
	}
	return c
}
