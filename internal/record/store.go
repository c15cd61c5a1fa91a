package record

import (
	"context"
	"errors"
)

// ErrNoRecord is returned by Store implementations when the current-record
// slot is empty.
var ErrNoRecord = errors.New("record: no current record")

// Store persists the single "current diagnosis record" slot. The slot is
// overwritten wholesale on each Save; there is no history.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save overwrites the current record.
	Save(ctx context.Context, result DiagnosisResult) error

	// Load returns the current record, or [ErrNoRecord] when the slot is empty.
	Load(ctx context.Context) (DiagnosisResult, error)

	// Reset clears the diagnoses but keeps the patient context (symptoms,
	// vitals, lab results, lab test date, and medical history) so a fresh
	// diagnosis can reuse it. A no-op when the slot is empty.
	Reset(ctx context.Context) error

	// Clear empties the slot entirely.
	Clear(ctx context.Context) error
}
