package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*PGStore)(nil)

// slotKey identifies the single current-record row. The table allows exactly
// one row per key; the record document is stored as JSONB.
const slotKey = "current"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS current_record (
    slot       TEXT PRIMARY KEY,
    document   JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PGStore is a PostgreSQL-backed implementation of [Store]. The record is
// persisted as a single JSONB row so the slot survives process restarts.
//
// All operations are safe for concurrent use; the pool handles its own
// synchronisation.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects to the PostgreSQL database at dsn, ensures the
// current_record table exists, and returns a ready [PGStore]. The caller owns
// the store and must call Close when done.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("record: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("record: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("record: migrate: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// Ping probes database connectivity. Used by the readiness check.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Save implements [Store.Save].
func (s *PGStore) Save(ctx context.Context, result DiagnosisResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("record: marshal: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO current_record (slot, document, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (slot) DO UPDATE SET document = EXCLUDED.document, updated_at = now()`,
		slotKey, doc,
	)
	if err != nil {
		return fmt.Errorf("record: save: %w", err)
	}
	return nil
}

// Load implements [Store.Load].
func (s *PGStore) Load(ctx context.Context) (DiagnosisResult, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM current_record WHERE slot = $1`, slotKey,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return DiagnosisResult{}, ErrNoRecord
	}
	if err != nil {
		return DiagnosisResult{}, fmt.Errorf("record: load: %w", err)
	}
	var result DiagnosisResult
	if err := json.Unmarshal(doc, &result); err != nil {
		return DiagnosisResult{}, fmt.Errorf("record: unmarshal: %w", err)
	}
	return result, nil
}

// Reset implements [Store.Reset].
func (s *PGStore) Reset(ctx context.Context) error {
	current, err := s.Load(ctx)
	if errors.Is(err, ErrNoRecord) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.Save(ctx, DiagnosisResult{
		Diagnoses:      []Diagnosis{},
		Symptoms:       current.Symptoms,
		Vitals:         current.Vitals,
		LabResults:     current.LabResults,
		LabTestDate:    current.LabTestDate,
		MedicalHistory: current.MedicalHistory,
	})
}

// Clear implements [Store.Clear].
func (s *PGStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM current_record WHERE slot = $1`, slotKey,
	); err != nil {
		return fmt.Errorf("record: clear: %w", err)
	}
	return nil
}
