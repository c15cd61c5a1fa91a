package record

import (
	"context"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It is the
// default when no database is configured and is suitable for testing.
// The zero value is ready to use.
type MemStore struct {
	mu      sync.RWMutex
	current DiagnosisResult
	set     bool
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Save implements [Store.Save].
func (s *MemStore) Save(ctx context.Context, result DiagnosisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = result
	s.set = true
	return nil
}

// Load implements [Store.Load].
func (s *MemStore) Load(ctx context.Context) (DiagnosisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return DiagnosisResult{}, ErrNoRecord
	}
	return s.current, nil
}

// Reset implements [Store.Reset].
func (s *MemStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return nil
	}
	s.current = DiagnosisResult{
		Diagnoses:      []Diagnosis{},
		Symptoms:       s.current.Symptoms,
		Vitals:         s.current.Vitals,
		LabResults:     s.current.LabResults,
		LabTestDate:    s.current.LabTestDate,
		MedicalHistory: s.current.MedicalHistory,
	}
	return nil
}

// Clear implements [Store.Clear].
func (s *MemStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = DiagnosisResult{}
	s.set = false
	return nil
}
