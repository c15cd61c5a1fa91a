package record

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Diagnosis
		want Diagnosis
	}{
		{
			name: "empty diagnosis gets defaults",
			in:   Diagnosis{Confidence: DefaultConfidence},
			want: Diagnosis{
				Name:         UnspecifiedCondition,
				Confidence:   75,
				Findings:     []string{},
				Differential: []string{},
				Plan:         []string{},
				Severity:     SeverityModerate,
			},
		},
		{
			name: "confidence above range is clamped",
			in:   Diagnosis{Name: "Pneumonia", Confidence: 130, Severity: SeverityMild},
			want: Diagnosis{
				Name:         "Pneumonia",
				Confidence:   100,
				Findings:     []string{},
				Differential: []string{},
				Plan:         []string{},
				Severity:     SeverityMild,
			},
		},
		{
			name: "negative confidence is clamped to zero",
			in:   Diagnosis{Name: "Pneumonia", Confidence: -5, Severity: SeveritySevere},
			want: Diagnosis{
				Name:         "Pneumonia",
				Confidence:   0,
				Findings:     []string{},
				Differential: []string{},
				Plan:         []string{},
				Severity:     SeveritySevere,
			},
		},
		{
			name: "unknown severity coerces to Moderate",
			in:   Diagnosis{Name: "Bronchitis", Confidence: 80, Severity: "Critical"},
			want: Diagnosis{
				Name:         "Bronchitis",
				Confidence:   80,
				Findings:     []string{},
				Differential: []string{},
				Plan:         []string{},
				Severity:     SeverityModerate,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := tt.in
			got.Normalize()
			assertDiagnosisEqual(t, tt.want, got)
		})
	}
}

func assertDiagnosisEqual(t *testing.T, want, got Diagnosis) {
	t.Helper()
	if got.Name != want.Name {
		t.Errorf("Name: want %q, got %q", want.Name, got.Name)
	}
	if got.Confidence != want.Confidence {
		t.Errorf("Confidence: want %d, got %d", want.Confidence, got.Confidence)
	}
	if got.Severity != want.Severity {
		t.Errorf("Severity: want %q, got %q", want.Severity, got.Severity)
	}
	if got.Findings == nil || got.Differential == nil || got.Plan == nil {
		t.Error("list fields must never be nil after Normalize")
	}
}

func TestMemStore_SaveOverwritesWholesale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	first := DiagnosisResult{
		Diagnoses: []Diagnosis{{Name: "Pneumonia"}},
		Symptoms:  []string{"Cough"},
		Timestamp: time.Now().UTC(),
	}
	if err := s.Save(ctx, first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	second := DiagnosisResult{Diagnoses: []Diagnosis{{Name: "Bronchitis"}}}
	if err := s.Save(ctx, second); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Diagnoses) != 1 || got.Diagnoses[0].Name != "Bronchitis" {
		t.Errorf("Load after second Save: want Bronchitis only, got %+v", got.Diagnoses)
	}
	if len(got.Symptoms) != 0 {
		t.Errorf("symptoms from the first record must not leak: got %v", got.Symptoms)
	}
}

func TestMemStore_LoadEmpty(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	if _, err := s.Load(context.Background()); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Load on empty store: want ErrNoRecord, got %v", err)
	}
}

func TestMemStore_ResetKeepsPatientContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()

	err := s.Save(ctx, DiagnosisResult{
		Diagnoses:   []Diagnosis{{Name: "Pneumonia"}},
		ImageData:   "aGVsbG8=",
		Symptoms:    []string{"Fever", "Cough"},
		Vitals:      Vitals{Temperature: "102°F"},
		LabResults:  []LabResult{{Name: "WBC", Value: "14.2", Unit: "K/uL"}},
		LabTestDate: "2026-03-02",
		MedicalHistory: MedicalHistory{
			ActiveConditions: []MedicalCondition{{Condition: "Asthma", Date: "2019-06-01"}},
		},
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Diagnoses) != 0 {
		t.Errorf("diagnoses must be cleared, got %+v", got.Diagnoses)
	}
	if got.ImageData != "" {
		t.Error("image data must be cleared by Reset")
	}
	if len(got.Symptoms) != 2 || got.Vitals.Temperature != "102°F" {
		t.Errorf("symptoms/vitals must survive Reset, got %+v", got)
	}
	if len(got.LabResults) != 1 || got.LabTestDate != "2026-03-02" {
		t.Errorf("lab results must survive Reset, got %+v", got)
	}
	if len(got.MedicalHistory.ActiveConditions) != 1 {
		t.Errorf("medical history must survive Reset, got %+v", got.MedicalHistory)
	}
}

func TestMemStore_ResetEmptyIsNoop(t *testing.T) {
	t.Parallel()
	s := NewMemStore()
	if err := s.Reset(context.Background()); err != nil {
		t.Fatalf("Reset on empty store: %v", err)
	}
	if _, err := s.Load(context.Background()); !errors.Is(err, ErrNoRecord) {
		t.Errorf("slot must stay empty after no-op Reset, got %v", err)
	}
}

func TestMemStore_Clear(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore()
	if err := s.Save(ctx, DiagnosisResult{Symptoms: []string{"Fever"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := s.Load(ctx); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Load after Clear: want ErrNoRecord, got %v", err)
	}
}
