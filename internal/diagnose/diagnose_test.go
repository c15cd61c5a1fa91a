package diagnose

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/mgrote/clinscribe/internal/extract"
	"github.com/mgrote/clinscribe/internal/record"
	"github.com/mgrote/clinscribe/pkg/provider/genai"
	genaimock "github.com/mgrote/clinscribe/pkg/provider/genai/mock"
)

var testImage = base64.StdEncoding.EncodeToString([]byte{0xFF, 0xD8, 0xFF, 0xE0, 1, 2, 3})

const parsedDocument = `{"diagnoses": [{"name": "Pneumonia", "confidence": 85, "findings": ["consolidation"], "differential": ["bronchitis"], "plan": ["antibiotics"], "severity": "Severe"}]}`

func newTestService(t *testing.T, vision, text genai.Provider, store record.Store) *Service {
	t.Helper()
	if store == nil {
		store = record.NewMemStore()
	}
	s, err := New(vision, text, store, extract.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_RequiresDependencies(t *testing.T) {
	p := &genaimock.Provider{}
	store := record.NewMemStore()
	engine := extract.New()

	if _, err := New(nil, p, store, engine); err == nil {
		t.Error("expected error for nil vision provider")
	}
	if _, err := New(p, nil, store, engine); err == nil {
		t.Error("expected error for nil text provider")
	}
	if _, err := New(p, p, nil, engine); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(p, p, store, nil); err == nil {
		t.Error("expected error for nil engine")
	}
}

func TestDiagnose_MissingImage(t *testing.T) {
	s := newTestService(t, &genaimock.Provider{}, &genaimock.Provider{}, nil)

	_, err := s.Diagnose(context.Background(), Request{})
	if !errors.Is(err, ErrMissingImage) {
		t.Fatalf("err = %v, want ErrMissingImage", err)
	}

	_, err = s.Diagnose(context.Background(), Request{ImageData: "not base64!!!"})
	if !errors.Is(err, ErrMissingImage) {
		t.Fatalf("err = %v, want ErrMissingImage", err)
	}
}

func TestDiagnose_FullPipeline(t *testing.T) {
	vision := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: "Primary Diagnosis: Pneumonia\nSeverity: Severe"},
	}
	text := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: parsedDocument},
	}
	store := record.NewMemStore()
	s := newTestService(t, vision, text, store)

	result, err := s.Diagnose(context.Background(), Request{
		ImageData: testImage,
		Symptoms:  []string{"Cough", "Fever"},
		Vitals:    record.Vitals{Temperature: "102°F"},
	})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	primary, ok := result.Primary()
	if !ok {
		t.Fatal("result has no diagnoses")
	}
	if primary.Name != "Pneumonia" {
		t.Errorf("primary name = %q, want Pneumonia", primary.Name)
	}
	if primary.Severity != record.SeveritySevere {
		t.Errorf("severity = %q, want Severe", primary.Severity)
	}
	if result.RawText != "Primary Diagnosis: Pneumonia\nSeverity: Severe" {
		t.Errorf("raw text = %q", result.RawText)
	}
	if result.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	// Vision call carries the decoded image and the composed prompt.
	visionCall := vision.LastGenerateCall()
	if len(visionCall.Req.Image) == 0 {
		t.Error("vision call missing image bytes")
	}
	if !strings.Contains(visionCall.Req.Prompt, "Cough, Fever") {
		t.Errorf("vision prompt missing symptoms: %q", visionCall.Req.Prompt)
	}

	// Parsing call embeds the analysis text.
	textCall := text.LastGenerateCall()
	if !strings.Contains(textCall.Req.Prompt, "Primary Diagnosis: Pneumonia") {
		t.Errorf("parsing prompt missing analysis text: %q", textCall.Req.Prompt)
	}

	// The record was persisted.
	saved, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(saved.Diagnoses) != 1 {
		t.Fatalf("saved %d diagnoses, want 1", len(saved.Diagnoses))
	}
}

func TestDiagnose_VisionFailure(t *testing.T) {
	vision := &genaimock.Provider{GenerateErr: errors.New("model loading")}
	text := &genaimock.Provider{}
	store := record.NewMemStore()
	s := newTestService(t, vision, text, store)

	_, err := s.Diagnose(context.Background(), Request{ImageData: testImage})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
	if text.GenerateCallCount() != 0 {
		t.Error("parsing model should not be called after vision failure")
	}
	if _, err := store.Load(context.Background()); !errors.Is(err, record.ErrNoRecord) {
		t.Error("no record should be saved on failure")
	}
}

func TestDiagnose_ParsingFailure(t *testing.T) {
	vision := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: "analysis"},
	}
	text := &genaimock.Provider{GenerateErr: errors.New("rate limited")}
	s := newTestService(t, vision, text, nil)

	_, err := s.Diagnose(context.Background(), Request{ImageData: testImage})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
}

func TestDiagnose_GarbageParseNeverFails(t *testing.T) {
	vision := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: "analysis"},
	}
	text := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: "I cannot produce JSON today."},
	}
	s := newTestService(t, vision, text, nil)

	result, err := s.Diagnose(context.Background(), Request{ImageData: testImage})
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	primary, ok := result.Primary()
	if !ok {
		t.Fatal("result has no diagnoses")
	}
	if primary.Name != record.UnspecifiedCondition {
		t.Errorf("primary name = %q, want %q", primary.Name, record.UnspecifiedCondition)
	}
	if primary.Confidence != record.DefaultConfidence {
		t.Errorf("confidence = %d, want %d", primary.Confidence, record.DefaultConfidence)
	}
}

func TestDiagnose_ContextPersistsAcrossCalls(t *testing.T) {
	vision := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: "analysis"},
	}
	text := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: parsedDocument},
	}
	store := record.NewMemStore()
	s := newTestService(t, vision, text, store)

	first := Request{
		ImageData:   testImage,
		Vitals:      record.Vitals{Temperature: "101°F", Pulse: "88 bpm"},
		LabResults:  []record.LabResult{{Name: "WBC", Value: "14.2", Unit: "K/uL"}},
		LabTestDate: "2026-08-01",
		MedicalHistory: record.MedicalHistory{
			CurrentMedication: []record.Medication{{Name: "Lisinopril", Dosage: "10mg"}},
		},
	}
	if _, err := s.Diagnose(context.Background(), first); err != nil {
		t.Fatalf("first Diagnose: %v", err)
	}

	// Second call omits vitals, labs, and history.
	result, err := s.Diagnose(context.Background(), Request{ImageData: testImage})
	if err != nil {
		t.Fatalf("second Diagnose: %v", err)
	}

	if result.Vitals.Temperature != "101°F" {
		t.Errorf("temperature = %q, want carried over 101°F", result.Vitals.Temperature)
	}
	if len(result.LabResults) != 1 || result.LabResults[0].Name != "WBC" {
		t.Errorf("lab results not carried over: %+v", result.LabResults)
	}
	if result.LabTestDate != "2026-08-01" {
		t.Errorf("lab test date = %q, want carried over", result.LabTestDate)
	}
	if len(result.MedicalHistory.CurrentMedication) != 1 {
		t.Errorf("history not carried over: %+v", result.MedicalHistory)
	}
}

func TestDiagnose_NewContextReplaces(t *testing.T) {
	vision := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: "analysis"},
	}
	text := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: parsedDocument},
	}
	s := newTestService(t, vision, text, nil)

	if _, err := s.Diagnose(context.Background(), Request{
		ImageData: testImage,
		Vitals:    record.Vitals{Temperature: "101°F"},
	}); err != nil {
		t.Fatalf("first Diagnose: %v", err)
	}

	result, err := s.Diagnose(context.Background(), Request{
		ImageData: testImage,
		Vitals:    record.Vitals{Temperature: "98°F"},
	})
	if err != nil {
		t.Fatalf("second Diagnose: %v", err)
	}
	if result.Vitals.Temperature != "98°F" {
		t.Errorf("temperature = %q, want replacement 98°F", result.Vitals.Temperature)
	}
}

func TestDiagnose_FeedbackPassesPreviousDiagnosis(t *testing.T) {
	vision := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: "analysis"},
	}
	text := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: parsedDocument},
	}
	s := newTestService(t, vision, text, nil)

	if _, err := s.Diagnose(context.Background(), Request{ImageData: testImage}); err != nil {
		t.Fatalf("first Diagnose: %v", err)
	}

	if _, err := s.Diagnose(context.Background(), Request{
		ImageData: testImage,
		Feedback:  "consider a viral cause",
	}); err != nil {
		t.Fatalf("second Diagnose: %v", err)
	}

	prompt := vision.LastGenerateCall().Req.Prompt
	if !strings.Contains(prompt, `"consider a viral cause"`) {
		t.Errorf("prompt missing feedback: %q", prompt)
	}
	if !strings.Contains(prompt, "The previous diagnosis was Pneumonia with 85% confidence") {
		t.Errorf("prompt missing previous diagnosis: %q", prompt)
	}
}

func TestDiagnose_FeedbackUsesClientPreviousDiagnosis(t *testing.T) {
	vision := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: "analysis"},
	}
	text := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: parsedDocument},
	}
	// Empty store: the prior diagnosis arrives with the request instead.
	s := newTestService(t, vision, text, nil)

	if _, err := s.Diagnose(context.Background(), Request{
		ImageData: testImage,
		Feedback:  "rule out malignancy",
		PreviousDiagnosis: &record.Diagnosis{
			Name: "Pleural Effusion", Confidence: 70, Severity: record.SeverityModerate,
		},
	}); err != nil {
		t.Fatalf("Diagnose: %v", err)
	}

	prompt := vision.LastGenerateCall().Req.Prompt
	if !strings.Contains(prompt, "The previous diagnosis was Pleural Effusion with 70% confidence") {
		t.Errorf("prompt missing client previous diagnosis: %q", prompt)
	}
}

func TestDetectSymptoms_EmptyTranscript(t *testing.T) {
	s := newTestService(t, &genaimock.Provider{}, &genaimock.Provider{}, nil)

	_, err := s.DetectSymptoms(context.Background(), "   ")
	if !errors.Is(err, ErrMissingTranscript) {
		t.Fatalf("err = %v, want ErrMissingTranscript", err)
	}
}

func TestDetectSymptoms_ModelResponse(t *testing.T) {
	text := &genaimock.Provider{
		GenerateResponse: &genai.Response{
			Text: "Temperature: 102°F\nBlood Pressure: 120/80 mmHg\nPulse: 90 bpm\nSymptoms: cough, sore throat",
		},
	}
	s := newTestService(t, &genaimock.Provider{}, text, nil)

	det, err := s.DetectSymptoms(context.Background(), "patient reports a cough and sore throat")
	if err != nil {
		t.Fatalf("DetectSymptoms: %v", err)
	}
	if det.Degraded {
		t.Error("result should not be degraded")
	}
	if det.Result.Vitals.Temperature != "102°F" {
		t.Errorf("temperature = %q, want 102°F", det.Result.Vitals.Temperature)
	}
	if det.Result.Vitals.BloodPressure != "120/80 mmHg" {
		t.Errorf("blood pressure = %q", det.Result.Vitals.BloodPressure)
	}

	prompt := text.LastGenerateCall().Req.Prompt
	if !strings.Contains(prompt, "patient reports a cough and sore throat") {
		t.Errorf("prompt missing transcript: %q", prompt)
	}
}

func TestDetectSymptoms_DegradesOnModelFailure(t *testing.T) {
	text := &genaimock.Provider{GenerateErr: errors.New("model down")}
	s := newTestService(t, &genaimock.Provider{}, text, nil)

	det, err := s.DetectSymptoms(context.Background(), "severe headache and some nausea")
	if err != nil {
		t.Fatalf("DetectSymptoms: %v", err)
	}
	if !det.Degraded {
		t.Error("result should be marked degraded")
	}
	want := map[string]bool{"Headache": true, "Nausea": true}
	for _, sym := range det.Result.Symptoms {
		if !want[sym] {
			t.Errorf("unexpected symptom %q", sym)
		}
		delete(want, sym)
	}
	if len(want) != 0 {
		t.Errorf("missing symptoms: %v", want)
	}
}

func TestWriteUp_RequiresDiagnoses(t *testing.T) {
	s := newTestService(t, &genaimock.Provider{}, &genaimock.Provider{}, nil)

	_, err := s.WriteUp(context.Background(), WriteUpInput{PhysicianAssessment: "stable"})
	if !errors.Is(err, ErrNoDiagnoses) {
		t.Fatalf("err = %v, want ErrNoDiagnoses", err)
	}
}

func TestWriteUp_GeneratesFromCurrentRecord(t *testing.T) {
	store := record.NewMemStore()
	if err := store.Save(context.Background(), record.DiagnosisResult{
		Diagnoses: []record.Diagnosis{{
			Name: "Pneumonia", Confidence: 85, Severity: record.SeveritySevere,
			Findings: []string{}, Differential: []string{}, Plan: []string{},
		}},
		Symptoms: []string{"Cough"},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	text := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: "CHIEF COMPLAINT: Cough\n..."},
	}
	s := newTestService(t, &genaimock.Provider{}, text, store)

	writeUp, err := s.WriteUp(context.Background(), WriteUpInput{PhysicianAssessment: "admit for observation"})
	if err != nil {
		t.Fatalf("WriteUp: %v", err)
	}
	if !strings.HasPrefix(writeUp, "CHIEF COMPLAINT") {
		t.Errorf("write-up = %q", writeUp)
	}

	prompt := text.LastGenerateCall().Req.Prompt
	if !strings.Contains(prompt, "Pneumonia") {
		t.Errorf("prompt missing primary diagnosis: %q", prompt)
	}
	if !strings.Contains(prompt, "admit for observation") {
		t.Errorf("prompt missing assessment: %q", prompt)
	}
}

func TestWriteUp_ClientSuppliedDiagnoses(t *testing.T) {
	text := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: "CHIEF COMPLAINT: Chest pain\n..."},
	}
	// Empty store: everything must come from the request.
	s := newTestService(t, &genaimock.Provider{}, text, nil)

	writeUp, err := s.WriteUp(context.Background(), WriteUpInput{
		Diagnoses: []record.Diagnosis{{
			Name: "Pleural Effusion", Confidence: 80, Severity: record.SeverityModerate,
		}},
		Symptoms:            []string{"Chest pain"},
		PhysicianAssessment: "drain and monitor",
	})
	if err != nil {
		t.Fatalf("WriteUp: %v", err)
	}
	if writeUp == "" {
		t.Fatal("expected a write-up")
	}

	prompt := text.LastGenerateCall().Req.Prompt
	for _, want := range []string{"Pleural Effusion", "Chest pain", "drain and monitor"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q: %q", want, prompt)
		}
	}
}

func TestWriteUp_ClientDiagnosesOverrideRecord(t *testing.T) {
	store := record.NewMemStore()
	if err := store.Save(context.Background(), record.DiagnosisResult{
		Diagnoses: []record.Diagnosis{{Name: "Pneumonia", Confidence: 85}},
		Symptoms:  []string{"Cough"},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	text := &genaimock.Provider{
		GenerateResponse: &genai.Response{Text: "CHIEF COMPLAINT: ..."},
	}
	s := newTestService(t, &genaimock.Provider{}, text, store)

	if _, err := s.WriteUp(context.Background(), WriteUpInput{
		Diagnoses: []record.Diagnosis{{Name: "Bronchitis", Confidence: 70}},
	}); err != nil {
		t.Fatalf("WriteUp: %v", err)
	}

	prompt := text.LastGenerateCall().Req.Prompt
	if !strings.Contains(prompt, "Bronchitis") {
		t.Errorf("prompt missing client diagnosis: %q", prompt)
	}
	if strings.Contains(prompt, "Pneumonia") {
		t.Errorf("stored diagnosis should be overridden by the request: %q", prompt)
	}
	// Omitted context still comes from the record.
	if !strings.Contains(prompt, "Cough") {
		t.Errorf("prompt missing stored symptoms: %q", prompt)
	}
}

func TestWriteUp_ProviderFailure(t *testing.T) {
	store := record.NewMemStore()
	if err := store.Save(context.Background(), record.DiagnosisResult{
		Diagnoses: []record.Diagnosis{{Name: "Pneumonia"}},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	text := &genaimock.Provider{GenerateErr: errors.New("timeout")}
	s := newTestService(t, &genaimock.Provider{}, text, store)

	_, err := s.WriteUp(context.Background(), WriteUpInput{})
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
}

func TestDecodeImage(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})

	tests := []struct {
		name     string
		data     string
		wantMIME string
		wantErr  bool
	}{
		{"bare base64", payload, "image/jpeg", false},
		{"data URL", "data:image/png;base64," + payload, "image/png", false},
		{"data URL without mime", "data:;base64," + payload, "image/jpeg", false},
		{"invalid base64", "%%%", "", true},
		{"malformed data URL", "data:image/png", "", true},
		{"empty payload", "data:image/png;base64,", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, mime, err := decodeImage(tc.data)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if mime != tc.wantMIME {
				t.Errorf("mime = %q, want %q", mime, tc.wantMIME)
			}
			if len(raw) != 3 {
				t.Errorf("decoded %d bytes, want 3", len(raw))
			}
		})
	}
}
