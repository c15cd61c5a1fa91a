// Package diagnose orchestrates the clinical analysis pipelines: symptom
// detection from a transcript, scan diagnosis through the vision and parsing
// models, and History & Physical write-up generation.
//
// The service owns no model logic of its own. It composes prompts
// (internal/compose), calls the configured providers under per-call
// timeouts, repairs whatever the parsing model produced (internal/repair),
// and persists the assembled record (internal/record). Remote failures
// surface as [ErrProvider]; malformed model output never surfaces at all.
package diagnose

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mgrote/clinscribe/internal/compose"
	"github.com/mgrote/clinscribe/internal/extract"
	"github.com/mgrote/clinscribe/internal/observe"
	"github.com/mgrote/clinscribe/internal/record"
	"github.com/mgrote/clinscribe/internal/repair"
	"github.com/mgrote/clinscribe/pkg/provider/genai"
)

// Boundary errors. Handlers map these to HTTP status codes; everything else
// is an internal failure.
var (
	// ErrMissingImage indicates a diagnose call without scan image data.
	ErrMissingImage = errors.New("diagnose: missing image data")

	// ErrMissingTranscript indicates a detection call with an empty transcript.
	ErrMissingTranscript = errors.New("diagnose: missing transcript")

	// ErrNoDiagnoses indicates a write-up call before any diagnosis exists.
	ErrNoDiagnoses = errors.New("diagnose: no diagnoses available")

	// ErrProvider wraps remote model failures.
	ErrProvider = errors.New("diagnose: provider request failed")
)

// Generation parameters per pipeline stage.
const (
	analysisTemperature = 0.2
	analysisTopP        = 0.9
	analysisMaxTokens   = 1000

	parsingTemperature = 0.1
	parsingMaxTokens   = 1000

	detectionTemperature = 0.1
	detectionTopP        = 0.9
	detectionMaxTokens   = 150

	writeUpTemperature = 0.3
	writeUpMaxTokens   = 1500
)

// defaultTimeout bounds a single remote model call when no per-provider
// timeout is configured.
const defaultTimeout = 60 * time.Second

// Option is a functional option for configuring a [Service].
type Option func(*Service)

// WithVisionTimeout bounds each vision-model call. Zero or negative keeps
// the default.
func WithVisionTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.visionTimeout = d
		}
	}
}

// WithTextTimeout bounds each text-model call. Zero or negative keeps the
// default.
func WithTextTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.textTimeout = d
		}
	}
}

// WithProviderNames sets the provider labels used in metrics and logs.
func WithProviderNames(vision, text string) Option {
	return func(s *Service) {
		s.visionName = vision
		s.textName = text
	}
}

// WithMetrics replaces the metrics instance. Mainly for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger replaces the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// Service runs the diagnosis pipelines against a vision provider, a text
// provider, and the current-record store. Safe for concurrent use.
type Service struct {
	vision genai.Provider
	text   genai.Provider
	store  record.Store
	engine *extract.Engine

	visionTimeout time.Duration
	textTimeout   time.Duration
	visionName    string
	textName      string

	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates a [Service]. All three dependencies are required; engine is
// the extraction engine used by the detection pipeline.
func New(vision, text genai.Provider, store record.Store, engine *extract.Engine, opts ...Option) (*Service, error) {
	if vision == nil {
		return nil, errors.New("diagnose: vision provider must not be nil")
	}
	if text == nil {
		return nil, errors.New("diagnose: text provider must not be nil")
	}
	if store == nil {
		return nil, errors.New("diagnose: store must not be nil")
	}
	if engine == nil {
		return nil, errors.New("diagnose: extraction engine must not be nil")
	}

	s := &Service{
		vision:        vision,
		text:          text,
		store:         store,
		engine:        engine,
		visionTimeout: defaultTimeout,
		textTimeout:   defaultTimeout,
		visionName:    "vision",
		textName:      "text",
		metrics:       observe.DefaultMetrics(),
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Request carries one diagnose call. ImageData is required; everything else
// is optional patient context.
type Request struct {
	// ImageData is the scan image, base64-encoded, optionally wrapped in a
	// data URL ("data:image/png;base64,....").
	ImageData string `json:"imageData"`

	Symptoms       []string              `json:"symptoms,omitempty"`
	Vitals         record.Vitals         `json:"vitals,omitempty"`
	LabResults     []record.LabResult    `json:"labResults,omitempty"`
	LabTestDate    string                `json:"labTestDate,omitempty"`
	MedicalHistory record.MedicalHistory `json:"medicalHistory,omitempty"`

	// Feedback is a physician's note on the previous diagnosis. When set,
	// the previous primary diagnosis is passed to the composer for
	// reconsideration.
	Feedback string `json:"feedback,omitempty"`

	// PreviousDiagnosis lets a client carry its own prior diagnosis into the
	// feedback loop. When nil, the stored record's primary diagnosis is used.
	PreviousDiagnosis *record.Diagnosis `json:"previousDiagnosis,omitempty"`
}

// WriteUpInput carries one write-up call. Every field except the assessment
// is optional; omitted fields fall back to the stored current record.
type WriteUpInput struct {
	Diagnoses           []record.Diagnosis    `json:"diagnoses,omitempty"`
	Symptoms            []string              `json:"symptoms,omitempty"`
	Vitals              record.Vitals         `json:"vitals,omitempty"`
	LabResults          []record.LabResult    `json:"labResults,omitempty"`
	MedicalHistory      record.MedicalHistory `json:"medicalHistory,omitempty"`
	PhysicianAssessment string                `json:"physicianAssessment"`
}

// Detection is the outcome of one detect-symptoms call.
type Detection struct {
	Result extract.Result

	// Degraded is true when the detection model failed and the result came
	// from the vocabulary-only fallback scan.
	Degraded bool
}

// DetectSymptoms runs the symptom-detection pipeline: detection prompt to
// the text model, then rule-based extraction over model response and
// transcript. A model failure degrades to the vocabulary fallback instead of
// returning an error; only an empty transcript fails.
func (s *Service) DetectSymptoms(ctx context.Context, transcript string) (Detection, error) {
	if strings.TrimSpace(transcript) == "" {
		return Detection{}, ErrMissingTranscript
	}

	start := time.Now()
	defer func() {
		s.metrics.DetectDuration.Record(ctx, time.Since(start).Seconds())
	}()

	resp, err := s.generateText(ctx, genai.Request{
		Prompt:      compose.Detection(transcript),
		Temperature: detectionTemperature,
		TopP:        detectionTopP,
		MaxTokens:   detectionMaxTokens,
	})
	if err != nil {
		s.log.Warn("detection model failed, using vocabulary fallback", "error", err)
		return Detection{Result: s.engine.FallbackScan(transcript), Degraded: true}, nil
	}

	return Detection{Result: s.engine.Extract(resp.Text, transcript)}, nil
}

// Diagnose runs the full diagnosis pipeline and persists the resulting
// record. Vitals, lab results, and medical history from the previous record
// carry over when the new request omits them; everything else is replaced
// wholesale.
func (s *Service) Diagnose(ctx context.Context, req Request) (record.DiagnosisResult, error) {
	if strings.TrimSpace(req.ImageData) == "" {
		return record.DiagnosisResult{}, ErrMissingImage
	}
	image, mime, err := decodeImage(req.ImageData)
	if err != nil {
		return record.DiagnosisResult{}, fmt.Errorf("%w: %v", ErrMissingImage, err)
	}

	start := time.Now()
	defer func() {
		s.metrics.DiagnoseDuration.Record(ctx, time.Since(start).Seconds())
	}()

	previous, havePrevious := s.loadPrevious(ctx)
	merged := mergeContext(req, previous, havePrevious)

	analysisReq := compose.AnalysisRequest{
		Symptoms:   merged.Symptoms,
		Vitals:     merged.Vitals,
		LabResults: merged.LabResults,
		History:    merged.MedicalHistory,
		Feedback:   req.Feedback,
	}
	if req.Feedback != "" {
		switch {
		case req.PreviousDiagnosis != nil:
			prev := *req.PreviousDiagnosis
			prev.Normalize()
			analysisReq.Previous = &prev
		case havePrevious:
			if primary, ok := previous.Primary(); ok {
				analysisReq.Previous = &primary
			}
		}
	}

	// Stage 1: vision analysis.
	visionCtx, cancel := context.WithTimeout(ctx, s.visionTimeout)
	visionResp, err := s.vision.Generate(visionCtx, genai.Request{
		Prompt:      compose.Analysis(analysisReq),
		Image:       image,
		ImageMIME:   mime,
		Temperature: analysisTemperature,
		TopP:        analysisTopP,
		MaxTokens:   analysisMaxTokens,
	})
	cancel()
	if err != nil {
		s.metrics.RecordProviderError(ctx, s.visionName, "vision")
		return record.DiagnosisResult{}, fmt.Errorf("%w: analysis: %v", ErrProvider, err)
	}
	s.metrics.RecordProviderRequest(ctx, s.visionName, "vision", "ok")

	// Stage 2: parse the free-text analysis into the diagnoses document.
	parseResp, err := s.generateText(ctx, genai.Request{
		Prompt:      compose.Parsing(visionResp.Text),
		Temperature: parsingTemperature,
		MaxTokens:   parsingMaxTokens,
	})
	if err != nil {
		return record.DiagnosisResult{}, fmt.Errorf("%w: parsing: %v", ErrProvider, err)
	}

	// Stage 3: repair. Never fails; degraded tiers only produce thinner
	// content.
	diagnoses, tier := repair.RepairWithTier(parseResp.Text)
	s.metrics.RecordRepairOutcome(ctx, string(tier))
	if tier != repair.TierStrict {
		s.log.Info("diagnosis document repaired", "tier", tier, "entries", len(diagnoses))
	}

	result := record.DiagnosisResult{
		Diagnoses:      diagnoses,
		ImageData:      req.ImageData,
		Symptoms:       merged.Symptoms,
		Vitals:         merged.Vitals,
		LabResults:     merged.LabResults,
		LabTestDate:    merged.LabTestDate,
		MedicalHistory: merged.MedicalHistory,
		Timestamp:      time.Now().UTC(),
		RawText:        visionResp.Text,
	}

	if err := s.store.Save(ctx, result); err != nil {
		return record.DiagnosisResult{}, fmt.Errorf("diagnose: save record: %w", err)
	}
	return result, nil
}

// WriteUp generates History & Physical documentation from the physician's
// assessment plus diagnosis data carried in the request; fields the request
// omits fall back to the stored current record. Fails with [ErrNoDiagnoses]
// when neither source yields a diagnosis.
func (s *Service) WriteUp(ctx context.Context, in WriteUpInput) (string, error) {
	current, haveCurrent := s.loadPrevious(ctx)

	eff := in
	if len(eff.Diagnoses) == 0 && haveCurrent {
		eff.Diagnoses = current.Diagnoses
	}
	if haveCurrent {
		if len(eff.Symptoms) == 0 {
			eff.Symptoms = current.Symptoms
		}
		if eff.Vitals.IsZero() {
			eff.Vitals = current.Vitals
		}
		if len(eff.LabResults) == 0 {
			eff.LabResults = current.LabResults
		}
		if eff.MedicalHistory.IsZero() {
			eff.MedicalHistory = current.MedicalHistory
		}
	}

	primary, ok := record.DiagnosisResult{Diagnoses: eff.Diagnoses}.Primary()
	if !ok {
		return "", ErrNoDiagnoses
	}
	primary.Normalize()

	start := time.Now()
	defer func() {
		s.metrics.WriteUpDuration.Record(ctx, time.Since(start).Seconds())
	}()

	resp, err := s.generateText(ctx, genai.Request{
		Prompt: compose.WriteUp(compose.WriteUpRequest{
			Primary:             primary,
			Symptoms:            eff.Symptoms,
			Vitals:              eff.Vitals,
			LabResults:          eff.LabResults,
			History:             eff.MedicalHistory,
			PhysicianAssessment: in.PhysicianAssessment,
		}),
		Temperature: writeUpTemperature,
		MaxTokens:   writeUpMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: writeup: %v", ErrProvider, err)
	}
	return resp.Text, nil
}

// Current returns the current record.
func (s *Service) Current(ctx context.Context) (record.DiagnosisResult, error) {
	return s.store.Load(ctx)
}

// Reset clears the diagnoses but keeps the patient context for the next
// diagnosis.
func (s *Service) Reset(ctx context.Context) error {
	return s.store.Reset(ctx)
}

// Clear empties the current record entirely.
func (s *Service) Clear(ctx context.Context) error {
	return s.store.Clear(ctx)
}

// generateText runs a text-model call under the configured timeout and
// records provider metrics.
func (s *Service) generateText(ctx context.Context, req genai.Request) (*genai.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.textTimeout)
	defer cancel()

	callStart := time.Now()
	resp, err := s.text.Generate(callCtx, req)
	s.metrics.GenerateDuration.Record(ctx, time.Since(callStart).Seconds())
	if err != nil {
		s.metrics.RecordProviderError(ctx, s.textName, "text")
		return nil, err
	}
	s.metrics.RecordProviderRequest(ctx, s.textName, "text", "ok")
	return resp, nil
}

// loadPrevious fetches the prior record; an empty slot is not an error.
func (s *Service) loadPrevious(ctx context.Context) (record.DiagnosisResult, bool) {
	previous, err := s.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, record.ErrNoRecord) {
			s.log.Warn("loading previous record failed", "error", err)
		}
		return record.DiagnosisResult{}, false
	}
	return previous, true
}

// mergeContext applies the persistence rule: vitals, lab results, lab test
// date, and medical history from the previous record carry over when the new
// request omits them. Symptoms always come from the request.
func mergeContext(req Request, previous record.DiagnosisResult, havePrevious bool) Request {
	merged := req
	if !havePrevious {
		return merged
	}
	if merged.Vitals.IsZero() {
		merged.Vitals = previous.Vitals
	}
	if len(merged.LabResults) == 0 {
		merged.LabResults = previous.LabResults
		if merged.LabTestDate == "" {
			merged.LabTestDate = previous.LabTestDate
		}
	}
	if merged.MedicalHistory.IsZero() {
		merged.MedicalHistory = previous.MedicalHistory
	}
	return merged
}

// decodeImage decodes base64 image data, accepting both a bare payload and a
// data URL. The MIME type defaults to image/jpeg when no data URL prefix
// names one.
func decodeImage(data string) ([]byte, string, error) {
	mime := "image/jpeg"
	if strings.HasPrefix(data, "data:") {
		comma := strings.IndexByte(data, ',')
		if comma < 0 {
			return nil, "", errors.New("malformed data URL")
		}
		header := data[len("data:"):comma]
		if semi := strings.IndexByte(header, ';'); semi >= 0 {
			header = header[:semi]
		}
		if header != "" {
			mime = header
		}
		data = data[comma+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64 image: %w", err)
	}
	if len(raw) == 0 {
		return nil, "", errors.New("empty image payload")
	}
	return raw, mime, nil
}
