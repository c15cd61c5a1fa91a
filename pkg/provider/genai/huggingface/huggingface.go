// Package huggingface provides a genai provider backed by the Hugging Face
// Inference API. It implements the genai.Provider interface.
//
// The Inference API returns generated text in several envelope shapes
// depending on the model and task: a bare JSON string, a single object with
// a generated_text field, or an array of such objects. Generate normalizes
// all of them before returning.
package huggingface

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mgrote/clinscribe/pkg/provider/genai"
)

const (
	defaultBaseURL = "https://api-inference.huggingface.co"
	defaultTimeout = 60 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithBaseURL overrides the default Inference API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithTimeout sets the per-request timeout. Zero keeps the default of 60s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.httpc.Timeout = d
		}
	}
}

// WithVision marks the model as vision-capable, allowing image inputs.
func WithVision(v bool) Option {
	return func(p *Provider) {
		p.vision = v
	}
}

// Provider implements genai.Provider using the Hugging Face Inference API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	vision  bool
	httpc   *http.Client
}

// New constructs a Hugging Face Provider for the given model
// (e.g., "mistralai/Mistral-7B-Instruct-v0.3").
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("huggingface: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("huggingface: model must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		httpc:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inferenceRequest is the JSON body sent to the Inference API.
type inferenceRequest struct {
	Inputs     string              `json:"inputs"`
	Image      string              `json:"image,omitempty"`
	Parameters inferenceParameters `json:"parameters"`
}

type inferenceParameters struct {
	MaxNewTokens   int      `json:"max_new_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	TopP           *float64 `json:"top_p,omitempty"`
	ReturnFullText bool     `json:"return_full_text"`
}

// Generate implements genai.Provider.
func (p *Provider) Generate(ctx context.Context, req genai.Request) (*genai.Response, error) {
	if req.Prompt == "" {
		return nil, errors.New("huggingface: prompt must not be empty")
	}
	if len(req.Image) > 0 && !p.vision {
		return nil, fmt.Errorf("huggingface: model %q does not accept image input", p.model)
	}

	body := inferenceRequest{
		Inputs: req.Prompt,
		Parameters: inferenceParameters{
			MaxNewTokens: req.MaxTokens,
		},
	}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Parameters.Temperature = &t
	}
	if req.TopP != 0 {
		tp := req.TopP
		body.Parameters.TopP = &tp
	}
	if len(req.Image) > 0 {
		body.Image = base64.StdEncoding.EncodeToString(req.Image)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("huggingface: marshal request: %w", err)
	}

	endpoint := p.baseURL + "/models/" + p.model
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("huggingface: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("huggingface: request %q: %w", p.model, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("huggingface: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("huggingface: %q returned status %d: %s", p.model, resp.StatusCode, truncate(string(data), 200))
	}

	text, err := normalizeGenerated(data)
	if err != nil {
		return nil, fmt.Errorf("huggingface: %q: %w", p.model, err)
	}
	return &genai.Response{Text: text}, nil
}

// Capabilities implements genai.Provider.
func (p *Provider) Capabilities() genai.Capabilities {
	return genai.Capabilities{SupportsVision: p.vision}
}

// generatedText is one element of the Inference API's array envelope.
type generatedText struct {
	GeneratedText string `json:"generated_text"`
}

// normalizeGenerated extracts the generated text from any of the Inference
// API's envelope shapes: an array of objects, a single object, or a bare
// JSON string.
func normalizeGenerated(data []byte) (string, error) {
	var arr []generatedText
	if err := json.Unmarshal(data, &arr); err == nil {
		for _, e := range arr {
			if e.GeneratedText != "" {
				return e.GeneratedText, nil
			}
		}
		if len(arr) > 0 {
			return "", errors.New("empty generated_text in response")
		}
	}

	var single generatedText
	if err := json.Unmarshal(data, &single); err == nil && single.GeneratedText != "" {
		return single.GeneratedText, nil
	}

	var bare string
	if err := json.Unmarshal(data, &bare); err == nil && bare != "" {
		return bare, nil
	}

	return "", fmt.Errorf("unrecognized response shape: %s", truncate(string(data), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ genai.Provider = (*Provider)(nil)
