// Package openai provides a genai provider backed by the OpenAI API. It is
// the vision-capable alternative to the Hugging Face backend: images are
// attached as data URLs on a multimodal chat message.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/mgrote/clinscribe/pkg/provider/genai"
)

// Provider implements genai.Provider using the OpenAI chat completions API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Useful for
// OpenAI-compatible gateways.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI genai Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Generate implements genai.Provider.
func (p *Provider) Generate(ctx context.Context, req genai.Request) (*genai.Response, error) {
	if req.Prompt == "" {
		return nil, errors.New("openai: prompt must not be empty")
	}

	var message oai.ChatCompletionMessageParamUnion
	if len(req.Image) > 0 {
		mime := req.ImageMIME
		if mime == "" {
			mime = "image/jpeg"
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(req.Image))
		parts := []oai.ChatCompletionContentPartUnionParam{
			oai.TextContentPart(req.Prompt),
			oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
		}
		message = oai.UserMessage(parts)
	} else {
		message = oai.UserMessage(req.Prompt)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: []oai.ChatCompletionMessageParamUnion{message},
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = param.NewOpt(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}

	return &genai.Response{Text: resp.Choices[0].Message.Content}, nil
}

// Capabilities implements genai.Provider.
func (p *Provider) Capabilities() genai.Capabilities {
	return genai.Capabilities{SupportsVision: supportsVision(p.model)}
}

// supportsVision reports whether a known OpenAI model accepts image input.
func supportsVision(model string) bool {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "o1-mini"), strings.HasPrefix(lower, "o3-mini"):
		return false
	case strings.HasPrefix(lower, "gpt-4o"),
		strings.HasPrefix(lower, "gpt-4-turbo"),
		strings.HasPrefix(lower, "gpt-4.1"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"):
		return true
	}
	return false
}

var _ genai.Provider = (*Provider)(nil)
