// Package genai defines the Provider interface for generative model
// backends.
//
// A genai provider wraps a remote inference API (e.g., Hugging Face
// Inference, OpenAI, or any OpenAI-compatible endpoint) and exposes a
// uniform single-shot interface: one prompt in, one generated text out.
// Vision-capable backends additionally accept an image alongside the
// prompt.
//
// Providers normalize their backend's response envelope before returning:
// callers always receive plain generated text, never the backend's raw
// payload shape. Implementations must be safe for concurrent use and must
// bound every remote call, either through the supplied context or an
// internal request timeout.
package genai

import "context"

// Request carries the input for a single generation call.
type Request struct {
	// Prompt is the full instruction text. Must be non-empty.
	Prompt string

	// Image holds raw image bytes for vision-capable models. Nil for
	// text-only generation. Providers that do not support vision return an
	// error when Image is set.
	Image []byte

	// ImageMIME is the content type of Image (e.g., "image/jpeg").
	// Ignored when Image is nil.
	ImageMIME string

	// Temperature controls output randomness in [0.0, 2.0]. Zero means use
	// the provider default.
	Temperature float64

	// TopP is the nucleus sampling threshold. Zero means use the provider
	// default.
	TopP float64

	// MaxTokens caps the number of generated tokens. Zero means use the
	// provider default.
	MaxTokens int
}

// Response is the normalized result of a generation call.
type Response struct {
	// Text is the generated text with the backend's envelope stripped.
	Text string
}

// Capabilities describes what a provider's underlying model supports. The
// result is assumed to be constant for the lifetime of the Provider.
type Capabilities struct {
	// SupportsVision reports whether the model accepts an image input.
	SupportsVision bool
}

// Provider is the abstraction over any generative model backend.
//
// Implementations must be safe for concurrent use from multiple goroutines
// and must propagate context cancellation promptly.
type Provider interface {
	// Generate sends req to the model and waits for the full response.
	// Returns an error if the request fails, the backend returns an
	// unusable payload, or ctx is cancelled first.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() Capabilities
}
