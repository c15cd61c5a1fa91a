package resilience

import (
	"context"

	"github.com/mgrote/clinscribe/pkg/provider/genai"
)

// GenAIFallback implements [genai.Provider] on top of a [Chain] of generative
// backends. Each backend sits behind its own breaker.
type GenAIFallback struct {
	chain *Chain[genai.Provider]
}

// Compile-time interface assertion.
var _ genai.Provider = (*GenAIFallback)(nil)

// NewGenAIFallback creates a [GenAIFallback] with primary as the preferred
// backend.
func NewGenAIFallback(primary genai.Provider, primaryName string, cfg ChainConfig) *GenAIFallback {
	return &GenAIFallback{
		chain: NewChain(primaryName, primary, cfg),
	}
}

// AddFallback registers an additional generative provider as a fallback.
func (f *GenAIFallback) AddFallback(name string, provider genai.Provider) {
	f.chain.Add(name, provider)
}

// Generate runs the request against the first healthy provider. If the primary
// fails, subsequent fallbacks are tried in registration order.
func (f *GenAIFallback) Generate(ctx context.Context, req genai.Request) (*genai.Response, error) {
	return Run(f.chain, func(p genai.Provider) (*genai.Response, error) {
		return p.Generate(ctx, req)
	})
}

// Capabilities reports the primary backend's capabilities. The answer must
// stay stable across requests, so it never participates in failover.
func (f *GenAIFallback) Capabilities() genai.Capabilities {
	return f.chain.Primary().Capabilities()
}
