package resilience

import (
	"context"

	"github.com/mgrote/clinscribe/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] on top of a [Chain] of transcription
// backends. Each backend sits behind its own breaker.
type STTFallback struct {
	chain *Chain[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg ChainConfig) *STTFallback {
	return &STTFallback{
		chain: NewChain(primaryName, primary, cfg),
	}
}

// AddFallback registers an additional transcription provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.chain.Add(name, provider)
}

// StartStream opens a streaming transcription session against the first healthy
// provider. Only the initial connection attempt is covered by failover; once a
// stream is established, mid-stream errors are reported through the handle.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Handle, error) {
	return Run(f.chain, func(p stt.Provider) (stt.Handle, error) {
		return p.StartStream(ctx, cfg)
	})
}
