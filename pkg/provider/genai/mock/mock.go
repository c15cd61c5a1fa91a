// Package mock provides a test double for the genai.Provider interface.
//
// Use Provider in unit tests to verify that callers send correct Requests
// and to feed controlled responses without a live model backend. All fields
// are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    GenerateResponse: &genai.Response{Text: "Primary Diagnosis: ..."},
//	}
//	resp, err := p.Generate(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/mgrote/clinscribe/pkg/provider/genai"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// Req is the Request passed to Generate.
	Req genai.Request
}

// Provider is a mock implementation of genai.Provider.
// Zero values for response fields cause methods to return zero values and
// nil errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// GenerateResponse is returned by Generate when GenerateResponses is
	// empty. May be nil (returns nil, nil).
	GenerateResponse *genai.Response

	// GenerateResponses, when non-empty, are returned by successive
	// Generate calls in order. After the list is exhausted, Generate falls
	// back to GenerateResponse.
	GenerateResponses []*genai.Response

	// GenerateErr, if non-nil, is returned as the error from Generate.
	GenerateErr error

	// GenerateFunc, if non-nil, overrides all other response fields and is
	// called for every Generate invocation after the call is recorded.
	GenerateFunc func(ctx context.Context, req genai.Request) (*genai.Response, error)

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities genai.Capabilities

	// --- Call records (read after test) ---

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []GenerateCall

	next int
}

// Generate records the call and returns the configured response.
func (p *Provider) Generate(ctx context.Context, req genai.Request) (*genai.Response, error) {
	p.mu.Lock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, Req: req})
	fn := p.GenerateFunc
	var resp *genai.Response
	if fn == nil {
		if p.next < len(p.GenerateResponses) {
			resp = p.GenerateResponses[p.next]
			p.next++
		} else {
			resp = p.GenerateResponse
		}
	}
	err := p.GenerateErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() genai.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// GenerateCallCount returns the number of Generate calls. Thread-safe.
func (p *Provider) GenerateCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.GenerateCalls)
}

// LastGenerateCall returns the most recent GenerateCall, or a zero value if
// Generate was never called. Thread-safe.
func (p *Provider) LastGenerateCall() GenerateCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.GenerateCalls) == 0 {
		return GenerateCall{}
	}
	return p.GenerateCalls[len(p.GenerateCalls)-1]
}

// Reset clears all recorded calls and rewinds the response queue. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
	p.next = 0
}

// Ensure Provider implements genai.Provider at compile time.
var _ genai.Provider = (*Provider)(nil)
