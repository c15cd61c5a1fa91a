// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Handle to feed controlled result payloads and inspect
// which audio frames were delivered.
//
// Example:
//
//	h := mock.NewHandle()
//	p := &mock.Provider{Handles: []stt.Handle{h}}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/mgrote/clinscribe/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Handles are returned by successive StartStream calls, in order. This
	// lets a test hand out a fresh handle for each reconnect. When the list
	// is exhausted (or nil), StartStream returns a new default Handle.
	Handles []stt.Handle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	next int
}

// StartStream records the call and returns the next configured Handle.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.next < len(p.Handles) {
		h := p.Handles[p.next]
		p.next++
		return h, nil
	}
	return NewHandle(), nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Reset clears all recorded calls and rewinds the handle queue. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.next = 0
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Handle is a mock implementation of stt.Handle.
// Tests send result payloads on ResultsCh and close it when done.
type Handle struct {
	mu sync.Mutex

	// ResultsCh is the channel returned by Results(). Callers own this
	// channel and are responsible for sending to and closing it in tests.
	ResultsCh chan []byte

	// ReadyVal is returned by Ready(). Finish and Close set it to false.
	ReadyVal bool

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// KeepAliveErr, if non-nil, is returned by every KeepAlive call.
	KeepAliveErr error

	// FinishErr, if non-nil, is returned by the first Finish call.
	FinishErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendCalls records a copy of every frame passed to Send, in order.
	SendCalls [][]byte

	// KeepAliveCallCount is the number of times KeepAlive was called.
	KeepAliveCallCount int

	// FinishCallCount is the number of times Finish was called.
	FinishCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewHandle returns a ready Handle with a buffered results channel.
func NewHandle() *Handle {
	return &Handle{
		ResultsCh: make(chan []byte, 16),
		ReadyVal:  true,
	}
}

// Send records a copy of the frame and returns SendErr.
func (h *Handle) Send(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	h.SendCalls = append(h.SendCalls, cp)
	return h.SendErr
}

// Results returns ResultsCh.
func (h *Handle) Results() <-chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ResultsCh
}

// KeepAlive records the call and returns KeepAliveErr.
func (h *Handle) KeepAlive() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.KeepAliveCallCount++
	return h.KeepAliveErr
}

// Finish records the call, marks the handle not ready, and returns FinishErr.
func (h *Handle) Finish() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.FinishCallCount++
	h.ReadyVal = false
	return h.FinishErr
}

// Ready returns ReadyVal.
func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ReadyVal
}

// Close records the call, marks the handle not ready, and returns CloseErr.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CloseCallCount++
	h.ReadyVal = false
	return h.CloseErr
}

// SetReady overrides ReadyVal. Thread-safe.
func (h *Handle) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ReadyVal = ready
}

// SendCallCount returns the number of Send calls. Thread-safe.
func (h *Handle) SendCallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.SendCalls)
}

// Counts returns the keepalive, finish, and close call counts. Thread-safe.
func (h *Handle) Counts() (keepAlive, finish, closed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.KeepAliveCallCount, h.FinishCallCount, h.CloseCallCount
}

// Ensure Handle implements stt.Handle at compile time.
var _ stt.Handle = (*Handle)(nil)
