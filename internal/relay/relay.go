// Package relay bridges a dictating client to a streaming transcription
// provider. A Session owns one provider stream at a time: audio frames from
// the client are forwarded to the provider, and the provider's result
// payloads are passed back verbatim.
//
// Each Session runs a single actor goroutine that owns the provider handle
// and the session state. Frames, keepalive ticks, and provider results all
// arrive on channels inside that goroutine, so no state is shared across
// goroutines. When a frame arrives while the provider stream is not ready,
// the actor finishes the stale handle and opens exactly one replacement
// before forwarding the frame; audio sent during the gap between streams is
// dropped, never queued.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mgrote/clinscribe/pkg/provider/stt"
)

// defaultKeepAlive is how often the session pings an idle provider stream.
const defaultKeepAlive = 10 * time.Second

// State is the lifecycle state of a Session.
type State int32

const (
	// StateIdle means the session has been created but not started.
	StateIdle State = iota
	// StateConnecting means a provider stream is being established.
	StateConnecting
	// StateOpen means the session is forwarding audio and results.
	StateOpen
	// StateClosed means the session has ended and accepts no more frames.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrClosed is returned by Forward after the session has ended.
var ErrClosed = errors.New("relay: session is closed")

// Hooks are optional callbacks for instrumentation. Nil fields are skipped.
type Hooks struct {
	// OnFrame is called after a frame has been handed to the provider.
	OnFrame func()
	// OnReconnect is called after a replacement stream has been opened.
	OnReconnect func()
	// OnResult is called for every provider payload delivered to the client.
	OnResult func()
}

// Option is a functional option for configuring a Session.
type Option func(*Session)

// WithKeepAliveInterval overrides the keepalive ping interval. Zero or
// negative values keep the default of 10s.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithStreamConfig sets the stt.StreamConfig used for every provider stream
// the session opens, including reconnects.
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(s *Session) {
		s.cfg = cfg
	}
}

// WithHooks installs instrumentation callbacks.
func WithHooks(h Hooks) Option {
	return func(s *Session) {
		s.hooks = h
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// Session relays audio from one client to one provider stream.
//
// A Session is single-use: create, Start, then Close. All exported methods
// are safe for concurrent use.
type Session struct {
	id        string
	provider  stt.Provider
	cfg       stt.StreamConfig
	keepAlive time.Duration
	hooks     Hooks
	log       *slog.Logger

	frames chan []byte
	out    chan []byte
	done   chan struct{}

	state     atomic.Int32
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession creates a Session over the given provider. The session does
// not touch the provider until Start is called.
func NewSession(provider stt.Provider, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		provider:  provider,
		keepAlive: defaultKeepAlive,
		log:       slog.Default(),
		frames:    make(chan []byte, 256),
		out:       make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("session_id", s.id)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Start opens the initial provider stream and launches the session actor.
// Returns an error if the stream cannot be established; the session is then
// closed and must not be reused.
func (s *Session) Start(ctx context.Context) error {
	s.state.Store(int32(StateConnecting))

	handle, err := s.provider.StartStream(ctx, s.cfg)
	if err != nil {
		s.state.Store(int32(StateClosed))
		s.closeOnce.Do(func() { close(s.done) })
		close(s.out)
		return fmt.Errorf("relay: start stream: %w", err)
	}

	s.state.Store(int32(StateOpen))
	s.log.Info("transcription session started")

	s.wg.Add(1)
	go s.run(ctx, handle)
	return nil
}

// Forward hands one audio frame to the session. Frames are forwarded to the
// provider in the order they arrive. Returns ErrClosed after the session
// has ended.
func (s *Session) Forward(frame []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.frames <- frame:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Results returns the channel of provider payloads, delivered verbatim in
// arrival order. The channel is closed when the session ends.
func (s *Session) Results() <-chan []byte { return s.out }

// Close ends the session: the provider stream is finished and closed, and
// the Results channel is closed once the actor has drained. Safe to call
// multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// run is the session actor. It is the only goroutine that touches the
// provider handle after Start.
func (s *Session) run(ctx context.Context, handle stt.Handle) {
	defer s.wg.Done()
	defer close(s.out)
	defer s.state.Store(int32(StateClosed))

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	results := handle.Results()

	defer func() {
		_ = handle.Finish()
		_ = handle.Close()
		s.log.Info("transcription session closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.done:
			return

		case frame := <-s.frames:
			if !handle.Ready() {
				replacement, err := s.reconnect(ctx, handle)
				if err != nil {
					// The frame is dropped; the next frame triggers a
					// fresh attempt.
					s.log.Warn("reconnect failed, dropping frame", "error", err)
					continue
				}
				handle = replacement
				results = handle.Results()
			}
			if err := handle.Send(frame); err != nil {
				s.log.Warn("forward frame", "error", err)
				continue
			}
			if s.hooks.OnFrame != nil {
				s.hooks.OnFrame()
			}

		case <-ticker.C:
			if !handle.Ready() {
				continue
			}
			if err := handle.KeepAlive(); err != nil {
				s.log.Warn("keepalive", "error", err)
			}

		case msg, ok := <-results:
			if !ok {
				// Provider ended the stream. The next frame reconnects;
				// selecting on a nil channel blocks forever.
				results = nil
				continue
			}
			select {
			case s.out <- msg:
				if s.hooks.OnResult != nil {
					s.hooks.OnResult()
				}
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// reconnect finishes the stale handle and opens exactly one replacement
// stream. No retries: a failure surfaces to the caller and the triggering
// frame is lost.
func (s *Session) reconnect(ctx context.Context, stale stt.Handle) (stt.Handle, error) {
	s.state.Store(int32(StateConnecting))
	s.log.Info("provider stream not ready, reconnecting")

	_ = stale.Finish()
	_ = stale.Close()

	// On failure the session stays in StateConnecting; the next frame
	// triggers another single attempt.
	handle, err := s.provider.StartStream(ctx, s.cfg)
	if err != nil {
		return nil, fmt.Errorf("relay: reconnect: %w", err)
	}

	s.state.Store(int32(StateOpen))
	s.log.Info("provider stream reestablished")
	if s.hooks.OnReconnect != nil {
		s.hooks.OnReconnect()
	}
	return handle, nil
}
