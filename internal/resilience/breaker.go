// Package resilience keeps the remote transcription and model backends
// usable through partial outages. A [Breaker] stops hammering a backend
// that keeps rejecting calls, and a [Chain] fails over to configured backup
// backends, each guarded by its own breaker. [STTFallback] and
// [GenAIFallback] wrap chains behind the provider interfaces so the rest of
// the service never sees the failover machinery.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the backend is cooling
// down after tripping.
var ErrBreakerOpen = errors.New("backend circuit open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed passes every call through to the backend.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrBreakerOpen] until the cooldown
	// elapses.
	BreakerOpen

	// BreakerProbing lets calls through after the cooldown; successes close
	// the breaker again, a single failure trips it back open.
	BreakerProbing
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. The defaults are sized for remote model
// and transcription endpoints: those tend to fail in bursts (quota, cold
// start, rolling deploy) and recover within tens of seconds, so the breaker
// trips quickly and probes again soon rather than benching a backend for
// minutes.
type BreakerConfig struct {
	// Backend labels the guarded backend in log output.
	Backend string

	// TripAfter is how many consecutive failures open the breaker.
	// Default: 5.
	TripAfter int

	// Cooldown is how long the breaker rejects calls before probing the
	// backend again. Default: 20s.
	Cooldown time.Duration

	// ProbeBudget is how many consecutive successful probes close the
	// breaker after a cooldown. Default: 2.
	ProbeBudget int
}

// Breaker is a three-state circuit breaker guarding one backend.
// It is safe for concurrent use.
type Breaker struct {
	backend     string
	tripAfter   int
	cooldown    time.Duration
	probeBudget int
	clock       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	probes   int
	openedAt time.Time
}

// NewBreaker creates a [Breaker]; zero config fields take the defaults
// documented on [BreakerConfig].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 20 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 2
	}
	return &Breaker{
		backend:     cfg.Backend,
		tripAfter:   cfg.TripAfter,
		cooldown:    cfg.Cooldown,
		probeBudget: cfg.ProbeBudget,
		clock:       time.Now,
	}
}

// Do runs fn against the backend if the breaker admits the call. While open
// and inside the cooldown it returns [ErrBreakerOpen] without calling fn;
// after the cooldown it admits probe calls.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == BreakerOpen {
		if b.clock().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrBreakerOpen, b.backend)
		}
		b.state = BreakerProbing
		b.probes = 0
		slog.Info("backend cooldown over, probing", "backend", b.backend)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	return err
}

// onFailure updates state after a failed call. Caller holds b.mu.
func (b *Breaker) onFailure() {
	switch b.state {
	case BreakerProbing:
		// One bad probe is enough; the backend is still down.
		b.trip()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.tripAfter {
			b.trip()
		}
	}
}

// onSuccess updates state after a successful call. Caller holds b.mu.
func (b *Breaker) onSuccess() {
	switch b.state {
	case BreakerProbing:
		b.probes++
		if b.probes >= b.probeBudget {
			b.state = BreakerClosed
			b.failures = 0
			slog.Info("backend recovered, circuit closed", "backend", b.backend)
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// trip opens the breaker and starts the cooldown. Caller holds b.mu.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.clock()
	b.failures = 0
	b.probes = 0
	slog.Warn("backend circuit opened",
		"backend", b.backend, "cooldown", b.cooldown)
}

// State reports the breaker's mode. An open breaker whose cooldown has
// elapsed reports [BreakerProbing]; the stored state flips on the next
// [Breaker.Do].
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clock().Sub(b.openedAt) >= b.cooldown {
		return BreakerProbing
	}
	return b.state
}

// Reset forces the breaker closed, clearing all counters. Used when a
// backend's configuration is reloaded and the old failure history no longer
// applies.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
	slog.Info("backend circuit reset", "backend", b.backend)
}
