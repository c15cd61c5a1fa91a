package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned by [Run] when every backend in a [Chain] either
// failed or was skipped because its breaker is open.
var ErrAllFailed = errors.New("all backends failed")

// ChainConfig carries the breaker tuning applied to every backend added to
// a [Chain]. The Backend label is filled in per backend.
type ChainConfig struct {
	Breaker BreakerConfig
}

// chainBackend is one failover candidate with its dedicated breaker.
type chainBackend[T any] struct {
	name    string
	impl    T
	breaker *Breaker
}

// Chain is an ordered failover list of interchangeable backends. The first
// entry is the configured primary; [Run] walks the chain until a backend
// answers, skipping any whose breaker is open.
//
// Backends are registered during wiring, before the chain serves calls;
// after that the chain is safe for concurrent use.
type Chain[T any] struct {
	backends   []chainBackend[T]
	breakerCfg BreakerConfig
}

// NewChain creates a chain with primary as its first backend.
func NewChain[T any](name string, primary T, cfg ChainConfig) *Chain[T] {
	c := &Chain[T]{breakerCfg: cfg.Breaker}
	c.Add(name, primary)
	return c
}

// Add appends a backup backend. Backends are tried in registration order.
func (c *Chain[T]) Add(name string, impl T) {
	bc := c.breakerCfg
	bc.Backend = name
	c.backends = append(c.backends, chainBackend[T]{
		name:    name,
		impl:    impl,
		breaker: NewBreaker(bc),
	})
}

// Primary returns the first registered backend. Useful for static metadata
// (capabilities, model names) that must not flap with failover.
func (c *Chain[T]) Primary() T {
	return c.backends[0].impl
}

// Len reports how many backends the chain holds.
func (c *Chain[T]) Len() int {
	return len(c.backends)
}

// Run calls fn against each backend in the chain until one succeeds.
// Backends with an open breaker are skipped without being called. When the
// whole chain fails, the returned error wraps [ErrAllFailed] and carries
// the last backend's error.
//
// Run is a package function because methods cannot add type parameters.
func Run[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.backends {
		b := &c.backends[i]
		var result R
		err := b.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(b.impl)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("backend skipped, circuit open", "backend", b.name)
		} else {
			slog.Warn("backend failed, trying next",
				"backend", b.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
