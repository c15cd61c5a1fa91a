package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mgrote/clinscribe/pkg/provider/genai"
	"github.com/mgrote/clinscribe/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	stt   map[string]func(ProviderEntry) (stt.Provider, error)
	genai map[string]func(ProviderEntry) (genai.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt:   make(map[string]func(ProviderEntry) (stt.Provider, error)),
		genai: make(map[string]func(ProviderEntry) (genai.Provider, error)),
	}
}

// RegisterSTT registers a streaming STT provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterGenAI registers a generative model provider factory under name.
// The same factory serves both the vision and text roles; the entry's Model
// and Options decide the capabilities of the resulting provider.
func (r *Registry) RegisterGenAI(name string, factory func(ProviderEntry) (genai.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.genai[name] = factory
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcribe/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateGenAI instantiates a generative model provider using the factory
// registered under entry.Name.
func (r *Registry) CreateGenAI(entry ProviderEntry) (genai.Provider, error) {
	r.mu.RLock()
	factory, ok := r.genai[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: genai/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
