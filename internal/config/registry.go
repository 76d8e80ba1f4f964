package config

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/eburon/pkg/audio/capture"
	"github.com/MrWong99/eburon/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	s2s      map[string]func(ProviderEntry) (s2s.Provider, error)
	capture  map[string]func(ProviderEntry) (capture.Device, error)
	playback map[string]func(ProviderEntry) (io.WriteCloser, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:      make(map[string]func(ProviderEntry) (s2s.Provider, error)),
		capture:  make(map[string]func(ProviderEntry) (capture.Device, error)),
		playback: make(map[string]func(ProviderEntry) (io.WriteCloser, error)),
	}
}

// RegisterS2S registers an S2S provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory func(ProviderEntry) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterCapture registers a microphone device factory under name.
func (r *Registry) RegisterCapture(name string, factory func(ProviderEntry) (capture.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a speaker sink factory under name. Sinks receive
// interleaved s16le mono PCM at the output sample rate.
func (r *Registry) RegisterPlayback(name string, factory func(ProviderEntry) (io.WriteCloser, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// HasS2S reports whether a factory is registered under name.
func (r *Registry) HasS2S(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.s2s[name]
	return ok
}

// CreateS2S instantiates an S2S provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateS2S(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCapture instantiates a capture device using the factory registered under entry.Name.
func (r *Registry) CreateCapture(entry ProviderEntry) (capture.Device, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreatePlayback instantiates a playback sink using the factory registered under entry.Name.
func (r *Registry) CreatePlayback(entry ProviderEntry) (io.WriteCloser, error) {
	r.mu.RLock()
	factory, ok := r.playback[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
