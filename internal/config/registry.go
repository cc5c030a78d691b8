package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/orchestra/internal/engine"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// ErrNotRegistered is returned by the Create methods when no factory has
// been registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// BackendFactory builds a device backend from the audio section.
type BackendFactory func(AudioConfig) (audio.Backend, error)

// EngineFactory builds an engine from the engine section.
type EngineFactory func(EngineConfig) (engine.Engine, error)

// Registry maps backend and engine names to their constructors. It is safe
// for concurrent use.
//
// Engines not registered here are bound through [engine.Bind], so engines
// that register themselves with the engine package need no entry.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
	engines  map[string]EngineFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]BackendFactory),
		engines:  make(map[string]EngineFactory),
	}
}

// RegisterBackend registers a backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// RegisterEngine registers an engine factory under name, taking precedence
// over [engine.Bind].
func (r *Registry) RegisterEngine(name string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// Backends returns the registered backend names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateBackend instantiates the backend named by cfg.Backend.
// Returns [ErrNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateBackend(cfg AudioConfig) (audio.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend %q", ErrNotRegistered, cfg.Backend)
	}
	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create backend %q: %w", cfg.Backend, err)
	}
	return b, nil
}

// CreateEngine instantiates the engine named by cfg.Name. Names without a
// registered factory are bound with [engine.Bind], whose *engine.BindError
// is returned unchanged.
func (r *Registry) CreateEngine(cfg EngineConfig) (engine.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return engine.Bind(cfg.Name, cfg.Options)
	}
	e, err := factory(cfg)
	if err != nil {
		return nil, &engine.BindError{Name: cfg.Name, Err: err}
	}
	return e, nil
}
