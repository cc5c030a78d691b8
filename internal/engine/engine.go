// Package engine defines the boundary between stream sessions and the audio
// engine that produces and consumes their samples.
//
// An [Engine] is the opaque processing core: it fills output chunks on
// request ([Engine.Playback]) and receives captured input chunks
// ([Engine.Record]), keyed by session id. The [Gateway] wraps an Engine for
// the pump loops: it times every call against the real-time budget, keeps a
// failing engine off the hot path with a circuit breaker, and substitutes
// silence so a session never stalls because of the engine.
//
// An engine is either available or not. [NewGateway] and [Bind] report the
// unavailable case as [ErrEngineUnavailable] at construction time; once a
// Gateway exists it can always be used.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// ErrEngineUnavailable is returned when no engine can be bound.
var ErrEngineUnavailable = errors.New("engine: not available")

// Engine is the audio processing core behind the gateway.
//
// buf holds frames*channels interleaved samples in the session's format.
// Implementations must return within one chunk duration or every dependent
// stream glitches. Implementations must be safe for concurrent use; calls for
// different sessions arrive from different goroutines.
type Engine interface {
	// Playback fills buf with the next frames of output for session id.
	Playback(id audio.SessionID, buf []int16, frames int) error

	// Record consumes frames of captured input for session id. buf is only
	// valid for the duration of the call.
	Record(id audio.SessionID, buf []int16, frames int) error
}

// StreamObserver is implemented by engines that need to know the format of
// each session before chunks arrive.
type StreamObserver interface {
	// StreamOpened is called once after a session is registered.
	StreamOpened(id audio.SessionID, dir audio.Direction, cfg audio.StreamConfig)

	// StreamClosed is called once after a session is removed.
	StreamClosed(id audio.SessionID)
}

// BindError reports that the engine named Name could not be bound.
// It unwraps to [ErrEngineUnavailable] and to the underlying cause, if any.
type BindError struct {
	Name string
	Err  error
}

// Error implements [error].
func (e *BindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine: bind %q: not available", e.Name)
	}
	return fmt.Sprintf("engine: bind %q: %v", e.Name, e.Err)
}

// Unwrap returns both the sentinel and the cause.
func (e *BindError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEngineUnavailable}
	}
	return []error{ErrEngineUnavailable, e.Err}
}

// Factory constructs an engine from its free-form options.
type Factory func(opts map[string]any) (Engine, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes an engine available to [Bind] under name. Registering the
// same name twice replaces the earlier factory.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Names returns the registered engine names in sorted order.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Bind constructs the engine registered under name. It returns a
// [*BindError] when the name is unknown, the factory fails, or the factory
// returns a nil engine.
func Bind(name string, opts map[string]any) (Engine, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, &BindError{Name: name, Err: fmt.Errorf("no engine registered (have %v)", Names())}
	}
	e, err := f(opts)
	if err != nil {
		return nil, &BindError{Name: name, Err: err}
	}
	if e == nil {
		return nil, &BindError{Name: name}
	}
	return e, nil
}
