package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/orchestra/internal/observe"
	"github.com/MrWong99/orchestra/internal/resilience"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// Option configures a [Gateway].
type Option func(*Gateway)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithBreaker configures the circuit breaker guarding engine calls.
func WithBreaker(cfg resilience.Config) Option {
	return func(g *Gateway) { g.breakerCfg = cfg }
}

// Gateway forwards chunk requests from the pump loops to an [Engine].
//
// FillChunk and PushChunk never fail: engine errors and breaker rejections
// turn into silence (output) or a dropped chunk (input) and are counted.
// Only device failures stop a session.
type Gateway struct {
	engine     Engine
	observer   StreamObserver
	metrics    *observe.Metrics
	breakerCfg resilience.Config
	breaker    *resilience.Breaker

	// ctx is used for metric recording only.
	ctx context.Context

	mu      sync.RWMutex
	budgets map[audio.SessionID]time.Duration
}

// NewGateway wraps e. It returns [ErrEngineUnavailable] when e is nil.
func NewGateway(e Engine, opts ...Option) (*Gateway, error) {
	if e == nil {
		return nil, ErrEngineUnavailable
	}
	g := &Gateway{
		engine:  e,
		ctx:     context.Background(),
		budgets: make(map[audio.SessionID]time.Duration),
	}
	g.observer, _ = e.(StreamObserver)
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	if g.breakerCfg.Name == "" {
		g.breakerCfg.Name = "engine"
	}
	g.breaker = resilience.New(g.breakerCfg)
	return g, nil
}

// Engine returns the wrapped engine.
func (g *Gateway) Engine() Engine { return g.engine }

// BreakerState reports the state of the engine circuit breaker.
func (g *Gateway) BreakerState() resilience.State { return g.breaker.State() }

// StreamOpened records the real-time budget of session id and notifies the
// engine if it observes streams.
func (g *Gateway) StreamOpened(id audio.SessionID, dir audio.Direction, cfg audio.StreamConfig) {
	g.mu.Lock()
	g.budgets[id] = cfg.ChunkDuration()
	g.mu.Unlock()
	if g.observer != nil {
		g.observer.StreamOpened(id, dir, cfg)
	}
}

// StreamClosed forgets session id and notifies the engine if it observes
// streams.
func (g *Gateway) StreamClosed(id audio.SessionID) {
	g.mu.Lock()
	delete(g.budgets, id)
	g.mu.Unlock()
	if g.observer != nil {
		g.observer.StreamClosed(id)
	}
}

func (g *Gateway) budget(id audio.SessionID) time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.budgets[id]
}

// FillChunk asks the engine for frames of output for session id. On any
// engine failure buf is left zeroed.
func (g *Gateway) FillChunk(id audio.SessionID, buf []int16, frames int) {
	if !g.breaker.Allow() {
		clear(buf)
		g.metrics.RecordEngineError(g.ctx, observe.OpFill, observe.ReasonCircuitOpen)
		return
	}
	start := time.Now()
	err := g.engine.Playback(id, buf, frames)
	elapsed := time.Since(start)
	g.breaker.Done(err)
	g.observeCall(id, observe.OpFill, elapsed, err)
	if err != nil {
		clear(buf)
	}
}

// PushChunk hands frames of captured input for session id to the engine.
// On failure the chunk is dropped.
func (g *Gateway) PushChunk(id audio.SessionID, buf []int16, frames int) {
	if !g.breaker.Allow() {
		g.metrics.RecordEngineError(g.ctx, observe.OpPush, observe.ReasonCircuitOpen)
		return
	}
	start := time.Now()
	err := g.engine.Record(id, buf, frames)
	elapsed := time.Since(start)
	g.breaker.Done(err)
	g.observeCall(id, observe.OpPush, elapsed, err)
}

func (g *Gateway) observeCall(id audio.SessionID, op observe.EngineOp, elapsed time.Duration, err error) {
	budget := g.budget(id)
	g.metrics.RecordEngineCall(g.ctx, op, elapsed, budget)
	if budget > 0 && elapsed > budget {
		slog.Debug("engine call exceeded chunk budget",
			"session_id", int(id), "op", string(op), "elapsed", elapsed, "budget", budget)
	}
	if err != nil {
		g.metrics.RecordEngineError(g.ctx, op, observe.ReasonError)
		slog.Debug("engine call failed", "session_id", int(id), "op", string(op), "err", err)
	}
}
