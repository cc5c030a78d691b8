// Package registry owns every live stream session. It allocates session
// ids, acquires devices from an [audio.Backend], routes control operations to
// sessions and fans host lifecycle events out to all of them.
//
// The registry lock guards only bookkeeping: the session map, the id counter
// and the set of sessions paused by the host. Device acquisition, session
// transitions and pump joins all happen outside it, so a slow device never
// blocks operations on other sessions.
//
// Two APIs are offered. [Registry] returns errors and is what the HTTP and
// MCP surfaces use. [Control] wraps it in the bool and sentinel style of the
// host contract.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/orchestra/internal/journal"
	"github.com/MrWong99/orchestra/internal/observe"
	"github.com/MrWong99/orchestra/internal/session"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// ErrSessionNotFound is returned for ids that are not (or no longer)
// registered.
var ErrSessionNotFound = errors.New("registry: session not found")

// DefaultChunkDuration is the chunk length used when neither a frame count
// nor a duration is configured.
const DefaultChunkDuration = 10 * time.Millisecond

// fuzzyThreshold is the minimum Jaro-Winkler score for [Registry.FindDevice].
const fuzzyThreshold = 0.85

// Gateway is the engine side of every session: it moves chunks and is told
// when sessions come and go.
type Gateway interface {
	session.Transfer
	StreamOpened(id audio.SessionID, dir audio.Direction, cfg audio.StreamConfig)
	StreamClosed(id audio.SessionID)
}

// Config holds the dependencies of a [Registry].
type Config struct {
	// Backend provides devices. Required.
	Backend audio.Backend

	// Gateway is handed to every session. Required.
	Gateway Gateway

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Journal receives one entry per event. Nil disables journaling.
	Journal *journal.Recorder

	// ChunkFrames fixes the chunk size for opens that do not set one. When
	// zero, the size is derived from ChunkDuration and the sample rate.
	ChunkFrames int

	// ChunkDuration defaults to [DefaultChunkDuration].
	ChunkDuration time.Duration
}

type entry struct {
	s       *session.Session
	closing bool
}

// Registry is the session registry. All methods are safe for concurrent use.
type Registry struct {
	backend       audio.Backend
	gw            Gateway
	metrics       *observe.Metrics
	journal       *journal.Recorder
	chunkFrames   int
	chunkDuration time.Duration

	events hub

	mu         sync.Mutex
	sessions   map[audio.SessionID]*entry
	next       audio.SessionID
	hostPaused map[audio.SessionID]struct{}
}

// New builds an empty registry.
func New(cfg Config) (*Registry, error) {
	if cfg.Backend == nil {
		return nil, errors.New("registry: nil backend")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("registry: nil gateway")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.ChunkDuration <= 0 {
		cfg.ChunkDuration = DefaultChunkDuration
	}
	return &Registry{
		backend:       cfg.Backend,
		gw:            cfg.Gateway,
		metrics:       cfg.Metrics,
		journal:       cfg.Journal,
		chunkFrames:   cfg.ChunkFrames,
		chunkDuration: cfg.ChunkDuration,
		sessions:      make(map[audio.SessionID]*entry),
		hostPaused:    make(map[audio.SessionID]struct{}),
	}, nil
}

// Backend returns the device backend.
func (r *Registry) Backend() audio.Backend { return r.backend }

// DeviceCount returns the number of devices the backend exposes.
func (r *Registry) DeviceCount() int { return len(r.backend.Devices()) }

// Devices returns every device descriptor.
func (r *Registry) Devices() []audio.DeviceInfo { return r.backend.Devices() }

// DeviceProperties returns the descriptor of device id, or the zero
// descriptor when there is no such device.
func (r *Registry) DeviceProperties(id int) audio.DeviceInfo {
	return audio.Lookup(r.backend, id)
}

// FindDevice resolves a device by name. An exact case-insensitive match
// wins; otherwise the closest Jaro-Winkler match at or above 0.85 is used.
// A zero dir matches devices of either direction.
func (r *Registry) FindDevice(name string, dir audio.Direction) (audio.DeviceInfo, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return audio.DeviceInfo{}, false
	}
	var (
		best      audio.DeviceInfo
		bestScore float64
	)
	for _, d := range r.backend.Devices() {
		if dir != 0 && d.Direction != dir {
			continue
		}
		have := strings.ToLower(d.Name)
		if have == want {
			return d, true
		}
		if score := matchr.JaroWinkler(want, have, false); score > bestScore {
			best, bestScore = d, score
		}
	}
	if bestScore >= fuzzyThreshold {
		return best, true
	}
	return audio.DeviceInfo{}, false
}

// ChunkFrames returns the chunk size used for opens at sampleRate that do
// not set one.
func (r *Registry) ChunkFrames(sampleRate int) int {
	if r.chunkFrames > 0 {
		return r.chunkFrames
	}
	return max(1, int(int64(sampleRate)*int64(r.chunkDuration)/int64(time.Second)))
}

// Open validates cfg, acquires the device and registers a new session in
// the Created state. On failure it returns [audio.InvalidSession]; no id is
// consumed unless the device was acquired.
func (r *Registry) Open(ctx context.Context, dir audio.Direction, cfg audio.StreamConfig) (audio.SessionID, error) {
	if cfg.Format == "" {
		cfg.Format = audio.FormatInt16
	}
	if cfg.ChunkFrames == 0 {
		cfg.ChunkFrames = r.ChunkFrames(cfg.SampleRate)
	}
	if err := cfg.Validate(); err != nil {
		return audio.InvalidSession, fmt.Errorf("registry: open %s: %w", dir, err)
	}
	desc := r.DeviceProperties(cfg.DeviceID)
	if desc.IsZero() {
		return audio.InvalidSession, fmt.Errorf("registry: open %s: %w: %d", dir, audio.ErrDeviceNotFound, cfg.DeviceID)
	}
	if err := desc.Supports(dir, cfg); err != nil {
		return audio.InvalidSession, fmt.Errorf("registry: open %s on %q: %w", dir, desc.Name, err)
	}

	stream, err := r.backend.Open(ctx, dir, cfg)
	if err != nil {
		return audio.InvalidSession, fmt.Errorf("registry: open %s on %q: %w", dir, desc.Name, err)
	}

	r.mu.Lock()
	id := r.next
	r.next++
	r.mu.Unlock()

	s, err := session.New(session.Config{
		ID:        id,
		Direction: dir,
		Stream:    cfg,
		Device:    stream,
		Transfer:  r.gw,
		Metrics:   r.metrics,
		OnTransition: func(tr session.Transition) {
			r.onTransition(cfg, tr)
		},
	})
	if err != nil {
		_ = stream.Close()
		return audio.InvalidSession, fmt.Errorf("registry: open %s: %w", dir, err)
	}

	// The engine learns about the session before anyone can start it.
	r.gw.StreamOpened(id, dir, cfg)

	r.mu.Lock()
	r.sessions[id] = &entry{s: s}
	r.mu.Unlock()

	r.metrics.RecordSessionOpened(ctx, dir)
	r.emit(Event{Kind: journal.KindOpened, Session: id, Direction: dir, Config: cfg, To: session.StateCreated.String()})
	slog.Info("session opened",
		"session_id", int(id),
		"direction", dir.String(),
		"device_id", cfg.DeviceID,
		"device", desc.Name,
		"config", cfg.String(),
	)
	return id, nil
}

// Close stops the session if needed, waits for its pump and removes it.
// Of two concurrent closes of the same id exactly one succeeds; the other
// returns [ErrSessionNotFound].
func (r *Registry) Close(id audio.SessionID) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok || e.closing {
		r.mu.Unlock()
		return fmt.Errorf("registry: close %d: %w", id, ErrSessionNotFound)
	}
	e.closing = true
	r.mu.Unlock()

	if err := e.s.Stop(); err != nil && !errors.Is(err, session.ErrStopped) {
		slog.Warn("session stop on close failed", "session_id", int(id), "err", err)
	}
	r.gw.StreamClosed(id)

	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.hostPaused, id)
	r.mu.Unlock()

	info := e.s.Info()
	r.metrics.RecordSessionClosed(context.Background(), info.Direction)
	r.emit(Event{Kind: journal.KindClosed, Session: id, Direction: info.Direction, Config: info.Config, Error: info.Error})
	slog.Info("session closed", "session_id", int(id), "direction", info.Direction.String(), "chunks", info.Chunks, "xruns", info.XRuns)
	return nil
}

// Start moves a Created or Paused session to Running.
func (r *Registry) Start(id audio.SessionID) error {
	return r.control(id, "start", (*session.Session).Start)
}

// Stop moves a session to Stopped. The session stays registered until
// [Registry.Close].
func (r *Registry) Stop(id audio.SessionID) error {
	return r.control(id, "stop", (*session.Session).Stop)
}

// Pause pauses a Running session.
func (r *Registry) Pause(id audio.SessionID) error {
	return r.control(id, "pause", (*session.Session).Pause)
}

// Resume resumes a Paused session.
func (r *Registry) Resume(id audio.SessionID) error {
	return r.control(id, "resume", (*session.Session).Resume)
}

// control runs op on session id outside the registry lock. An explicit
// control operation takes the session out of the host-paused set, so a
// later host resume leaves it alone.
func (r *Registry) control(id audio.SessionID, name string, op func(*session.Session) error) error {
	s, err := r.lookup(id)
	if err != nil {
		return fmt.Errorf("registry: %s %d: %w", name, id, err)
	}
	r.mu.Lock()
	delete(r.hostPaused, id)
	r.mu.Unlock()
	if err := op(s); err != nil {
		return fmt.Errorf("registry: %s: %w", name, err)
	}
	return nil
}

func (r *Registry) lookup(id audio.SessionID) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || e.closing {
		return nil, ErrSessionNotFound
	}
	return e.s, nil
}

// live returns the registered sessions that are not being closed.
func (r *Registry) live() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		if !e.closing {
			out = append(out, e.s)
		}
	}
	slices.SortFunc(out, func(a, b *session.Session) int { return int(a.ID() - b.ID()) })
	return out
}

// Sessions returns snapshots of all registered sessions ordered by id.
func (r *Registry) Sessions() []session.Info {
	live := r.live()
	out := make([]session.Info, len(live))
	for i, s := range live {
		out[i] = s.Info()
	}
	return out
}

// Session returns a snapshot of session id.
func (r *Registry) Session(id audio.SessionID) (session.Info, bool) {
	s, err := r.lookup(id)
	if err != nil {
		return session.Info{}, false
	}
	return s.Info(), true
}

// Subscribe returns a channel of registry events and a function that ends
// the subscription. Events are dropped for a subscriber whose buffer is
// full.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	return r.events.subscribe(buffer)
}

// OnHostPause pauses every Running session in parallel and remembers which
// ones it paused. Sessions that were already Paused are not touched, so
// [Registry.OnHostResume] leaves them Paused.
func (r *Registry) OnHostPause(ctx context.Context) error {
	var g errgroup.Group
	for _, s := range r.live() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if s.State() != session.StateRunning {
				return nil
			}
			if err := s.Pause(); err != nil {
				if errors.Is(err, session.ErrInvalidTransition) {
					return nil
				}
				return fmt.Errorf("registry: host pause %d: %w", s.ID(), err)
			}
			r.mu.Lock()
			r.hostPaused[s.ID()] = struct{}{}
			r.mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	slog.Info("host paused", "paused", r.hostPausedCount())
	return err
}

// OnHostResume resumes the sessions paused by the last host pause.
func (r *Registry) OnHostResume(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]audio.SessionID, 0, len(r.hostPaused))
	for id := range r.hostPaused {
		ids = append(ids, id)
	}
	clear(r.hostPaused)
	r.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := r.lookup(id)
			if err != nil {
				return nil
			}
			if err := s.Resume(); err != nil {
				if errors.Is(err, session.ErrInvalidTransition) {
					return nil
				}
				return fmt.Errorf("registry: host resume %d: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	slog.Info("host resumed", "resumed", len(ids))
	return err
}

// StopAll stops every registered session in parallel. Sessions stay
// registered.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	clear(r.hostPaused)
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range r.live() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.Stop(); err != nil && !errors.Is(err, session.ErrStopped) {
				return fmt.Errorf("registry: stop all %d: %w", s.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops and closes every session.
func (r *Registry) Shutdown(ctx context.Context) error {
	stopErr := r.StopAll(ctx)
	var errs []error
	for _, s := range r.live() {
		if err := r.Close(s.ID()); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(append([]error{stopErr}, errs...)...)
}

func (r *Registry) hostPausedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hostPaused)
}

func (r *Registry) onTransition(cfg audio.StreamConfig, tr session.Transition) {
	r.metrics.RecordTransition(context.Background(), tr.From.String(), tr.To.String(), tr.Took)
	ev := Event{
		Kind:      journal.KindTransition,
		Session:   tr.ID,
		Direction: tr.Direction,
		Config:    cfg,
		From:      tr.From.String(),
		To:        tr.To.String(),
		At:        tr.At,
	}
	if tr.Err != nil {
		ev.Kind = journal.KindFailed
		ev.Error = tr.Err.Error()
	}
	r.emit(ev)
}

func (r *Registry) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.events.publish(ev)
	r.journal.Record(ev.entry())
}
