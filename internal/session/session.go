// Package session implements the stream session: one acquired device, one
// pump goroutine and one fixed-size chunk buffer.
//
// A [Session] moves through the states
//
//	Created → Running ⇄ Paused
//	Created | Running | Paused → Stopped
//
// While Running, its pump goroutine transfers one chunk per iteration between
// the device and a [Transfer] (the engine gateway). Pause and stop are
// signalled by closing a per-run halt channel; the pump observes it only at
// chunk boundaries, so a chunk is never cut short. Control operations wait
// for the pump to exit before touching the device again.
//
// A device I/O error ends the session: the pump releases the device, moves
// the session to Stopped and reports the error through the transition
// callback. Underflow and overflow reports are counted and ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/orchestra/internal/observe"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// State is the lifecycle state of a [Session].
type State int

const (
	// StateCreated is the state after open; the device is acquired but idle.
	StateCreated State = iota

	// StateRunning means the pump goroutine is transferring chunks.
	StateRunning

	// StatePaused means the pump has exited and the device is paused but held.
	StatePaused

	// StateStopped is terminal; the device has been released.
	StateStopped
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrInvalidTransition is returned when an operation is not valid in the
	// session's current state.
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrAlreadyRunning is returned by Start on a running session.
	ErrAlreadyRunning = fmt.Errorf("%w: already running", ErrInvalidTransition)

	// ErrStopped is returned by every operation on a stopped session.
	ErrStopped = fmt.Errorf("%w: session stopped", ErrInvalidTransition)
)

// Transfer is the engine side of the pump loop. Both methods must return
// within one chunk duration and must not retain buf.
type Transfer interface {
	// FillChunk writes frames of output for session id into buf.
	FillChunk(id audio.SessionID, buf []int16, frames int)

	// PushChunk delivers frames of captured input for session id.
	PushChunk(id audio.SessionID, buf []int16, frames int)
}

// Transition describes one state change.
type Transition struct {
	ID        audio.SessionID
	Direction audio.Direction
	From, To  State

	// Err is the device failure that caused the transition, if any.
	Err error

	// Took is how long the control operation took, including waiting for
	// the pump to reach a chunk boundary. Zero for failure transitions.
	Took time.Duration

	At time.Time
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID        audio.SessionID    `json:"id"`
	Direction audio.Direction    `json:"direction"`
	Config    audio.StreamConfig `json:"config"`
	State     State              `json:"state"`
	Chunks    uint64             `json:"chunks"`
	XRuns     uint64             `json:"xruns"`
	Error     string             `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`

	// Position is the stream time transferred so far, Chunks at the
	// session's chunk duration. Pauses do not advance it.
	Position time.Duration `json:"position_ns"`
}

// Config holds everything needed to build a [Session].
type Config struct {
	ID        audio.SessionID
	Direction audio.Direction
	Stream    audio.StreamConfig

	// Device is the acquired stream. The session owns it from now on.
	Device audio.Stream

	// Transfer receives and supplies chunks.
	Transfer Transfer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnTransition, when set, is called after every state change. It runs
	// on the goroutine that caused the change and must not block.
	OnTransition func(Transition)
}

// Session is one open input or output stream. All methods are safe for
// concurrent use; control operations are serialised.
type Session struct {
	id           audio.SessionID
	dir          audio.Direction
	cfg          audio.StreamConfig
	device       audio.Stream
	xfer         Transfer
	metrics      *observe.Metrics
	onTransition func(Transition)
	log          *slog.Logger
	created      time.Time

	// buf is touched only by the pump goroutine while running.
	buf []int16

	// ctl serialises Start, Pause, Resume and Stop, including their wait
	// for the pump. mu is held only for field access.
	ctl sync.Mutex

	mu    sync.Mutex
	state State
	halt  chan struct{}
	done  chan struct{}
	err   error

	chunks atomic.Uint64
	xruns  atomic.Uint64
}

// New builds a session in [StateCreated]. The chunk buffer is allocated here
// and reused for the life of the session.
func New(cfg Config) (*Session, error) {
	if cfg.Device == nil {
		return nil, errors.New("session: nil device")
	}
	if cfg.Transfer == nil {
		return nil, errors.New("session: nil transfer")
	}
	if cfg.Direction != audio.DirectionInput && cfg.Direction != audio.DirectionOutput {
		return nil, fmt.Errorf("session: invalid direction %d", int(cfg.Direction))
	}
	if err := cfg.Stream.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Session{
		id:           cfg.ID,
		dir:          cfg.Direction,
		cfg:          cfg.Stream,
		device:       cfg.Device,
		xfer:         cfg.Transfer,
		metrics:      cfg.Metrics,
		onTransition: cfg.OnTransition,
		log:          slog.Default().With("session_id", int(cfg.ID), "direction", cfg.Direction.String()),
		created:      time.Now(),
		buf:          make([]int16, cfg.Stream.ChunkSamples()),
		state:        StateCreated,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() audio.SessionID { return s.id }

// Direction returns the data direction.
func (s *Session) Direction() audio.Direction { return s.dir }

// Config returns the stream configuration fixed at open.
func (s *Session) Config() audio.StreamConfig { return s.cfg }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the device error that stopped the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	state, err := s.state, s.err
	s.mu.Unlock()
	chunks := s.chunks.Load()
	info := Info{
		ID:        s.id,
		Direction: s.dir,
		Config:    s.cfg,
		State:     state,
		Chunks:    chunks,
		XRuns:     s.xruns.Load(),
		CreatedAt: s.created,
		Position:  s.cfg.Elapsed(chunks),
	}
	if err != nil {
		info.Error = err.Error()
	}
	return info
}

// Start begins transferring chunks. From Created it starts the device, from
// Paused it resumes it. Starting a running session returns
// [ErrAlreadyRunning]; starting a stopped one returns [ErrStopped].
func (s *Session) Start() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	began := time.Now()

	from := s.State()
	var err error
	switch from {
	case StateCreated:
		err = s.device.Start()
	case StatePaused:
		err = s.device.Resume()
	case StateRunning:
		return fmt.Errorf("session %d: start: %w", s.id, ErrAlreadyRunning)
	default:
		return fmt.Errorf("session %d: start: %w", s.id, ErrStopped)
	}
	if err != nil {
		return fmt.Errorf("session %d: start device: %w", s.id, err)
	}
	s.launch(from, began)
	return nil
}

// Resume restarts the pump of a paused session.
func (s *Session) Resume() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	began := time.Now()

	if from := s.State(); from != StatePaused {
		return s.invalid("resume", from)
	}
	if err := s.device.Resume(); err != nil {
		return fmt.Errorf("session %d: resume device: %w", s.id, err)
	}
	s.launch(StatePaused, began)
	return nil
}

// launch must be called with s.ctl held and no pump running.
func (s *Session) launch(from State, began time.Time) {
	halt := make(chan struct{})
	done := make(chan struct{})
	s.mu.Lock()
	s.state = StateRunning
	s.halt, s.done = halt, done
	s.mu.Unlock()

	s.notify(from, StateRunning, nil, time.Since(began))
	go s.pump(halt, done)
}

// Pause lets the pump finish its current chunk, then pauses the device. The
// device stays acquired. A device error while pausing stops the session.
func (s *Session) Pause() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	began := time.Now()

	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		return s.invalid("pause", st)
	}
	halt, done := s.halt, s.done
	s.mu.Unlock()

	close(halt)
	<-done

	// The pump may have failed while we waited.
	if st := s.State(); st != StateRunning {
		return s.invalid("pause", st)
	}
	if err := s.device.Pause(); err != nil {
		s.fail(fmt.Errorf("pause device: %w", err))
		return fmt.Errorf("session %d: pause device: %w", s.id, err)
	}

	s.mu.Lock()
	s.state = StatePaused
	s.halt, s.done = nil, nil
	s.mu.Unlock()
	s.notify(StateRunning, StatePaused, nil, time.Since(began))
	return nil
}

// Stop ends the session. It waits for the pump to exit, then stops and
// releases the device. Once Stop returns no further device call is made.
// Stopping a stopped session returns [ErrStopped].
func (s *Session) Stop() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	began := time.Now()

	s.mu.Lock()
	from := s.state
	halt, done := s.halt, s.done
	s.mu.Unlock()

	switch from {
	case StateStopped:
		if done != nil {
			// A failing pump may still be releasing the device.
			<-done
		}
		return fmt.Errorf("session %d: stop: %w", s.id, ErrStopped)
	case StateRunning:
		close(halt)
		<-done
		if s.State() == StateStopped {
			// The pump failed and released the device while we waited.
			return nil
		}
	}

	s.release(from != StateCreated)

	s.mu.Lock()
	s.state = StateStopped
	s.halt, s.done = nil, nil
	s.mu.Unlock()
	s.notify(from, StateStopped, nil, time.Since(began))
	return nil
}

// pump runs one Running period. It exits when halt is closed (checked
// between chunks) or when the device fails.
func (s *Session) pump(halt <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()
	frames := s.cfg.ChunkFrames

	for {
		select {
		case <-halt:
			return
		default:
		}

		var err error
		if s.dir == audio.DirectionOutput {
			s.xfer.FillChunk(s.id, s.buf, frames)
			err = s.device.Write(s.buf)
		} else {
			err = s.device.Read(s.buf)
			if err == nil || audio.IsXRun(err) {
				s.xfer.PushChunk(s.id, s.buf, frames)
			}
		}

		if err != nil {
			if !audio.IsXRun(err) {
				s.fail(err)
				return
			}
			s.xruns.Add(1)
			s.metrics.RecordXRun(ctx, s.dir)
		}
		s.chunks.Add(1)
		s.metrics.RecordChunk(ctx, s.dir)
	}
}

// fail releases the device after a device error and then moves the session
// to Stopped. It runs on the pump goroutine before done is closed, or under
// s.ctl once the pump has exited, so waiters on done see the device released.
// halt and done stay set so a later Stop can wait on them.
func (s *Session) fail(cause error) {
	s.metrics.RecordDeviceError(context.Background(), s.dir)
	s.log.Error("device failed, session stopped", "err", cause, "chunks", s.chunks.Load())
	s.release(true)

	s.mu.Lock()
	s.state = StateStopped
	s.err = cause
	s.mu.Unlock()
	s.notify(StateRunning, StateStopped, cause, 0)
}

// release stops (if started) and closes the device. Errors are logged; the
// device is considered gone either way.
func (s *Session) release(started bool) {
	if started {
		if err := s.device.Stop(); err != nil {
			s.log.Warn("device stop failed", "err", err)
		}
	}
	if err := s.device.Close(); err != nil {
		s.log.Warn("device close failed", "err", err)
	}
}

func (s *Session) invalid(op string, st State) error {
	if st == StateStopped {
		return fmt.Errorf("session %d: %s: %w", s.id, op, ErrStopped)
	}
	return fmt.Errorf("session %d: %s while %s: %w", s.id, op, st, ErrInvalidTransition)
}

func (s *Session) notify(from, to State, err error, took time.Duration) {
	s.log.Debug("session transition", "from", from.String(), "to", to.String(), "took", took)
	if s.onTransition == nil {
		return
	}
	s.onTransition(Transition{
		ID:        s.id,
		Direction: s.dir,
		From:      from,
		To:        to,
		Err:       err,
		Took:      took,
		At:        time.Now(),
	})
}
