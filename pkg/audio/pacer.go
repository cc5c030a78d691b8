package audio

import (
	"fmt"
	"sync"
	"time"
)

// Pacer releases one chunk per period of wall-clock time. Backends without a
// hardware clock use it to make Read and Write block like a real device.
//
// A Pacer is used by one goroutine at a time.
type Pacer struct {
	period time.Duration
	next   time.Time
	timer  *time.Timer
}

// NewPacer returns a pacer for chunks of the given duration.
func NewPacer(period time.Duration) *Pacer {
	return &Pacer{period: period}
}

// Reset restarts the schedule; the next Wait returns immediately.
func (p *Pacer) Reset() { p.next = time.Time{} }

// Wait blocks until the next chunk is due or done is closed. It returns
// late=true when the caller fell more than a full period behind schedule;
// the schedule is then restarted from now instead of bursting to catch up.
// ok is false when done was closed.
func (p *Pacer) Wait(done <-chan struct{}) (late, ok bool) {
	now := time.Now()
	if p.period <= 0 {
		return false, true
	}
	if p.next.IsZero() {
		p.next = now.Add(p.period)
		return false, true
	}
	d := p.next.Sub(now)
	if d < -p.period {
		p.next = now.Add(p.period)
		return true, true
	}
	if d > 0 {
		if p.timer == nil {
			p.timer = time.NewTimer(d)
		} else {
			p.timer.Reset(d)
		}
		select {
		case <-p.timer.C:
		case <-done:
			p.timer.Stop()
			return false, false
		}
	}
	p.next = p.next.Add(p.period)
	return false, true
}

type runState int

const (
	stateIdle runState = iota
	stateRunning
	statePaused
	stateStopped
	stateClosed
)

// StreamState tracks the lifecycle of a backend stream and rejects calls
// that are out of order. The zero value is an idle, open stream.
type StreamState struct {
	mu    sync.Mutex
	state runState
}

// Start moves an idle stream to running.
func (s *StreamState) Start() error {
	return s.move("start", stateRunning, stateIdle)
}

// Pause moves a running stream to paused.
func (s *StreamState) Pause() error {
	return s.move("pause", statePaused, stateRunning)
}

// Resume moves a paused stream back to running.
func (s *StreamState) Resume() error {
	return s.move("resume", stateRunning, statePaused)
}

// Stop moves any open stream to stopped.
func (s *StreamState) Stop() error {
	return s.move("stop", stateStopped, stateIdle, stateRunning, statePaused, stateStopped)
}

// Close marks the stream closed. It reports true only for the first call.
func (s *StreamState) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return false
	}
	s.state = stateClosed
	return true
}

// Ready returns nil while the stream is running, [ErrStreamClosed] after
// Close and [ErrStreamStopped] otherwise.
func (s *StreamState) Ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return nil
	case stateClosed:
		return ErrStreamClosed
	default:
		return ErrStreamStopped
	}
}

// Running reports whether the stream is running.
func (s *StreamState) Running() bool { return s.Ready() == nil }

func (s *StreamState) move(op string, to runState, from ...runState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return ErrStreamClosed
	}
	for _, f := range from {
		if s.state == f {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("audio: %s: %w", op, ErrStreamStopped)
}
