// Package journal keeps an append-only record of session lifecycle events:
// opens, state transitions, device failures and closes.
//
// Entries are written through a [Recorder], which decouples the control and
// pump paths from the backing [Store]. [MemStore] keeps entries in memory;
// the postgres subpackage persists them.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindOpened     Kind = "opened"
	KindTransition Kind = "transition"
	KindFailed     Kind = "failed"
	KindClosed     Kind = "closed"
)

// Entry is one journal record.
type Entry struct {
	ID          uuid.UUID       `json:"id"`
	SessionID   audio.SessionID `json:"session_id"`
	Direction   audio.Direction `json:"direction"`
	DeviceID    int             `json:"device_id"`
	Event       Kind            `json:"event"`
	From        string          `json:"from,omitempty"`
	To          string          `json:"to,omitempty"`
	Error       string          `json:"error,omitempty"`
	SampleRate  int             `json:"sample_rate"`
	Channels    int             `json:"channels"`
	ChunkFrames int             `json:"chunk_frames"`
	At          time.Time       `json:"at"`
}

// Filter narrows a [Store.List] query. The zero value matches everything.
type Filter struct {
	// Sessions restricts results to these session ids. Empty means all.
	Sessions []audio.SessionID

	// Since excludes entries recorded before this instant.
	Since time.Time

	// Limit caps the number of returned entries, newest last. Zero means
	// no limit.
	Limit int
}

// Match reports whether e passes the filter, ignoring Limit.
func (f Filter) Match(e Entry) bool {
	if len(f.Sessions) > 0 && !slices.Contains(f.Sessions, e.SessionID) {
		return false
	}
	return f.Since.IsZero() || !e.At.Before(f.Since)
}

// Store persists journal entries. Implementations must be safe for
// concurrent use.
type Store interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
	Ping(ctx context.Context) error
	Close() error
}

// ErrClosed is returned by a closed [MemStore].
var ErrClosed = errors.New("journal: store closed")

// MemStore is an in-memory [Store].
type MemStore struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore { return &MemStore{} }

// Record implements [Store].
func (m *MemStore) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries = append(m.entries, e)
	return nil
}

// List implements [Store]. Entries are returned in insertion order.
func (m *MemStore) List(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// Ping implements [Store].
func (m *MemStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close implements [Store].
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// DefaultBuffer is the Recorder queue length used when none is given.
const DefaultBuffer = 256

// writeTimeout bounds a single store write issued by the Recorder.
const writeTimeout = 5 * time.Second

// Recorder writes entries to a [Store] from its own goroutine. Record never
// blocks: when the queue is full the entry is dropped and counted.
//
// A nil *Recorder is valid and discards everything.
type Recorder struct {
	store Store
	queue chan Entry
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
}

// NewRecorder starts a Recorder in front of store. buffer <= 0 selects
// [DefaultBuffer].
func NewRecorder(store Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	r := &Recorder{
		store: store,
		queue: make(chan Entry, buffer),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Store returns the backing store.
func (r *Recorder) Store() Store {
	if r == nil {
		return nil
	}
	return r.store
}

// Record enqueues e. A zero ID or timestamp is filled in.
func (r *Recorder) Record(e Entry) {
	if r == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		n := r.dropped.Add(1)
		slog.Warn("journal: queue full, entry dropped",
			"session_id", int(e.SessionID), "event", string(e.Event), "dropped_total", n)
	}
}

// Dropped returns how many entries were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close stops accepting entries and waits until the queue is flushed or ctx
// is done. It does not close the store.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.store.Record(ctx, e); err != nil {
			slog.Warn("journal: write failed", "session_id", int(e.SessionID), "event", string(e.Event), "err", err)
		}
		cancel()
	}
}
