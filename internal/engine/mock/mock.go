// Package mock provides an in-memory mock implementation of [engine.Engine]
// for use in unit tests.
//
// The mock records every call and allows the test to configure return values
// via exported fields. It is safe for concurrent use.
//
// Example:
//
//	e := &mock.Engine{PlaybackFill: 1000}
//	gw, _ := engine.NewGateway(e)
//	gw.FillChunk(0, buf, frames) // buf is now all 1000s
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/orchestra/internal/engine"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ engine.Engine         = (*Engine)(nil)
	_ engine.StreamObserver = (*Engine)(nil)
)

// ChunkCall records the arguments of a single Playback or Record call.
type ChunkCall struct {
	ID      audio.SessionID
	Samples int
	Frames  int
	// First is the first sample of the buffer at call time, or 0.
	First int16
}

// OpenedCall records one StreamOpened notification.
type OpenedCall struct {
	ID        audio.SessionID
	Direction audio.Direction
	Config    audio.StreamConfig
}

// Engine is a mock implementation of [engine.Engine] and
// [engine.StreamObserver].
type Engine struct {
	mu sync.Mutex

	// PlaybackFill is written into every sample of a Playback buffer.
	PlaybackFill int16

	// PlaybackError, when set, is returned by Playback after filling.
	PlaybackError error

	// RecordError, when set, is returned by Record.
	RecordError error

	// Delay is slept inside every Playback and Record call.
	Delay time.Duration

	// PlaybackCalls and RecordCalls record every call in order.
	PlaybackCalls []ChunkCall
	RecordCalls   []ChunkCall

	// Opened and Closed record StreamObserver notifications.
	Opened []OpenedCall
	Closed []audio.SessionID
}

// Playback implements [engine.Engine].
func (e *Engine) Playback(id audio.SessionID, buf []int16, frames int) error {
	e.mu.Lock()
	delay := e.Delay
	e.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range buf {
		buf[i] = e.PlaybackFill
	}
	e.PlaybackCalls = append(e.PlaybackCalls, call(id, buf, frames))
	return e.PlaybackError
}

// Record implements [engine.Engine].
func (e *Engine) Record(id audio.SessionID, buf []int16, frames int) error {
	e.mu.Lock()
	delay := e.Delay
	e.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.RecordCalls = append(e.RecordCalls, call(id, buf, frames))
	return e.RecordError
}

// StreamOpened implements [engine.StreamObserver].
func (e *Engine) StreamOpened(id audio.SessionID, dir audio.Direction, cfg audio.StreamConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Opened = append(e.Opened, OpenedCall{ID: id, Direction: dir, Config: cfg})
}

// StreamClosed implements [engine.StreamObserver].
func (e *Engine) StreamClosed(id audio.SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Closed = append(e.Closed, id)
}

// SetPlaybackError replaces PlaybackError under the lock.
func (e *Engine) SetPlaybackError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.PlaybackError = err
}

// PlaybackCount returns the number of Playback calls so far.
func (e *Engine) PlaybackCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.PlaybackCalls)
}

// RecordCount returns the number of Record calls so far.
func (e *Engine) RecordCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.RecordCalls)
}

// Snapshot returns copies of the recorded calls.
func (e *Engine) Snapshot() (playback, record []ChunkCall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ChunkCall(nil), e.PlaybackCalls...), append([]ChunkCall(nil), e.RecordCalls...)
}

func call(id audio.SessionID, buf []int16, frames int) ChunkCall {
	c := ChunkCall{ID: id, Samples: len(buf), Frames: frames}
	if len(buf) > 0 {
		c.First = buf[0]
	}
	return c
}
