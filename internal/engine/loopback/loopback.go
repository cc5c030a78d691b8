// Package loopback provides an engine that plays back what it records.
//
// Input chunks are converted to a canonical 48 kHz stereo format and appended
// to a shared ring buffer. Output sessions drain the ring and convert back to
// their own format. When the ring runs dry the missing part of the chunk is
// silence; when it overflows the oldest audio is discarded.
//
// The engine registers itself as "loopback" with [engine.Register].
package loopback

import (
	"sync"
	"time"

	"github.com/MrWong99/orchestra/internal/engine"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// Canonical is the format audio is held in between sessions.
var Canonical = audio.Format{SampleRate: 48000, Channels: 2}

// DefaultBuffer is the ring capacity used when the "buffer" option is unset.
const DefaultBuffer = 500 * time.Millisecond

func init() {
	engine.Register("loopback", func(opts map[string]any) (engine.Engine, error) {
		d, err := engine.Duration(opts, "buffer", DefaultBuffer)
		if err != nil {
			return nil, err
		}
		return New(d), nil
	})
}

var (
	_ engine.Engine         = (*Engine)(nil)
	_ engine.StreamObserver = (*Engine)(nil)
)

type stream struct {
	cfg  audio.StreamConfig
	conv *audio.Converter

	// scratch holds one chunk of canonical audio for output sessions.
	scratch []int16
}

// Engine is the loopback engine.
type Engine struct {
	ring *ring

	mu      sync.RWMutex
	streams map[audio.SessionID]*stream
}

// New returns a loopback engine whose ring holds buffer worth of canonical
// audio.
func New(buffer time.Duration) *Engine {
	frames := max(1, int(int64(Canonical.SampleRate)*int64(buffer)/int64(time.Second)))
	return &Engine{
		ring:    newRing(frames * Canonical.Channels),
		streams: make(map[audio.SessionID]*stream),
	}
}

// StreamOpened implements [engine.StreamObserver].
func (e *Engine) StreamOpened(id audio.SessionID, dir audio.Direction, cfg audio.StreamConfig) {
	st := &stream{cfg: cfg}
	if dir == audio.DirectionInput {
		st.conv = &audio.Converter{From: audio.FormatOf(cfg), To: Canonical}
	} else {
		st.conv = &audio.Converter{From: Canonical, To: audio.FormatOf(cfg)}
		st.scratch = make([]int16, canonicalFrames(cfg, cfg.ChunkFrames)*Canonical.Channels)
	}
	e.mu.Lock()
	e.streams[id] = st
	e.mu.Unlock()
}

// StreamClosed implements [engine.StreamObserver].
func (e *Engine) StreamClosed(id audio.SessionID) {
	e.mu.Lock()
	delete(e.streams, id)
	e.mu.Unlock()
}

// Playback implements [engine.Engine].
func (e *Engine) Playback(id audio.SessionID, buf []int16, frames int) error {
	st := e.stream(id)
	if st == nil {
		clear(buf)
		return nil
	}
	need := canonicalFrames(st.cfg, frames) * Canonical.Channels
	if cap(st.scratch) < need {
		st.scratch = make([]int16, need)
	}
	tmp := st.scratch[:need]
	n := e.ring.read(tmp)
	clear(tmp[n:])

	out := st.conv.Convert(tmp)
	copied := copy(buf, out)
	clear(buf[copied:])
	return nil
}

// Record implements [engine.Engine].
func (e *Engine) Record(id audio.SessionID, buf []int16, _ int) error {
	st := e.stream(id)
	if st == nil {
		return nil
	}
	e.ring.write(st.conv.Convert(buf))
	return nil
}

// Buffered returns the number of canonical frames waiting in the ring.
func (e *Engine) Buffered() int {
	return e.ring.len() / Canonical.Channels
}

func (e *Engine) stream(id audio.SessionID) *stream {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.streams[id]
}

// canonicalFrames is the number of canonical frames that convert to frames
// frames at cfg's rate, rounded up.
func canonicalFrames(cfg audio.StreamConfig, frames int) int {
	if cfg.SampleRate <= 0 || cfg.SampleRate == Canonical.SampleRate {
		return frames
	}
	return (frames*Canonical.SampleRate + cfg.SampleRate - 1) / cfg.SampleRate
}
