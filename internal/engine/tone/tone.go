// Package tone provides a test-signal engine. Every output session gets a
// continuous sine wave; every input session is metered and its most recent
// peak level kept.
//
// The engine registers itself as "tone" with [engine.Register].
package tone

import (
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/orchestra/internal/engine"
	"github.com/MrWong99/orchestra/pkg/audio"
)

// Defaults for the factory options "frequency" (Hz) and "amplitude" (0..1).
const (
	DefaultFrequency = 440.0
	DefaultAmplitude = 0.25
)

// fallbackRate is assumed for sessions the engine was not told about.
const fallbackRate = 48000

func init() {
	engine.Register("tone", func(opts map[string]any) (engine.Engine, error) {
		freq, err := engine.Float(opts, "frequency", DefaultFrequency)
		if err != nil {
			return nil, err
		}
		amp, err := engine.Float(opts, "amplitude", DefaultAmplitude)
		if err != nil {
			return nil, err
		}
		return New(freq, amp)
	})
}

var (
	_ engine.Engine         = (*Engine)(nil)
	_ engine.StreamObserver = (*Engine)(nil)
)

type voice struct {
	rate  int
	phase float64
}

// Engine generates tones and meters input.
type Engine struct {
	freq float64
	amp  float64

	mu     sync.Mutex
	voices map[audio.SessionID]*voice
	peaks  map[audio.SessionID]int
}

// New returns a tone engine. freq must be positive and below 20 kHz; amp
// must lie in [0, 1].
func New(freq, amp float64) (*Engine, error) {
	if freq <= 0 || freq >= 20000 {
		return nil, fmt.Errorf("tone: frequency %g Hz out of range", freq)
	}
	if amp < 0 || amp > 1 {
		return nil, fmt.Errorf("tone: amplitude %g out of range", amp)
	}
	return &Engine{
		freq:   freq,
		amp:    amp,
		voices: make(map[audio.SessionID]*voice),
		peaks:  make(map[audio.SessionID]int),
	}, nil
}

// StreamOpened implements [engine.StreamObserver].
func (e *Engine) StreamOpened(id audio.SessionID, dir audio.Direction, cfg audio.StreamConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if dir == audio.DirectionOutput {
		e.voices[id] = &voice{rate: cfg.SampleRate}
	} else {
		e.peaks[id] = 0
	}
}

// StreamClosed implements [engine.StreamObserver].
func (e *Engine) StreamClosed(id audio.SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.voices, id)
	delete(e.peaks, id)
}

// Playback implements [engine.Engine]. The phase carries over between
// chunks so the output has no discontinuities.
func (e *Engine) Playback(id audio.SessionID, buf []int16, frames int) error {
	if frames <= 0 {
		return nil
	}
	channels := len(buf) / frames

	e.mu.Lock()
	v, ok := e.voices[id]
	if !ok {
		v = &voice{rate: fallbackRate}
		e.voices[id] = v
	}
	e.mu.Unlock()

	// Only the session's own pump touches v after creation.
	step := 2 * math.Pi * e.freq / float64(v.rate)
	scale := e.amp * math.MaxInt16
	for f := range frames {
		s := int16(scale * math.Sin(v.phase))
		for c := range channels {
			buf[f*channels+c] = s
		}
		v.phase += step
		if v.phase >= 2*math.Pi {
			v.phase -= 2 * math.Pi
		}
	}
	return nil
}

// Record implements [engine.Engine].
func (e *Engine) Record(id audio.SessionID, buf []int16, _ int) error {
	p := audio.Peak(buf)
	e.mu.Lock()
	e.peaks[id] = p
	e.mu.Unlock()
	return nil
}

// Peak returns the peak absolute sample value of the last chunk recorded
// for session id.
func (e *Engine) Peak(id audio.SessionID) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peaks[id]
	return p, ok
}
