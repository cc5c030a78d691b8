// Package mock provides in-memory mock implementations of the [audio.Backend]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call order and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	b := &mock.Backend{DevicesResult: mock.Devices(), StreamDelay: time.Millisecond}
//	s, err := b.Open(ctx, audio.DirectionOutput, cfg)
//	...
//	st := b.Stream(0)
//	if st.IOAfterClose() > 0 { t.Error("device used after release") }
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// Devices returns a two-device layout: id 0 is an output "speaker", id 1 is
// an input "microphone". Both accept the usual rates in mono or stereo int16.
func Devices() []audio.DeviceInfo {
	rates := []int{8000, 16000, 24000, 32000, 48000, 96000}
	channels := []string{"front-left", "front-right"}
	formats := []audio.SampleFormat{audio.FormatInt16}
	return []audio.DeviceInfo{
		{ID: 0, Name: "speaker", Direction: audio.DirectionOutput, SampleRates: rates, Channels: channels, Formats: formats, Default: true},
		{ID: 1, Name: "microphone", Direction: audio.DirectionInput, SampleRates: rates, Channels: channels, Formats: formats, Default: true},
	}
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream].
// Set the exported fields before the stream is driven; inspect it with the
// accessor methods afterwards.
type Stream struct {
	mu sync.Mutex

	// Delay is slept inside every Read and Write to emulate a blocking device.
	Delay time.Duration

	// Fill is the sample value Read writes into every slot.
	Fill int16

	// FailAfter makes the I/O call after FailAfter successful chunks return
	// FailError. Zero disables failure injection.
	FailAfter int

	// FailError is returned once FailAfter chunks have been transferred.
	// Defaults to a generic device error.
	FailError error

	// XRunEvery makes every XRunEvery-th chunk report an underflow (Write) or
	// overflow (Read) after transferring. Zero disables it.
	XRunEvery int

	// IOHook, when set, is called at the start of every Read and Write with
	// the 1-based chunk index. It runs without the mock's lock held.
	IOHook func(chunk int)

	// StopHook, when set, is called at the start of Stop without the mock's
	// lock held.
	StopHook func()

	// StartError, PauseError, ResumeError, StopError and CloseError are
	// returned by the matching lifecycle method.
	StartError  error
	PauseError  error
	ResumeError error
	StopError   error
	CloseError  error

	calls        []string
	writeLens    []int
	readLens     []int
	bufAddrs     map[*int16]struct{}
	chunks       int
	closed       bool
	ioAfterClose int
	inFlight     int
	maxInFlight  int
}

// Start implements [audio.Stream].
func (s *Stream) Start() error { return s.lifecycle("start", s.StartError) }

// Pause implements [audio.Stream].
func (s *Stream) Pause() error { return s.lifecycle("pause", s.PauseError) }

// Resume implements [audio.Stream].
func (s *Stream) Resume() error { return s.lifecycle("resume", s.ResumeError) }

// Stop implements [audio.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	hook := s.StopHook
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.lifecycle("stop", s.StopError)
}

// Close implements [audio.Stream]. It is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "close")
	if s.closed {
		return nil
	}
	s.closed = true
	return s.CloseError
}

func (s *Stream) lifecycle(name string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	if s.closed {
		return audio.ErrStreamClosed
	}
	return err
}

// Read implements [audio.Stream].
func (s *Stream) Read(buf []int16) error {
	chunk, delay, hook, err := s.begin("read", buf)
	if err != nil {
		return err
	}
	if hook != nil {
		hook(chunk)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range buf {
		buf[i] = s.Fill
	}
	return s.finish(chunk, audio.ErrOverflow)
}

// Write implements [audio.Stream].
func (s *Stream) Write(buf []int16) error {
	chunk, delay, hook, err := s.begin("write", buf)
	if err != nil {
		return err
	}
	if hook != nil {
		hook(chunk)
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finish(chunk, audio.ErrUnderflow)
}

func (s *Stream) begin(op string, buf []int16) (int, time.Duration, func(int), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, op)
	if s.closed {
		s.ioAfterClose++
		return 0, 0, nil, audio.ErrStreamClosed
	}
	if s.FailAfter > 0 && s.chunks >= s.FailAfter {
		if s.FailError != nil {
			return 0, 0, nil, s.FailError
		}
		return 0, 0, nil, fmt.Errorf("mock: device i/o error after %d chunks", s.chunks)
	}
	if op == "read" {
		s.readLens = append(s.readLens, len(buf))
	} else {
		s.writeLens = append(s.writeLens, len(buf))
	}
	if len(buf) > 0 {
		if s.bufAddrs == nil {
			s.bufAddrs = make(map[*int16]struct{})
		}
		s.bufAddrs[&buf[0]] = struct{}{}
	}
	s.chunks++
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	return s.chunks, s.Delay, s.IOHook, nil
}

// finish must be called with s.mu held.
func (s *Stream) finish(chunk int, xrun error) error {
	s.inFlight--
	if s.XRunEvery > 0 && chunk%s.XRunEvery == 0 {
		return xrun
	}
	return nil
}

// Calls returns the ordered list of method names invoked so far
// ("start", "read", "write", "pause", "resume", "stop", "close").
func (s *Stream) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// WriteLens returns the sample count of every accepted Write.
func (s *Stream) WriteLens() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.writeLens))
	copy(out, s.writeLens)
	return out
}

// ReadLens returns the sample count of every accepted Read.
func (s *Stream) ReadLens() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.readLens))
	copy(out, s.readLens)
	return out
}

// Chunks returns the number of chunks transferred.
func (s *Stream) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// DistinctBuffers returns how many different backing arrays were passed to
// Read or Write.
func (s *Stream) DistinctBuffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bufAddrs)
}

// IOAfterClose returns the number of Read or Write calls made after Close.
func (s *Stream) IOAfterClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ioAfterClose
}

// MaxInFlight returns the highest number of I/O calls observed running at
// the same time.
func (s *Stream) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Backend.Open] invocation.
type OpenCall struct {
	Direction audio.Direction
	Config    audio.StreamConfig
}

// Backend is a mock implementation of [audio.Backend].
type Backend struct {
	mu sync.Mutex

	// NameResult is returned by [Backend.Name]. Defaults to "mock".
	NameResult string

	// DevicesResult is returned by [Backend.Devices]. Open validates against
	// it when non-nil.
	DevicesResult []audio.DeviceInfo

	// OpenError, when set, is returned by every Open call.
	OpenError error

	// StreamDelay is copied into the Delay field of every stream Open creates.
	StreamDelay time.Duration

	// NewStream, when set, builds the stream returned by Open instead of a
	// default [Stream].
	NewStream func(dir audio.Direction, cfg audio.StreamConfig) *Stream

	// OpenCalls records every Open invocation in order.
	OpenCalls []OpenCall

	streams []*Stream
}

// Name implements [audio.Backend].
func (b *Backend) Name() string {
	if b.NameResult == "" {
		return "mock"
	}
	return b.NameResult
}

// Devices implements [audio.Backend].
func (b *Backend) Devices() []audio.DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.DevicesResult
}

// Open implements [audio.Backend].
func (b *Backend) Open(_ context.Context, dir audio.Direction, cfg audio.StreamConfig) (audio.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OpenCalls = append(b.OpenCalls, OpenCall{Direction: dir, Config: cfg})
	if b.OpenError != nil {
		return nil, b.OpenError
	}
	if b.DevicesResult != nil {
		var found bool
		for _, d := range b.DevicesResult {
			if d.ID != cfg.DeviceID {
				continue
			}
			found = true
			if err := d.Supports(dir, cfg); err != nil {
				return nil, err
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %d", audio.ErrDeviceNotFound, cfg.DeviceID)
		}
	}
	var s *Stream
	if b.NewStream != nil {
		s = b.NewStream(dir, cfg)
	} else {
		s = &Stream{Delay: b.StreamDelay}
	}
	b.streams = append(b.streams, s)
	return s, nil
}

// Stream returns the i-th stream opened by b (0-based), or nil.
func (b *Backend) Stream(i int) *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.streams) {
		return nil
	}
	return b.streams[i]
}

// Streams returns every stream opened so far.
func (b *Backend) Streams() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Stream, len(b.streams))
	copy(out, b.streams)
	return out
}
