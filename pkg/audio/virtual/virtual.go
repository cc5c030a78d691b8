// Package virtual provides an [audio.Backend] with software devices that need
// no platform audio API.
//
// The default layout has an output "speaker" (id 0) and an input
// "microphone" (id 1). Streams are paced by wall-clock time so the session
// pump behaves as it would against hardware. Output audio is handed to an
// optional sink; input audio comes from an optional source or is silence.
package virtual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// SinkFunc receives every chunk written to an output device. pcm is only
// valid for the duration of the call.
type SinkFunc func(device int, pcm []int16)

// SourceFunc fills buf for a read from an input device.
type SourceFunc func(device int, buf []int16)

// DefaultRates are the sample rates every virtual device accepts.
var DefaultRates = []int{8000, 16000, 24000, 32000, 48000, 96000}

// DefaultDevices returns the built-in speaker and microphone descriptors.
func DefaultDevices() []audio.DeviceInfo {
	channels := []string{"front-left", "front-right"}
	formats := []audio.SampleFormat{audio.FormatInt16}
	return []audio.DeviceInfo{
		{ID: 0, Name: "speaker", Direction: audio.DirectionOutput, SampleRates: DefaultRates, Channels: channels, Formats: formats, Default: true},
		{ID: 1, Name: "microphone", Direction: audio.DirectionInput, SampleRates: DefaultRates, Channels: channels, Formats: formats, Default: true},
	}
}

// Option configures a [Backend].
type Option func(*Backend)

// WithSink sets the function that receives output audio.
func WithSink(fn SinkFunc) Option {
	return func(b *Backend) { b.sink = fn }
}

// WithSource sets the function that produces input audio.
func WithSource(fn SourceFunc) Option {
	return func(b *Backend) { b.source = fn }
}

// WithoutPacing makes Read and Write return immediately instead of blocking
// for one chunk duration.
func WithoutPacing() Option {
	return func(b *Backend) { b.unpaced = true }
}

// WithDevices replaces the default device layout. Device ids must equal
// their index.
func WithDevices(devices []audio.DeviceInfo) Option {
	return func(b *Backend) { b.devices = devices }
}

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

// Backend is the virtual device provider. It is safe for concurrent use and
// any number of streams may be open on one device.
type Backend struct {
	devices []audio.DeviceInfo
	sink    SinkFunc
	source  SourceFunc
	unpaced bool
	log     *slog.Logger
}

// New returns a virtual backend.
func New(opts ...Option) *Backend {
	b := &Backend{devices: DefaultDevices()}
	for _, o := range opts {
		o(b)
	}
	b.log = slog.Default().With("backend", "virtual", "instance", uuid.New())
	return b
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "virtual" }

// Devices implements [audio.Backend].
func (b *Backend) Devices() []audio.DeviceInfo { return b.devices }

// Open implements [audio.Backend].
func (b *Backend) Open(ctx context.Context, dir audio.Direction, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.DeviceID < 0 || cfg.DeviceID >= len(b.devices) {
		return nil, fmt.Errorf("virtual: open device %d: %w", cfg.DeviceID, audio.ErrDeviceNotFound)
	}
	if err := b.devices[cfg.DeviceID].Supports(dir, cfg); err != nil {
		return nil, fmt.Errorf("virtual: open: %w", err)
	}
	s := &stream{
		b:    b,
		dir:  dir,
		cfg:  cfg,
		done: make(chan struct{}),
		log:  b.log.With("stream", uuid.New(), "device_id", cfg.DeviceID, "direction", dir),
	}
	if !b.unpaced {
		s.pacer = audio.NewPacer(cfg.ChunkDuration())
	}
	s.log.Debug("virtual stream opened", "config", cfg.String())
	return s, nil
}

type stream struct {
	b     *Backend
	dir   audio.Direction
	cfg   audio.StreamConfig
	state audio.StreamState
	pacer *audio.Pacer
	log   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) Start() error {
	if err := s.state.Start(); err != nil {
		return err
	}
	s.resync()
	return nil
}

func (s *stream) Resume() error {
	if err := s.state.Resume(); err != nil {
		return err
	}
	s.resync()
	return nil
}

func (s *stream) Pause() error { return s.state.Pause() }
func (s *stream) Stop() error  { return s.state.Stop() }

func (s *stream) Close() error {
	if s.state.Close() {
		s.closeOnce.Do(func() { close(s.done) })
		s.log.Debug("virtual stream closed")
	}
	return nil
}

func (s *stream) Read(buf []int16) error {
	if s.dir != audio.DirectionInput {
		return fmt.Errorf("virtual: read on %s stream: %w", s.dir, audio.ErrUnsupportedConfig)
	}
	if err := s.state.Ready(); err != nil {
		return err
	}
	late, ok := s.wait()
	if !ok {
		return audio.ErrStreamClosed
	}
	if s.b.source != nil {
		s.b.source(s.cfg.DeviceID, buf)
	} else {
		clear(buf)
	}
	if late {
		return fmt.Errorf("virtual: device %d: %w", s.cfg.DeviceID, audio.ErrOverflow)
	}
	return nil
}

func (s *stream) Write(buf []int16) error {
	if s.dir != audio.DirectionOutput {
		return fmt.Errorf("virtual: write on %s stream: %w", s.dir, audio.ErrUnsupportedConfig)
	}
	if err := s.state.Ready(); err != nil {
		return err
	}
	late, ok := s.wait()
	if !ok {
		return audio.ErrStreamClosed
	}
	if s.b.sink != nil {
		s.b.sink(s.cfg.DeviceID, buf)
	}
	if late {
		return fmt.Errorf("virtual: device %d: %w", s.cfg.DeviceID, audio.ErrUnderflow)
	}
	return nil
}

func (s *stream) wait() (late, ok bool) {
	if s.pacer == nil {
		return false, true
	}
	return s.pacer.Wait(s.done)
}

// resync restarts pacing so time spent paused or stopped is not reported as
// an xrun. Lifecycle calls never overlap I/O, so the pacer is not shared.
func (s *stream) resync() {
	if s.pacer != nil {
		s.pacer.Reset()
	}
}
