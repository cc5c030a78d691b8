//go:build portaudio

// Package portaudio provides an [audio.Backend] over the host's sound devices
// using the PortAudio library.
//
// The backend is compiled only with the "portaudio" build tag because it
// needs cgo and the PortAudio headers. Without the tag, [New] returns
// [audio.ErrBackendUnavailable].
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// Config configures a [Backend].
type Config struct {
	// HighLatency opens streams with the device's high latency defaults,
	// which are more robust on busy hosts.
	HighLatency bool `yaml:"high_latency"`
}

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

// Backend enumerates PortAudio devices at construction. Every device with
// both input and output channels shows up as two logical devices.
type Backend struct {
	cfg     Config
	devices []audio.DeviceInfo
	native  []*pa.DeviceInfo
	log     *slog.Logger

	closeOnce sync.Once
}

// New initializes PortAudio and enumerates its devices. Call Close to
// release the library.
func New(cfg Config) (*Backend, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	b := &Backend{
		cfg: cfg,
		log: slog.Default().With("backend", "portaudio", "instance", uuid.New()),
	}
	if err := b.enumerate(); err != nil {
		_ = pa.Terminate()
		return nil, err
	}
	b.log.Info("portaudio devices enumerated", "count", len(b.devices))
	return b, nil
}

func (b *Backend) enumerate() error {
	all, err := pa.Devices()
	if err != nil {
		return fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := pa.DefaultInputDevice()
	defOut, _ := pa.DefaultOutputDevice()

	add := func(d *pa.DeviceInfo, dir audio.Direction, channels int, isDefault bool) {
		info := audio.DeviceInfo{
			ID:          len(b.devices),
			Name:        d.Name,
			Direction:   dir,
			SampleRates: b.probeRates(d, dir),
			Formats:     []audio.SampleFormat{audio.FormatInt16},
			Default:     isDefault,
		}
		for ch := range channels {
			info.Channels = append(info.Channels, fmt.Sprintf("ch%d", ch))
		}
		b.devices = append(b.devices, info)
		b.native = append(b.native, d)
	}
	for _, d := range all {
		if d.MaxOutputChannels > 0 {
			add(d, audio.DirectionOutput, d.MaxOutputChannels, defOut != nil && d.Name == defOut.Name)
		}
		if d.MaxInputChannels > 0 {
			add(d, audio.DirectionInput, d.MaxInputChannels, defIn != nil && d.Name == defIn.Name)
		}
	}
	return nil
}

// probeRates returns the standard rates the device accepts in mono.
func (b *Backend) probeRates(d *pa.DeviceInfo, dir audio.Direction) []int {
	var rates []int
	for _, r := range audio.StandardSampleRates {
		p := b.params(d, dir, 1, r, 0)
		if pa.IsFormatSupported(p, make([]int16, 1)) == nil {
			rates = append(rates, r)
		}
	}
	return rates
}

func (b *Backend) params(d *pa.DeviceInfo, dir audio.Direction, channels, rate, frames int) pa.StreamParameters {
	var in, out *pa.DeviceInfo
	if dir == audio.DirectionInput {
		in = d
	} else {
		out = d
	}
	var p pa.StreamParameters
	if b.cfg.HighLatency {
		p = pa.HighLatencyParameters(in, out)
	} else {
		p = pa.LowLatencyParameters(in, out)
	}
	if dir == audio.DirectionInput {
		p.Input.Channels = channels
		p.Output.Device, p.Output.Channels = nil, 0
	} else {
		p.Output.Channels = channels
		p.Input.Device, p.Input.Channels = nil, 0
	}
	p.SampleRate = float64(rate)
	p.FramesPerBuffer = frames
	return p
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "portaudio" }

// Devices implements [audio.Backend].
func (b *Backend) Devices() []audio.DeviceInfo { return b.devices }

// Open implements [audio.Backend].
func (b *Backend) Open(ctx context.Context, dir audio.Direction, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.DeviceID < 0 || cfg.DeviceID >= len(b.devices) {
		return nil, fmt.Errorf("portaudio: open device %d: %w", cfg.DeviceID, audio.ErrDeviceNotFound)
	}
	if err := b.devices[cfg.DeviceID].Supports(dir, cfg); err != nil {
		return nil, fmt.Errorf("portaudio: open: %w", err)
	}
	buf := make([]int16, cfg.ChunkSamples())
	p := b.params(b.native[cfg.DeviceID], dir, cfg.Channels, cfg.SampleRate, cfg.ChunkFrames)
	ps, err := pa.OpenStream(p, buf)
	if err != nil {
		if errors.Is(err, pa.DeviceUnavailable) {
			return nil, fmt.Errorf("portaudio: open device %d: %w: %w", cfg.DeviceID, audio.ErrDeviceBusy, err)
		}
		return nil, fmt.Errorf("portaudio: open device %d: %w", cfg.DeviceID, err)
	}
	s := &stream{
		ps:  ps,
		dir: dir,
		buf: buf,
		log: b.log.With("stream", uuid.New(), "device_id", cfg.DeviceID, "direction", dir),
	}
	s.log.Debug("portaudio stream opened", "device", b.devices[cfg.DeviceID].Name, "config", cfg.String())
	return s, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() { err = pa.Terminate() })
	return err
}

type stream struct {
	ps    *pa.Stream
	dir   audio.Direction
	buf   []int16
	state audio.StreamState
	log   *slog.Logger
}

func (s *stream) Start() error {
	if err := s.state.Start(); err != nil {
		return err
	}
	return wrap("start", s.ps.Start())
}

// Pause stops the PortAudio stream but keeps it open.
func (s *stream) Pause() error {
	if err := s.state.Pause(); err != nil {
		return err
	}
	return wrap("pause", s.ps.Stop())
}

func (s *stream) Resume() error {
	if err := s.state.Resume(); err != nil {
		return err
	}
	return wrap("resume", s.ps.Start())
}

func (s *stream) Stop() error {
	wasRunning := s.state.Running()
	if err := s.state.Stop(); err != nil {
		return err
	}
	if !wasRunning {
		return nil
	}
	return wrap("stop", s.ps.Stop())
}

func (s *stream) Close() error {
	if !s.state.Close() {
		return nil
	}
	s.log.Debug("portaudio stream closed")
	return wrap("close", s.ps.Close())
}

func (s *stream) Read(buf []int16) error {
	if err := s.state.Ready(); err != nil {
		return err
	}
	if len(buf) != len(s.buf) {
		return fmt.Errorf("portaudio: read %d samples into %d-sample chunk: %w", len(buf), len(s.buf), audio.ErrUnsupportedConfig)
	}
	err := s.ps.Read()
	if err != nil && !errors.Is(err, pa.InputOverflowed) {
		return wrap("read", err)
	}
	copy(buf, s.buf)
	if err != nil {
		return fmt.Errorf("portaudio: read: %w", audio.ErrOverflow)
	}
	return nil
}

func (s *stream) Write(buf []int16) error {
	if err := s.state.Ready(); err != nil {
		return err
	}
	if len(buf) != len(s.buf) {
		return fmt.Errorf("portaudio: write %d samples into %d-sample chunk: %w", len(buf), len(s.buf), audio.ErrUnsupportedConfig)
	}
	copy(s.buf, buf)
	if err := s.ps.Write(); err != nil {
		if errors.Is(err, pa.OutputUnderflowed) {
			return fmt.Errorf("portaudio: write: %w", audio.ErrUnderflow)
		}
		return wrap("write", err)
	}
	return nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("portaudio: %s: %w", op, err)
}
