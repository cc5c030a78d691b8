// Package wavfile provides an [audio.Backend] whose devices are WAV files.
//
// Each configured file becomes one device. Output devices record everything
// written to them into a 16-bit PCM WAV that is finalized on Close. Input
// devices play a WAV file in a loop. The device id is the position of the
// file in [Config.Devices].
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// Defaults for output devices that leave the format unset.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
)

// Device configures one file-backed device.
type Device struct {
	Name      string          `yaml:"name"`
	Direction audio.Direction `yaml:"direction"`
	Path      string          `yaml:"path"`

	// SampleRate and Channels fix the format of output files. Input devices
	// take both from the file header.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// Config configures a [Backend].
type Config struct {
	// Realtime paces Read and Write by the chunk duration. When false, I/O
	// runs as fast as the caller drives it.
	Realtime bool `yaml:"realtime"`

	Devices []Device `yaml:"devices"`
}

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

// Backend is the WAV file device provider. Output devices are exclusive;
// input devices may be opened any number of times.
type Backend struct {
	cfg     Config
	devices []audio.DeviceInfo
	log     *slog.Logger

	mu   sync.Mutex
	busy map[int]bool
}

// New validates cfg and probes the header of every input file.
func New(cfg Config) (*Backend, error) {
	b := &Backend{
		cfg:  cfg,
		busy: make(map[int]bool),
		log:  slog.Default().With("backend", "wavfile", "instance", uuid.New()),
	}
	var errs []error
	for i, d := range cfg.Devices {
		info, err := describe(i, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("wavfile: device %d (%s): %w", i, d.Name, err))
			continue
		}
		b.devices = append(b.devices, info)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return b, nil
}

// device returns the configured device i with output defaults applied.
func (b *Backend) device(i int) Device {
	d := b.cfg.Devices[i]
	d.SampleRate = b.devices[i].SampleRates[0]
	d.Channels = len(b.devices[i].Channels)
	return d
}

func describe(id int, d Device) (audio.DeviceInfo, error) {
	if d.Path == "" {
		return audio.DeviceInfo{}, errors.New("path is empty")
	}
	info := audio.DeviceInfo{
		ID:        id,
		Name:      d.Name,
		Direction: d.Direction,
		Formats:   []audio.SampleFormat{audio.FormatInt16},
	}
	if info.Name == "" {
		info.Name = d.Path
	}
	rate, channels := d.SampleRate, d.Channels
	switch d.Direction {
	case audio.DirectionOutput:
		if rate == 0 {
			rate = DefaultSampleRate
		}
		if channels == 0 {
			channels = DefaultChannels
		}
	case audio.DirectionInput:
		h, err := probe(d.Path)
		if err != nil {
			return audio.DeviceInfo{}, err
		}
		rate, channels = h.rate, h.channels
	default:
		return audio.DeviceInfo{}, fmt.Errorf("unknown direction %q", d.Direction)
	}
	if rate <= 0 || channels <= 0 {
		return audio.DeviceInfo{}, fmt.Errorf("invalid format %d Hz %d channels", rate, channels)
	}
	info.SampleRates = []int{rate}
	for ch := range channels {
		info.Channels = append(info.Channels, fmt.Sprintf("ch%d", ch))
	}
	return info, nil
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "wavfile" }

// Devices implements [audio.Backend].
func (b *Backend) Devices() []audio.DeviceInfo { return b.devices }

// Open implements [audio.Backend].
func (b *Backend) Open(ctx context.Context, dir audio.Direction, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.DeviceID < 0 || cfg.DeviceID >= len(b.devices) {
		return nil, fmt.Errorf("wavfile: open device %d: %w", cfg.DeviceID, audio.ErrDeviceNotFound)
	}
	if err := b.devices[cfg.DeviceID].Supports(dir, cfg); err != nil {
		return nil, fmt.Errorf("wavfile: open: %w", err)
	}
	d := b.device(cfg.DeviceID)
	log := b.log.With("stream", uuid.New(), "device_id", cfg.DeviceID, "path", d.Path)

	var (
		s   *stream
		err error
	)
	if dir == audio.DirectionOutput {
		s, err = b.openOutput(d, cfg)
	} else {
		s, err = openInput(d, cfg)
	}
	if err != nil {
		log.Error("could not open audio file", "err", err)
		return nil, err
	}
	s.log = log
	s.done = make(chan struct{})
	if b.cfg.Realtime {
		s.pacer = audio.NewPacer(cfg.ChunkDuration())
	}
	log.Debug("opened audio file", "direction", dir, "config", cfg.String())
	return s, nil
}

func (b *Backend) openOutput(d Device, cfg audio.StreamConfig) (*stream, error) {
	b.mu.Lock()
	if b.busy[cfg.DeviceID] {
		b.mu.Unlock()
		return nil, fmt.Errorf("wavfile: device %d: %w", cfg.DeviceID, audio.ErrDeviceBusy)
	}
	b.busy[cfg.DeviceID] = true
	b.mu.Unlock()

	release := func() {
		b.mu.Lock()
		delete(b.busy, cfg.DeviceID)
		b.mu.Unlock()
	}
	f, err := os.Create(d.Path)
	if err != nil {
		release()
		return nil, fmt.Errorf("wavfile: create %s: %w", d.Path, err)
	}
	enc := wav.NewEncoder(f, cfg.SampleRate, 16, cfg.Channels, 1)
	return &stream{
		dir:  audio.DirectionOutput,
		cfg:  cfg,
		file: f,
		enc:  enc,
		ibuf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{SampleRate: cfg.SampleRate, NumChannels: cfg.Channels},
			Data:           make([]int, cfg.ChunkSamples()),
			SourceBitDepth: 16,
		},
		release: release,
	}, nil
}

func openInput(d Device, cfg audio.StreamConfig) (*stream, error) {
	pcm, h, err := load(d.Path)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("wavfile: %s has no samples: %w", d.Path, audio.ErrUnsupportedConfig)
	}
	return &stream{
		dir: audio.DirectionInput,
		cfg: cfg,
		pcm: audio.Downmix(pcm, h.channels, cfg.Channels),
	}, nil
}

type stream struct {
	dir   audio.Direction
	cfg   audio.StreamConfig
	state audio.StreamState
	pacer *audio.Pacer
	log   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once

	// output
	file    *os.File
	enc     *wav.Encoder
	ibuf    *goaudio.IntBuffer
	release func()

	// input
	pcm []int16
	pos int
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

func (s *stream) resync() {
	if s.pacer != nil {
		s.pacer.Reset()
	}
}

// Close finalizes an output file and releases the device.
func (s *stream) Close() error {
	if !s.state.Close() {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.enc != nil {
			err = errors.Join(s.enc.Close(), s.file.Sync(), s.file.Close())
			s.release()
		}
	})
	if err != nil {
		s.log.Error("could not finalize audio file", "err", err)
		return fmt.Errorf("wavfile: close: %w", err)
	}
	s.log.Debug("closed audio file")
	return nil
}

func (s *stream) Read(buf []int16) error {
	if s.dir != audio.DirectionInput {
		return fmt.Errorf("wavfile: read on %s stream: %w", s.dir, audio.ErrUnsupportedConfig)
	}
	if err := s.state.Ready(); err != nil {
		return err
	}
	late, ok := s.wait()
	if !ok {
		return audio.ErrStreamClosed
	}
	// Loop the file; pos always sits on a frame boundary.
	for n := 0; n < len(buf); {
		k := copy(buf[n:], s.pcm[s.pos:])
		n += k
		s.pos += k
		if s.pos >= len(s.pcm) {
			s.pos = 0
		}
	}
	if late {
		return fmt.Errorf("wavfile: device %d: %w", s.cfg.DeviceID, audio.ErrOverflow)
	}
	return nil
}

func (s *stream) Write(buf []int16) error {
	if s.dir != audio.DirectionOutput {
		return fmt.Errorf("wavfile: write on %s stream: %w", s.dir, audio.ErrUnsupportedConfig)
	}
	if err := s.state.Ready(); err != nil {
		return err
	}
	late, ok := s.wait()
	if !ok {
		return audio.ErrStreamClosed
	}
	if cap(s.ibuf.Data) < len(buf) {
		s.ibuf.Data = make([]int, len(buf))
	}
	s.ibuf.Data = s.ibuf.Data[:len(buf)]
	for i, v := range buf {
		s.ibuf.Data[i] = int(v)
	}
	if err := s.enc.Write(s.ibuf); err != nil {
		return fmt.Errorf("wavfile: write %s: %w", s.file.Name(), err)
	}
	if late {
		return fmt.Errorf("wavfile: device %d: %w", s.cfg.DeviceID, audio.ErrUnderflow)
	}
	return nil
}

func (s *stream) wait() (late, ok bool) {
	if s.pacer == nil {
		return false, true
	}
	return s.pacer.Wait(s.done)
}
