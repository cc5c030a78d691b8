package audio

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// SessionID identifies one open stream session. Ids are assigned in
// increasing order and never reused while the process runs.
type SessionID int

// InvalidSession is returned in place of a [SessionID] when an open fails.
const InvalidSession SessionID = -1

// Valid reports whether id is a real session id.
func (id SessionID) Valid() bool { return id >= 0 }

// Direction is the data direction of a device or stream.
type Direction int

const (
	// DirectionInput captures audio from a device into the engine.
	DirectionInput Direction = iota + 1

	// DirectionOutput plays audio produced by the engine on a device.
	DirectionOutput
)

// String returns the lower-case name of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	default:
		return "unknown"
	}
}

// ParseDirection parses "input" or "output" (case-insensitive).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "input", "in", "capture":
		return DirectionInput, nil
	case "output", "out", "playback":
		return DirectionOutput, nil
	}
	return 0, fmt.Errorf("audio: unknown direction %q", s)
}

// MarshalText implements [encoding.TextMarshaler].
func (d Direction) MarshalText() ([]byte, error) {
	if d != DirectionInput && d != DirectionOutput {
		return nil, fmt.Errorf("audio: invalid direction %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Direction) UnmarshalText(text []byte) error {
	v, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// SampleFormat names the encoding of a single sample.
type SampleFormat string

// FormatInt16 is signed 16-bit native-endian PCM, the only format sessions move.
const FormatInt16 SampleFormat = "int16"

// IsValid reports whether f is a supported sample format.
func (f SampleFormat) IsValid() bool {
	return f == FormatInt16
}

// StandardSampleRates are the rates probed on devices that do not publish a
// fixed list.
var StandardSampleRates = []int{
	4000, 5512, 8000, 9600, 11025, 16000, 22050, 32000, 44100,
	48000, 64000, 88200, 96000, 128000, 176400, 192000, 256000,
}

// StreamConfig fixes the shape of a stream for its whole lifetime.
type StreamConfig struct {
	// DeviceID selects the device as listed by [Backend.Devices].
	DeviceID int `json:"device_id" yaml:"device_id"`

	// SampleRate in Hz.
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`

	// Channels is the number of interleaved channels per frame.
	Channels int `json:"channels" yaml:"channels"`

	// Format is the sample encoding. Only [FormatInt16] is supported.
	Format SampleFormat `json:"format" yaml:"format"`

	// ChunkFrames is the number of frames moved per pump iteration.
	ChunkFrames int `json:"chunk_frames" yaml:"chunk_frames"`
}

// ChunkSamples returns the length of one chunk buffer in samples.
func (c StreamConfig) ChunkSamples() int {
	return c.ChunkFrames * c.Channels
}

// ChunkDuration returns the wall-clock duration of one chunk at SampleRate.
func (c StreamConfig) ChunkDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.ChunkFrames) * time.Second / time.Duration(c.SampleRate)
}

// Elapsed returns the stream time covered by n whole chunks.
func (c StreamConfig) Elapsed(n uint64) time.Duration {
	if c.SampleRate <= 0 || c.ChunkFrames <= 0 {
		return 0
	}
	frames := n * uint64(c.ChunkFrames)
	rate := uint64(c.SampleRate)
	return time.Duration(frames/rate)*time.Second + time.Duration(frames%rate)*time.Second/time.Duration(rate)
}

// Validate checks that c describes a stream any backend could open. It does
// not check device support; see [DeviceInfo.Supports].
func (c StreamConfig) Validate() error {
	switch {
	case c.DeviceID < 0:
		return fmt.Errorf("%w: negative device id %d", ErrUnsupportedConfig, c.DeviceID)
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedConfig, c.SampleRate)
	case c.Channels <= 0:
		return fmt.Errorf("%w: channel count %d", ErrUnsupportedConfig, c.Channels)
	case !c.Format.IsValid():
		return fmt.Errorf("%w: sample format %q", ErrUnsupportedConfig, c.Format)
	case c.ChunkFrames <= 0:
		return fmt.Errorf("%w: chunk frames %d", ErrUnsupportedConfig, c.ChunkFrames)
	}
	return nil
}

// String returns a compact description such as "dev0 48000Hz 2ch int16 x480".
func (c StreamConfig) String() string {
	return fmt.Sprintf("dev%d %dHz %dch %s x%d", c.DeviceID, c.SampleRate, c.Channels, c.Format, c.ChunkFrames)
}

// DeviceInfo describes one logical device. The zero value is the empty
// descriptor returned for unknown devices and marshals to "{}".
type DeviceInfo struct {
	ID          int            `json:"id"`
	Name        string         `json:"name"`
	Direction   Direction      `json:"type"`
	SampleRates []int          `json:"sample_rates"`
	Channels    []string       `json:"channels"`
	Formats     []SampleFormat `json:"formats"`
	Default     bool           `json:"default"`
}

// IsZero reports whether d is the empty descriptor.
func (d DeviceInfo) IsZero() bool {
	return d.Name == "" && d.Direction == 0 && len(d.SampleRates) == 0 &&
		len(d.Channels) == 0 && len(d.Formats) == 0 && !d.Default
}

// MarshalJSON implements [json.Marshaler].
func (d DeviceInfo) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("{}"), nil
	}
	type plain DeviceInfo
	return json.Marshal(plain(d))
}

// Supports reports whether a stream in direction dir with config c can be
// opened on d. The returned error wraps [ErrUnsupportedConfig].
func (d DeviceInfo) Supports(dir Direction, c StreamConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if d.Direction != dir {
		return fmt.Errorf("%w: device %d (%s) is %s, not %s", ErrUnsupportedConfig, d.ID, d.Name, d.Direction, dir)
	}
	if !slices.Contains(d.SampleRates, c.SampleRate) {
		return fmt.Errorf("%w: device %d does not support %d Hz", ErrUnsupportedConfig, d.ID, c.SampleRate)
	}
	if c.Channels > len(d.Channels) {
		return fmt.Errorf("%w: device %d has %d channels, %d requested", ErrUnsupportedConfig, d.ID, len(d.Channels), c.Channels)
	}
	if !slices.Contains(d.Formats, c.Format) {
		return fmt.Errorf("%w: device %d does not support format %q", ErrUnsupportedConfig, d.ID, c.Format)
	}
	return nil
}
