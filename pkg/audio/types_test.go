package audio_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/orchestra/pkg/audio"
)

func speaker() audio.DeviceInfo {
	return audio.DeviceInfo{
		ID:          0,
		Name:        "speaker",
		Direction:   audio.DirectionOutput,
		SampleRates: []int{8000, 16000, 48000},
		Channels:    []string{"front-left", "front-right"},
		Formats:     []audio.SampleFormat{audio.FormatInt16},
		Default:     true,
	}
}

func TestStreamConfig_Chunk(t *testing.T) {
	t.Parallel()
	c := audio.StreamConfig{SampleRate: 48000, Channels: 2, Format: audio.FormatInt16, ChunkFrames: 480}
	if got := c.ChunkSamples(); got != 960 {
		t.Errorf("ChunkSamples() = %d, want 960", got)
	}
	if got := c.ChunkDuration(); got != 10*time.Millisecond {
		t.Errorf("ChunkDuration() = %v, want 10ms", got)
	}

	tests := []struct {
		chunks uint64
		want   time.Duration
	}{
		{chunks: 0, want: 0},
		{chunks: 1, want: 10 * time.Millisecond},
		{chunks: 150, want: 1500 * time.Millisecond},
		// 30 days of 10ms chunks.
		{chunks: 259_200_000, want: 720 * time.Hour},
	}
	for _, tc := range tests {
		if got := c.Elapsed(tc.chunks); got != tc.want {
			t.Errorf("Elapsed(%d) = %v, want %v", tc.chunks, got, tc.want)
		}
	}
	if got := (audio.StreamConfig{}).Elapsed(10); got != 0 {
		t.Errorf("zero config Elapsed(10) = %v, want 0", got)
	}
}

func TestStreamConfig_Validate(t *testing.T) {
	t.Parallel()
	valid := audio.StreamConfig{SampleRate: 48000, Channels: 2, Format: audio.FormatInt16, ChunkFrames: 480}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*audio.StreamConfig)
	}{
		{"negative device", func(c *audio.StreamConfig) { c.DeviceID = -1 }},
		{"zero rate", func(c *audio.StreamConfig) { c.SampleRate = 0 }},
		{"zero channels", func(c *audio.StreamConfig) { c.Channels = 0 }},
		{"float format", func(c *audio.StreamConfig) { c.Format = "float32" }},
		{"empty format", func(c *audio.StreamConfig) { c.Format = "" }},
		{"zero chunk", func(c *audio.StreamConfig) { c.ChunkFrames = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if !errors.Is(err, audio.ErrUnsupportedConfig) {
				t.Errorf("Validate() = %v, want ErrUnsupportedConfig", err)
			}
		})
	}
}

func TestDeviceInfo_Supports(t *testing.T) {
	t.Parallel()
	d := speaker()
	base := audio.StreamConfig{SampleRate: 48000, Channels: 2, Format: audio.FormatInt16, ChunkFrames: 480}

	if err := d.Supports(audio.DirectionOutput, base); err != nil {
		t.Fatalf("Supports() error: %v", err)
	}
	mono := base
	mono.Channels = 1
	if err := d.Supports(audio.DirectionOutput, mono); err != nil {
		t.Errorf("Supports(mono) error: %v", err)
	}

	tests := []struct {
		name string
		dir  audio.Direction
		cfg  audio.StreamConfig
	}{
		{"wrong direction", audio.DirectionInput, base},
		{"unsupported rate", audio.DirectionOutput, func() audio.StreamConfig { c := base; c.SampleRate = 44100; return c }()},
		{"too many channels", audio.DirectionOutput, func() audio.StreamConfig { c := base; c.Channels = 6; return c }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.Supports(tt.dir, tt.cfg); !errors.Is(err, audio.ErrUnsupportedConfig) {
				t.Errorf("Supports() = %v, want ErrUnsupportedConfig", err)
			}
		})
	}
}

func TestDeviceInfo_JSON(t *testing.T) {
	t.Parallel()

	empty, err := json.Marshal(audio.DeviceInfo{})
	if err != nil {
		t.Fatalf("Marshal(empty) error: %v", err)
	}
	if string(empty) != "{}" {
		t.Errorf("empty descriptor = %s, want {}", empty)
	}

	data, err := json.Marshal(speaker())
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if got["type"] != "output" {
		t.Errorf("type = %v, want output", got["type"])
	}
	if got["name"] != "speaker" {
		t.Errorf("name = %v, want speaker", got["name"])
	}
	if got["default"] != true {
		t.Errorf("default = %v, want true", got["default"])
	}
	if _, ok := got["id"]; !ok {
		t.Error("id missing for device 0")
	}
}

func TestParseDirection(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]audio.Direction{
		"input": audio.DirectionInput, "Output": audio.DirectionOutput,
		"capture": audio.DirectionInput, " playback ": audio.DirectionOutput,
	} {
		got, err := audio.ParseDirection(in)
		if err != nil {
			t.Errorf("ParseDirection(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDirection(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := audio.ParseDirection("sideways"); err == nil {
		t.Error("ParseDirection(sideways) expected error")
	}
}

func TestIsXRun(t *testing.T) {
	t.Parallel()
	if !audio.IsXRun(audio.ErrUnderflow) || !audio.IsXRun(audio.ErrOverflow) {
		t.Error("IsXRun should accept underflow and overflow")
	}
	if audio.IsXRun(audio.ErrStreamClosed) {
		t.Error("IsXRun(ErrStreamClosed) = true, want false")
	}
}
