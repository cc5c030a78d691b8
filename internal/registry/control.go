package registry

import (
	"context"
	"log/slog"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// Control exposes the registry in the host contract's style: opens return
// a session id or [audio.InvalidSession], control operations return whether
// they succeeded. Every failure is logged.
type Control struct {
	r *Registry
}

// NewControl wraps r.
func NewControl(r *Registry) *Control { return &Control{r: r} }

// GetDeviceCount returns the number of devices.
func (c *Control) GetDeviceCount() int { return c.r.DeviceCount() }

// GetDeviceProperties returns the descriptor of device id, or the empty
// descriptor.
func (c *Control) GetDeviceProperties(id int) audio.DeviceInfo { return c.r.DeviceProperties(id) }

// OpenInput opens a capture session on deviceID.
func (c *Control) OpenInput(deviceID, sampleRate, channels int, format audio.SampleFormat) audio.SessionID {
	return c.open(audio.DirectionInput, deviceID, sampleRate, channels, format)
}

// OpenOutput opens a playback session on deviceID.
func (c *Control) OpenOutput(deviceID, sampleRate, channels int, format audio.SampleFormat) audio.SessionID {
	return c.open(audio.DirectionOutput, deviceID, sampleRate, channels, format)
}

func (c *Control) open(dir audio.Direction, deviceID, sampleRate, channels int, format audio.SampleFormat) audio.SessionID {
	cfg := audio.StreamConfig{
		DeviceID:   deviceID,
		SampleRate: sampleRate,
		Channels:   channels,
		Format:     format,
	}
	id, err := c.r.Open(context.Background(), dir, cfg)
	if err != nil {
		slog.Warn("open failed", "direction", dir.String(), "device_id", deviceID, "err", err)
		return audio.InvalidSession
	}
	return id
}

// CloseDevice stops and removes session id.
func (c *Control) CloseDevice(id audio.SessionID) bool {
	return c.report("close", id, c.r.Close(id))
}

// Start starts or resumes session id.
func (c *Control) Start(id audio.SessionID) bool {
	return c.report("start", id, c.r.Start(id))
}

// Stop stops session id. A second stop reports false.
func (c *Control) Stop(id audio.SessionID) bool {
	return c.report("stop", id, c.r.Stop(id))
}

// Pause pauses session id.
func (c *Control) Pause(id audio.SessionID) bool {
	return c.report("pause", id, c.r.Pause(id))
}

// Resume resumes session id.
func (c *Control) Resume(id audio.SessionID) bool {
	return c.report("resume", id, c.r.Resume(id))
}

func (c *Control) report(op string, id audio.SessionID, err error) bool {
	if err != nil {
		slog.Warn(op+" failed", "session_id", int(id), "err", err)
		return false
	}
	return true
}
