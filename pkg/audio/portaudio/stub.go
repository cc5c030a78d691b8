//go:build !portaudio

// Package portaudio provides an [audio.Backend] over the host's sound devices
// using the PortAudio library.
//
// This build was made without the "portaudio" tag, so [New] always fails
// with [audio.ErrBackendUnavailable].
package portaudio

import (
	"context"
	"fmt"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// Config configures a [Backend].
type Config struct {
	HighLatency bool `yaml:"high_latency"`
}

// Backend is unavailable in this build.
type Backend struct{}

var _ audio.Backend = (*Backend)(nil)

// New returns [audio.ErrBackendUnavailable].
func New(Config) (*Backend, error) {
	return nil, fmt.Errorf("portaudio: built without the portaudio tag: %w", audio.ErrBackendUnavailable)
}

func (*Backend) Name() string                { return "portaudio" }
func (*Backend) Devices() []audio.DeviceInfo { return nil }
func (*Backend) Close() error                { return nil }

func (*Backend) Open(context.Context, audio.Direction, audio.StreamConfig) (audio.Stream, error) {
	return nil, audio.ErrBackendUnavailable
}
