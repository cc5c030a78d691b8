// Package audio defines the device capability that audio sessions are built on.
//
// The two primary abstractions are:
//
//   - [Backend]: enumerates the logical devices a host exposes and opens
//     streams on them.
//   - [Stream]: an acquired device handle that moves fixed-size chunks of
//     interleaved 16-bit PCM in one [Direction].
//
// Implementations live in sub-packages (audio/virtual, audio/wavfile,
// audio/portaudio, audio/discord). The interfaces are narrow so
// the session lifecycle stays decoupled from any platform API.
//
// This package lives under pkg/ because external code (third-party device
// adapters) is expected to implement [Backend] and [Stream].
package audio

import (
	"context"
	"errors"
)

var (
	// ErrUnsupportedConfig is returned when a stream configuration is not
	// accepted by the target device (rate, channel count, format, or chunk size).
	ErrUnsupportedConfig = errors.New("audio: unsupported stream config")

	// ErrDeviceNotFound is returned when a device id is not known to a backend.
	ErrDeviceNotFound = errors.New("audio: device not found")

	// ErrDeviceBusy is returned when a device cannot be acquired because it
	// is exhausted (e.g. an exclusive device already has an open stream).
	ErrDeviceBusy = errors.New("audio: device busy")

	// ErrStreamClosed is returned by any [Stream] method after Close.
	ErrStreamClosed = errors.New("audio: stream closed")

	// ErrStreamStopped is returned by Read or Write on a stream that is not
	// started or is paused.
	ErrStreamStopped = errors.New("audio: stream not running")

	// ErrBackendUnavailable is returned by backends that were compiled without
	// their platform bindings.
	ErrBackendUnavailable = errors.New("audio: backend not available")

	// ErrUnderflow reports that the device ran dry before a write completed.
	// The chunk was still written; only a glitch occurred.
	ErrUnderflow = errors.New("audio: output underflow")

	// ErrOverflow reports that the device dropped captured samples before a
	// read. The chunk was still read; only a glitch occurred.
	ErrOverflow = errors.New("audio: input overflow")
)

// IsXRun reports whether err only signals an underflow or overflow and the
// chunk transfer itself succeeded.
func IsXRun(err error) bool {
	return errors.Is(err, ErrUnderflow) || errors.Is(err, ErrOverflow)
}

// Stream is an acquired device handle.
//
// A Stream is created by [Backend.Open] in a stopped state and holds the
// device until [Stream.Close]. Read and Write always transfer a whole chunk:
// they block until len(buf) samples have been moved or the device fails.
//
// A Stream is driven by one goroutine at a time; lifecycle calls and I/O calls
// are never issued concurrently by the session layer.
type Stream interface {
	// Start begins active playback or capture.
	Start() error

	// Pause releases the device's active state without giving up the handle.
	Pause() error

	// Resume re-engages a paused stream.
	Resume() error

	// Stop ends active playback or capture. A stopped stream may only be closed.
	Stop() error

	// Read fills buf with exactly len(buf) interleaved samples from an input
	// device. An error wrapping [ErrOverflow] means buf is valid but samples
	// were lost before it.
	Read(buf []int16) error

	// Write sends exactly len(buf) interleaved samples to an output device.
	// An error wrapping [ErrUnderflow] means buf was written but the device
	// ran dry before it.
	Write(buf []int16) error

	// Close releases the device handle. It is safe to call Close more than
	// once; subsequent calls return nil.
	Close() error
}

// Backend is the entry point for a device provider.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name returns a short identifier for logs and metrics (e.g. "virtual").
	Name() string

	// Devices returns the descriptors of every logical device, ordered by id.
	Devices() []DeviceInfo

	// Open acquires the device cfg.DeviceID for dir and returns a stopped
	// [Stream]. The supplied ctx bounds the acquisition only.
	//
	// Returns an error wrapping [ErrDeviceNotFound], [ErrUnsupportedConfig]
	// or [ErrDeviceBusy] when the device cannot be acquired.
	Open(ctx context.Context, dir Direction, cfg StreamConfig) (Stream, error)
}

// Lookup returns the descriptor with the given id from b, or the zero
// descriptor when no such device exists.
func Lookup(b Backend, id int) DeviceInfo {
	for _, d := range b.Devices() {
		if d.ID == id {
			return d
		}
	}
	return DeviceInfo{}
}
