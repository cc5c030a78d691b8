package discord

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// fakeVoice records what the backend does with a voice connection.
type fakeVoice struct {
	send chan []byte
	recv chan *discordgo.Packet

	mu          sync.Mutex
	speaking    []bool
	joins       int
	disconnects int
}

func newFakeVoice(sendBuf int) *fakeVoice {
	return &fakeVoice{
		send: make(chan []byte, sendBuf),
		recv: make(chan *discordgo.Packet, 16),
	}
}

func (f *fakeVoice) voice() *voice {
	return &voice{
		send: f.send,
		recv: f.recv,
		speaking: func(b bool) error {
			f.mu.Lock()
			f.speaking = append(f.speaking, b)
			f.mu.Unlock()
			return nil
		},
		disconnect: func() error {
			f.mu.Lock()
			f.disconnects++
			f.mu.Unlock()
			return nil
		},
	}
}

func (f *fakeVoice) counts() (joins, disconnects int, speaking []bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins, f.disconnects, slices.Clone(f.speaking)
}

func newTestBackend(t *testing.T, f *fakeVoice) *Backend {
	t.Helper()
	b := newBackend("guild-test", "channel-test")
	b.unpaced = true
	b.join = func(context.Context) (*voice, error) {
		f.mu.Lock()
		f.joins++
		f.mu.Unlock()
		return f.voice(), nil
	}
	return b
}

func streamConfig(device int) audio.StreamConfig {
	return audio.StreamConfig{DeviceID: device, SampleRate: 48000, Channels: 2, Format: audio.FormatInt16, ChunkFrames: 960}
}

func encodeFrame(t *testing.T, value int16) []byte {
	t.Helper()
	enc, err := newOpusEncoder()
	if err != nil {
		t.Fatalf("newOpusEncoder() error: %v", err)
	}
	pcm := make([]int16, opusFrameSize*opusChannels)
	for i := range pcm {
		// A square wave survives the lossy codec as clearly non-silent audio.
		if (i/40)%2 == 0 {
			pcm[i] = value
		} else {
			pcm[i] = -value
		}
	}
	opus, err := enc.encode(pcm)
	if err != nil {
		t.Fatalf("encode() error: %v", err)
	}
	return opus
}

func TestDevices(t *testing.T) {
	t.Parallel()
	devs := Devices()
	if len(devs) != 2 {
		t.Fatalf("Devices() len = %d, want 2", len(devs))
	}
	if devs[DeviceOut].Name != "voice-out" || devs[DeviceOut].Direction != audio.DirectionOutput {
		t.Errorf("device 0 = %+v", devs[DeviceOut])
	}
	if devs[DeviceIn].Name != "voice-in" || devs[DeviceIn].Direction != audio.DirectionInput {
		t.Errorf("device 1 = %+v", devs[DeviceIn])
	}
}

func TestOpen_RejectsNonNativeFormat(t *testing.T) {
	t.Parallel()
	b := newTestBackend(t, newFakeVoice(4))
	ctx := context.Background()

	tests := []struct {
		name string
		edit func(*audio.StreamConfig)
		want error
	}{
		{"chunk size", func(c *audio.StreamConfig) { c.ChunkFrames = 480 }, audio.ErrUnsupportedConfig},
		{"mono", func(c *audio.StreamConfig) { c.Channels = 1 }, audio.ErrUnsupportedConfig},
		{"rate", func(c *audio.StreamConfig) { c.SampleRate = 16000 }, audio.ErrUnsupportedConfig},
		{"device", func(c *audio.StreamConfig) { c.DeviceID = 5 }, audio.ErrDeviceNotFound},
	}
	for _, tt := range tests {
		cfg := streamConfig(DeviceOut)
		tt.edit(&cfg)
		if _, err := b.Open(ctx, audio.DirectionOutput, cfg); !errors.Is(err, tt.want) {
			t.Errorf("%s: Open() error = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestOutput_EncodesAndSpeaks(t *testing.T) {
	t.Parallel()
	f := newFakeVoice(4)
	b := newTestBackend(t, f)

	s, err := b.Open(context.Background(), audio.DirectionOutput, streamConfig(DeviceOut))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := s.Write(make([]int16, opusFrameSize*opusChannels)); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	select {
	case pkt := <-f.send:
		if len(pkt) == 0 {
			t.Error("Write() sent an empty Opus packet")
		}
	default:
		t.Fatal("Write() did not send an Opus packet")
	}

	_ = s.Pause()
	_ = s.Resume()
	_ = s.Stop()
	_ = s.Close()

	joins, disconnects, speaking := f.counts()
	if want := []bool{true, false, true, false}; !slices.Equal(speaking, want) {
		t.Errorf("speaking = %v, want %v", speaking, want)
	}
	if joins != 1 || disconnects != 1 {
		t.Errorf("joins, disconnects = %d, %d; want 1, 1", joins, disconnects)
	}
}

func TestOutput_CloseUnblocksWrite(t *testing.T) {
	t.Parallel()
	f := newFakeVoice(0) // nobody drains send
	b := newTestBackend(t, f)
	s, err := b.Open(context.Background(), audio.DirectionOutput, streamConfig(DeviceOut))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	_ = s.Start()

	errc := make(chan error, 1)
	go func() { errc <- s.Write(make([]int16, opusFrameSize*opusChannels)) }()
	time.Sleep(20 * time.Millisecond)
	_ = s.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, audio.ErrStreamClosed) && !errors.Is(err, errDisconnected) {
			t.Errorf("Write() error = %v, want closed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write() still blocked after Close")
	}
}

func TestInput_MixesSpeakers(t *testing.T) {
	t.Parallel()
	f := newFakeVoice(4)
	b := newTestBackend(t, f)

	s, err := b.Open(context.Background(), audio.DirectionInput, streamConfig(DeviceIn))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	buf := make([]int16, opusFrameSize*opusChannels)
	if err := s.Read(buf); err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if audio.Peak(buf) != 0 {
		t.Error("Read() with no speakers is not silent")
	}

	f.recv <- &discordgo.Packet{SSRC: 100, Opus: encodeFrame(t, 8000)}
	f.recv <- &discordgo.Packet{SSRC: 200, Opus: encodeFrame(t, 8000)}

	conn := s.(*stream).conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.mu.Lock()
		queued := 0
		for _, q := range conn.speakers {
			queued += len(q)
		}
		conn.mu.Unlock()
		if queued == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued frames = %d, want 2", queued)
		}
		time.Sleep(time.Millisecond)
	}

	if n := conn.mix(buf); n != 2 {
		t.Errorf("mix() speakers = %d, want 2", n)
	}
	if audio.Peak(buf) == 0 {
		t.Error("mixed speakers are silent")
	}
	if err := s.Read(buf); err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if audio.Peak(buf) != 0 {
		t.Error("Read() after queues drained is not silent")
	}
}

func TestInput_Overflow(t *testing.T) {
	t.Parallel()
	f := newFakeVoice(4)
	b := newTestBackend(t, f)
	s, err := b.Open(context.Background(), audio.DirectionInput, streamConfig(DeviceIn))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()
	_ = s.Start()

	pkt := encodeFrame(t, 1000)
	conn := s.(*stream).conn
	for range speakerQueue + 2 {
		f.recv <- &discordgo.Packet{SSRC: 7, Opus: pkt}
	}
	deadline := time.Now().Add(2 * time.Second)
	for !conn.overflowed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("speaker queue never overflowed")
		}
		time.Sleep(time.Millisecond)
	}
	buf := make([]int16, opusFrameSize*opusChannels)
	if err := s.Read(buf); !errors.Is(err, audio.ErrOverflow) {
		t.Errorf("Read() error = %v, want ErrOverflow", err)
	}
	if err := s.Read(buf); err != nil {
		t.Errorf("second Read() error = %v, want nil", err)
	}
}

func TestSharedConnection(t *testing.T) {
	t.Parallel()
	f := newFakeVoice(4)
	b := newTestBackend(t, f)
	ctx := context.Background()

	out, err := b.Open(ctx, audio.DirectionOutput, streamConfig(DeviceOut))
	if err != nil {
		t.Fatalf("Open(out) error: %v", err)
	}
	in, err := b.Open(ctx, audio.DirectionInput, streamConfig(DeviceIn))
	if err != nil {
		t.Fatalf("Open(in) error: %v", err)
	}
	if _, err := b.Open(ctx, audio.DirectionOutput, streamConfig(DeviceOut)); !errors.Is(err, audio.ErrDeviceBusy) {
		t.Errorf("second Open(out) error = %v, want ErrDeviceBusy", err)
	}

	_ = out.Close()
	if _, disconnects, _ := f.counts(); disconnects != 0 {
		t.Errorf("disconnected with an input stream still open")
	}
	_ = in.Close()
	_ = in.Close()
	joins, disconnects, _ := f.counts()
	if joins != 1 || disconnects != 1 {
		t.Errorf("joins, disconnects = %d, %d; want 1, 1", joins, disconnects)
	}

	// A new stream joins again.
	again, err := b.Open(ctx, audio.DirectionOutput, streamConfig(DeviceOut))
	if err != nil {
		t.Fatalf("Open() after leave error: %v", err)
	}
	_ = again.Close()
	if joins, _, _ := f.counts(); joins != 2 {
		t.Errorf("joins = %d, want 2", joins)
	}
}

func TestJoinFailure(t *testing.T) {
	t.Parallel()
	b := newBackend("g", "c")
	wantErr := errors.New("no permission")
	b.join = func(context.Context) (*voice, error) { return nil, wantErr }
	if _, err := b.Open(context.Background(), audio.DirectionOutput, streamConfig(DeviceOut)); !errors.Is(err, wantErr) {
		t.Errorf("Open() error = %v, want %v", err, wantErr)
	}
	// The device is not left busy.
	b.join = func(context.Context) (*voice, error) { return newFakeVoice(1).voice(), nil }
	s, err := b.Open(context.Background(), audio.DirectionOutput, streamConfig(DeviceOut))
	if err != nil {
		t.Fatalf("Open() after failed join error: %v", err)
	}
	_ = s.Close()
}

func TestDial_RequiresConfig(t *testing.T) {
	t.Parallel()
	if _, err := Dial(Config{Token: "x"}); err == nil {
		t.Error("Dial() without guild and channel expected error")
	}
}
