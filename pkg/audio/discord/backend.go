// Package discord provides an [audio.Backend] backed by a Discord voice
// channel via the bwmarrin/discordgo library.
//
// One voice channel is exposed as two devices: "voice-out" (id 0) plays PCM
// into the channel and "voice-in" (id 1) captures the channel's speakers
// mixed into one stream. Both accept only Discord's native format: 48 kHz
// stereo int16 in 20 ms (960-frame) chunks. The channel is joined when the
// first stream opens and left when the last one closes.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/MrWong99/orchestra/pkg/audio"
)

// Device ids.
const (
	DeviceOut = 0
	DeviceIn  = 1
)

// Streams must use stereo chunks of exactly one Opus frame.
const (
	FrameDuration = opusFrameSizeMs * time.Millisecond
	FrameSize     = opusFrameSize
	Channels      = opusChannels
)

// Config selects the voice channel to bridge.
type Config struct {
	Token     string `yaml:"token"`
	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`
}

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

// Backend is safe for concurrent use. Each device accepts one stream at a
// time.
type Backend struct {
	session   *discordgo.Session
	ownsSess  bool
	guildID   string
	channelID string
	devices   []audio.DeviceInfo
	log       *slog.Logger

	// join connects to the voice channel. Replaced in tests.
	join    func(ctx context.Context) (*voice, error)
	unpaced bool

	mu   sync.Mutex
	conn *connection
	refs int
	busy [2]bool
}

// Devices returns the two descriptors of a voice channel.
func Devices() []audio.DeviceInfo {
	rates := []int{opusSampleRate}
	channels := []string{"left", "right"}
	formats := []audio.SampleFormat{audio.FormatInt16}
	return []audio.DeviceInfo{
		{ID: DeviceOut, Name: "voice-out", Direction: audio.DirectionOutput, SampleRates: rates, Channels: channels, Formats: formats, Default: true},
		{ID: DeviceIn, Name: "voice-in", Direction: audio.DirectionInput, SampleRates: rates, Channels: channels, Formats: formats, Default: true},
	}
}

// New returns a backend for the voice channel channelID in guildID using an
// already opened session.
func New(session *discordgo.Session, guildID, channelID string) *Backend {
	b := newBackend(guildID, channelID)
	b.session = session
	b.join = func(context.Context) (*voice, error) {
		// mute=false (we send audio), deaf=false (we receive audio).
		vc, err := session.ChannelVoiceJoin(guildID, channelID, false, false)
		if err != nil {
			return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
		}
		return voiceOf(vc), nil
	}
	return b
}

// Dial opens a bot session with cfg.Token and returns a backend for the
// configured channel. Close releases the session.
func Dial(cfg Config) (*Backend, error) {
	if cfg.Token == "" || cfg.GuildID == "" || cfg.ChannelID == "" {
		return nil, errors.New("discord: token, guild_id and channel_id are required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuilds
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	b := New(session, cfg.GuildID, cfg.ChannelID)
	b.ownsSess = true
	return b, nil
}

func newBackend(guildID, channelID string) *Backend {
	return &Backend{
		guildID:   guildID,
		channelID: channelID,
		devices:   Devices(),
		log:       slog.Default().With("backend", "discord", "instance", uuid.New(), "channel_id", channelID),
	}
}

// Name implements [audio.Backend].
func (b *Backend) Name() string { return "discord" }

// Devices implements [audio.Backend].
func (b *Backend) Devices() []audio.DeviceInfo { return b.devices }

// Open implements [audio.Backend]. The first open joins the voice channel.
func (b *Backend) Open(ctx context.Context, dir audio.Direction, cfg audio.StreamConfig) (audio.Stream, error) {
	if cfg.DeviceID < 0 || cfg.DeviceID >= len(b.devices) {
		return nil, fmt.Errorf("discord: open device %d: %w", cfg.DeviceID, audio.ErrDeviceNotFound)
	}
	if err := b.devices[cfg.DeviceID].Supports(dir, cfg); err != nil {
		return nil, fmt.Errorf("discord: open: %w", err)
	}
	if cfg.Channels != opusChannels || cfg.ChunkFrames != opusFrameSize {
		return nil, fmt.Errorf("discord: open: %w: need %d channels in %d-frame chunks",
			audio.ErrUnsupportedConfig, opusChannels, opusFrameSize)
	}

	conn, err := b.acquire(ctx, cfg.DeviceID)
	if err != nil {
		return nil, err
	}
	s := &stream{
		b:    b,
		conn: conn,
		dir:  dir,
		dev:  cfg.DeviceID,
		done: make(chan struct{}),
		log:  b.log.With("stream", uuid.New(), "device_id", cfg.DeviceID, "direction", dir),
	}
	if dir == audio.DirectionOutput {
		if s.enc, err = newOpusEncoder(); err != nil {
			b.release(cfg.DeviceID)
			return nil, err
		}
	} else if !b.unpaced {
		s.pacer = audio.NewPacer(cfg.ChunkDuration())
	}
	s.log.Debug("discord stream opened")
	return s, nil
}

// acquire marks device busy and joins the channel if no stream holds it.
func (b *Backend) acquire(ctx context.Context, device int) (*connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy[device] {
		return nil, fmt.Errorf("discord: device %d: %w", device, audio.ErrDeviceBusy)
	}
	if b.conn == nil {
		v, err := b.join(ctx)
		if err != nil {
			return nil, err
		}
		c := newConnection(v, b.log)
		if b.session != nil {
			c.removeHandler = b.session.AddHandler(c.handleVoiceStateUpdate(b.guildID, b.channelID))
		}
		b.conn = c
		b.log.Info("joined voice channel", "guild_id", b.guildID)
	}
	b.busy[device] = true
	b.refs++
	return b.conn, nil
}

// release frees device and leaves the channel after the last stream.
func (b *Backend) release(device int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.busy[device] {
		return
	}
	b.busy[device] = false
	b.refs--
	if b.refs > 0 {
		return
	}
	c := b.conn
	b.conn = nil
	if err := c.close(); err != nil {
		b.log.Warn("voice disconnect error", "err", err)
	}
	b.log.Info("left voice channel")
}

// Close closes the bot session if [Dial] opened it. Streams must be closed
// first.
func (b *Backend) Close() error {
	if !b.ownsSess {
		return nil
	}
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	return nil
}
