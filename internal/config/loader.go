package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/orchestra/pkg/audio"
	"github.com/MrWong99/orchestra/pkg/audio/discord"
)

// KnownBackends lists the backend names built into the daemon. Used by
// [Validate] to warn about unrecognised names.
var KnownBackends = []string{"virtual", "wavfile", "portaudio", "discord"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown fields are rejected. An empty document
// yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the config used when no file is given.
func Default() *Config {
	cfg := &Config{MCP: MCPConfig{Enabled: true}}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values in cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultBackend
	}
	if cfg.Audio.ChunkFrames == 0 && cfg.Audio.ChunkDuration == 0 {
		cfg.Audio.ChunkDuration = DefaultChunkDuration
		if cfg.Audio.Backend == "discord" {
			cfg.Audio.ChunkDuration = discord.FrameDuration
		}
	}
	if cfg.Engine.Name == "" {
		cfg.Engine.Name = DefaultEngine
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	for i := range cfg.Sessions {
		if cfg.Sessions[i].Format == "" {
			cfg.Sessions[i].Format = audio.FormatInt16
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if !slices.Contains(KnownBackends, cfg.Audio.Backend) {
		slog.Warn("unknown audio backend; it must be registered before startup",
			"name", cfg.Audio.Backend,
			"known", KnownBackends,
		)
	}
	if cfg.Audio.ChunkFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_frames %d must not be negative", cfg.Audio.ChunkFrames))
	}
	if cfg.Audio.ChunkDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_duration %s must not be negative", cfg.Audio.ChunkDuration))
	}
	if cfg.Audio.Backend == "wavfile" && len(cfg.Audio.WAVFile.Devices) == 0 {
		errs = append(errs, errors.New("audio.wavfile.devices is required when backend is wavfile"))
	}
	if cfg.Audio.Backend == "discord" {
		d := cfg.Audio.Discord
		if d.Token == "" || d.GuildID == "" || d.ChannelID == "" {
			errs = append(errs, errors.New("audio.discord requires token, guild_id and channel_id"))
		}
		switch a := cfg.Audio; {
		case a.ChunkFrames != 0 && a.ChunkFrames != discord.FrameSize:
			errs = append(errs, fmt.Errorf("audio.chunk_frames %d must be %d with the discord backend", a.ChunkFrames, discord.FrameSize))
		case a.ChunkFrames == 0 && a.ChunkDuration != discord.FrameDuration:
			errs = append(errs, fmt.Errorf("audio.chunk_duration %s must be %s with the discord backend", a.ChunkDuration, discord.FrameDuration))
		}
	}

	// Engine
	if cfg.Engine.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("engine.breaker.max_failures %d must not be negative", cfg.Engine.Breaker.MaxFailures))
	}
	if cfg.Engine.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("engine.breaker.reset_timeout %s must not be negative", cfg.Engine.Breaker.ResetTimeout))
	}

	// Journal
	if cfg.Journal.Buffer < 0 {
		errs = append(errs, fmt.Errorf("journal.buffer %d must not be negative", cfg.Journal.Buffer))
	}
	if cfg.Journal.PostgresDSN == "" {
		slog.Debug("journal.postgres_dsn is empty; the session journal is kept in memory")
	}

	// Sessions
	for i, s := range cfg.Sessions {
		prefix := fmt.Sprintf("sessions[%d]", i)
		if s.Direction != audio.DirectionInput && s.Direction != audio.DirectionOutput {
			errs = append(errs, fmt.Errorf("%s.direction is required; valid values: input, output", prefix))
		}
		if s.Device == "" && s.DeviceID < 0 {
			errs = append(errs, fmt.Errorf("%s.device_id %d must not be negative", prefix, s.DeviceID))
		}
		if s.SampleRate <= 0 {
			errs = append(errs, fmt.Errorf("%s.sample_rate %d must be positive", prefix, s.SampleRate))
		}
		if s.Channels <= 0 {
			errs = append(errs, fmt.Errorf("%s.channels %d must be positive", prefix, s.Channels))
		}
		if !s.Format.IsValid() {
			errs = append(errs, fmt.Errorf("%s.format %q is invalid; valid values: int16", prefix, s.Format))
		}
		if s.ChunkFrames < 0 {
			errs = append(errs, fmt.Errorf("%s.chunk_frames %d must not be negative", prefix, s.ChunkFrames))
		}
		if cfg.Audio.Backend == "discord" {
			if s.ChunkFrames != 0 && s.ChunkFrames != discord.FrameSize {
				errs = append(errs, fmt.Errorf("%s.chunk_frames %d must be %d with the discord backend", prefix, s.ChunkFrames, discord.FrameSize))
			}
			if s.SampleRate != 48000 || s.Channels != discord.Channels {
				errs = append(errs, fmt.Errorf("%s must be 48000 Hz with %d channels with the discord backend", prefix, discord.Channels))
			}
		}
	}

	return errors.Join(errs...)
}
