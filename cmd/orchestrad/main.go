// Command orchestrad is the orchestra audio session daemon. It binds one
// audio engine, exposes the devices of one backend and serves the session
// registry over HTTP, WebSocket and MCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/orchestra/internal/api"
	"github.com/MrWong99/orchestra/internal/config"
	"github.com/MrWong99/orchestra/internal/engine"
	"github.com/MrWong99/orchestra/internal/health"
	"github.com/MrWong99/orchestra/internal/journal"
	"github.com/MrWong99/orchestra/internal/journal/postgres"
	"github.com/MrWong99/orchestra/internal/mcpserver"
	"github.com/MrWong99/orchestra/internal/observe"
	"github.com/MrWong99/orchestra/internal/registry"
	"github.com/MrWong99/orchestra/internal/resilience"
	"github.com/MrWong99/orchestra/pkg/audio"
	"github.com/MrWong99/orchestra/pkg/audio/discord"
	"github.com/MrWong99/orchestra/pkg/audio/portaudio"
	"github.com/MrWong99/orchestra/pkg/audio/virtual"
	"github.com/MrWong99/orchestra/pkg/audio/wavfile"

	// Built-in engines register themselves with engine.Register.
	_ "github.com/MrWong99/orchestra/internal/engine/loopback"
	_ "github.com/MrWong99/orchestra/internal/engine/tone"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the graceful shutdown of every component.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (built-in defaults when empty)")
	listenAddr := flag.String("listen", "", "override server.listen_addr")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "orchestrad: config file %q not found\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "orchestrad: %v\n", err)
			}
			return 1
		}
		cfg = loaded
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("orchestrad starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	prov, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := prov.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(prov.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Device backend ────────────────────────────────────────────────────────
	factories := config.NewRegistry()
	registerBuiltinBackends(factories)

	backend, err := factories.CreateBackend(cfg.Audio)
	if err != nil {
		slog.Error("failed to create audio backend", "backend", cfg.Audio.Backend, "available", factories.Backends(), "err", err)
		return 1
	}
	if c, ok := backend.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				slog.Warn("audio backend close failed", "err", err)
			}
		}()
	}
	slog.Info("audio backend ready", "backend", backend.Name(), "devices", len(backend.Devices()))

	// ── Engine ────────────────────────────────────────────────────────────────
	eng, err := factories.CreateEngine(cfg.Engine)
	if err != nil {
		var be *engine.BindError
		if errors.As(err, &be) {
			slog.Error("no engine bound", "engine", be.Name, "available", engine.Names(), "err", err)
		} else {
			slog.Error("failed to create engine", "engine", cfg.Engine.Name, "err", err)
		}
		return 1
	}
	gw, err := engine.NewGateway(eng,
		engine.WithMetrics(metrics),
		engine.WithBreaker(resilience.Config{
			Name:         "engine/" + cfg.Engine.Name,
			MaxFailures:  cfg.Engine.Breaker.MaxFailures,
			ResetTimeout: cfg.Engine.Breaker.ResetTimeout,
		}),
	)
	if err != nil {
		slog.Error("failed to create engine gateway", "err", err)
		return 1
	}

	// ── Journal ───────────────────────────────────────────────────────────────
	store, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		slog.Error("failed to open journal", "err", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("journal close failed", "err", err)
		}
	}()
	recorder := journal.NewRecorder(store, cfg.Journal.Buffer)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := recorder.Close(sctx); err != nil {
			slog.Warn("journal flush incomplete", "err", err, "dropped", recorder.Dropped())
		}
	}()

	// ── Session registry ──────────────────────────────────────────────────────
	reg, err := registry.New(registry.Config{
		Backend:       backend,
		Gateway:       gw,
		Metrics:       metrics,
		Journal:       recorder,
		ChunkFrames:   cfg.Audio.ChunkFrames,
		ChunkDuration: cfg.Audio.ChunkDuration,
	})
	if err != nil {
		slog.Error("failed to create session registry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := reg.Shutdown(sctx); err != nil {
			slog.Warn("session shutdown failed", "err", err)
		}
	}()

	autostart(ctx, reg, cfg.Sessions)

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	api.New(api.Config{Registry: reg, Journal: store}).Register(mux)
	health.New(
		health.EngineBound(func() bool { return gw.BreakerState() != resilience.StateOpen }),
		health.BackendDevices(backend),
		health.StorePing(store),
	).Register(mux)
	mux.Handle("GET /metrics", prov.MetricsHandler())
	if cfg.MCP.Enabled {
		mux.Handle("/mcp", mcpserver.New(reg, version).Handler())
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(&level, config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready", "addr", srv.Addr, "tls", cfg.Server.TLS != nil, "mcp", cfg.MCP.Enabled)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		hostSignals(gctx, registry.NewLifecycle(reg))
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("shutting down")
	return 0
}

// ── Backends ──────────────────────────────────────────────────────────────────

// registerBuiltinBackends wires every compiled-in device backend into reg.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend("virtual", func(cfg config.AudioConfig) (audio.Backend, error) {
		var opts []virtual.Option
		if cfg.Virtual.Unpaced {
			opts = append(opts, virtual.WithoutPacing())
		}
		return virtual.New(opts...), nil
	})
	reg.RegisterBackend("wavfile", func(cfg config.AudioConfig) (audio.Backend, error) {
		return wavfile.New(cfg.WAVFile)
	})
	reg.RegisterBackend("portaudio", func(cfg config.AudioConfig) (audio.Backend, error) {
		return portaudio.New(cfg.PortAudio)
	})
	reg.RegisterBackend("discord", func(cfg config.AudioConfig) (audio.Backend, error) {
		return discord.Dial(cfg.Discord)
	})
}

// ── Journal ───────────────────────────────────────────────────────────────────

// openJournal returns the PostgreSQL journal with an in-memory fallback when
// a DSN is configured, and a plain in-memory journal otherwise.
func openJournal(ctx context.Context, cfg config.JournalConfig) (journal.Store, error) {
	if cfg.PostgresDSN == "" {
		return journal.NewMemStore(), nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	pg := postgres.New(pool)
	if err := pg.Migrate(ctx); err != nil {
		// Keep going on the memory store; the breaker re-probes postgres.
		slog.Warn("journal: postgres unavailable, starting on memory", "err", err)
	}
	fs := journal.NewFallbackStore(closerStore{Store: pg, close: pool.Close}, "postgres", resilience.Config{})
	fs.AddFallback("memory", journal.NewMemStore())
	slog.Info("journal: postgres enabled")
	return fs, nil
}

// closerStore closes the pool it was built on.
type closerStore struct {
	journal.Store
	close func()
}

func (s closerStore) Close() error {
	err := s.Store.Close()
	s.close()
	return err
}

// ── Sessions ──────────────────────────────────────────────────────────────────

// autostart opens the sessions listed in the configuration. Failures are
// logged; they never stop the daemon.
func autostart(ctx context.Context, reg *registry.Registry, sessions []config.SessionConfig) {
	for i, sc := range sessions {
		log := slog.With("session", i, "direction", sc.Direction.String())
		deviceID := sc.DeviceID
		if sc.Device != "" {
			d, ok := reg.FindDevice(sc.Device, sc.Direction)
			if !ok {
				log.Warn("autostart: no matching device", "device", sc.Device)
				continue
			}
			deviceID = d.ID
		}
		id, err := reg.Open(ctx, sc.Direction, sc.StreamConfig(deviceID))
		if err != nil {
			log.Warn("autostart: open failed", "device_id", deviceID, "err", err)
			continue
		}
		log = log.With("session_id", int(id))
		if sc.Autostart {
			if err := reg.Start(id); err != nil {
				log.Warn("autostart: start failed", "err", err)
				continue
			}
		}
		log.Info("autostart: session opened", "device_id", deviceID, "started", sc.Autostart)
	}
}

// hostSignals maps SIGUSR1 and SIGUSR2 to host pause and resume until ctx is
// done.
func hostSignals(ctx context.Context, life *registry.Lifecycle) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			ev := registry.HostPause
			if sig == syscall.SIGUSR2 {
				ev = registry.HostResume
			}
			if err := life.Handle(ctx, ev); err != nil {
				slog.Error("host event failed", "event", string(ev), "err", err)
				continue
			}
			slog.Info("host event delivered", "event", string(ev))
		}
	}
}

// ── Logging ───────────────────────────────────────────────────────────────────

// applyReload applies the live parts of a config change and warns about the
// rest.
func applyReload(level *slog.LevelVar, d config.ConfigDiff) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("config reloaded: log level changed", "log_level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changed; restart to apply", "sections", d.RestartRequired)
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
