package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/orchestra/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
audio:
  backend: virtual
engine:
  name: tone
`

const watcherUpdatedYAML = `
server:
  log_level: debug
audio:
  backend: virtual
engine:
  name: loopback
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// writeFile writes content and pushes the mtime forward so coarse
// filesystem timestamps still register the change.
func writeFile(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%q) error: %v", path, err)
	}
	if bump > 0 {
		at := time.Now().Add(bump)
		if err := os.Chtimes(path, at, at); err != nil {
			t.Fatalf("Chtimes(%q) error: %v", path, err)
		}
	}
}

// recorder collects watcher callbacks.
type recorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
	fired chan struct{}
}

func newRecorder() *recorder { return &recorder{fired: make(chan struct{}, 8)} }

func (r *recorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func startWatcher(t *testing.T, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	writeFile(t, path, content, 0)
	w, err := config.NewWatcher(path, onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("ListenAddr = %q, want default %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := startWatcher(t, watcherValidYAML, rec.onChange)

	writeFile(t, path, watcherUpdatedYAML, 2*time.Second)

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called")
	}

	rec.mu.Lock()
	old, new := rec.calls[0][0], rec.calls[0][1]
	rec.mu.Unlock()

	if old.Server.LogLevel != config.LogInfo || new.Server.LogLevel != config.LogDebug {
		t.Errorf("onChange(old=%q, new=%q), want info then debug", old.Server.LogLevel, new.Server.LogLevel)
	}
	d := config.Diff(old, new)
	if !d.LogLevelChanged || len(d.RestartRequired) != 1 || d.RestartRequired[0] != "engine" {
		t.Errorf("Diff() = %+v, want live log level and engine restart", d)
	}
	if got := w.Current().Engine.Name; got != "loopback" {
		t.Errorf("Current().Engine.Name = %q, want loopback", got)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	w, path := startWatcher(t, watcherValidYAML, rec.onChange)

	writeFile(t, path, watcherInvalidYAML, 2*time.Second)
	time.Sleep(200 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("onChange called %d times for an invalid file, want 0", n)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current().LogLevel = %q, want the previous %q", got, config.LogInfo)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	_, path := startWatcher(t, watcherValidYAML, rec.onChange)

	at := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("Chtimes() error: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("onChange called %d times for a touch, want 0", n)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/orchestra.yaml", nil); err == nil {
		t.Fatal("NewWatcher() error = nil, want error for a missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, nil)
	w.Stop()
	w.Stop()
}
