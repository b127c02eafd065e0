package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/avatalk/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  stt:
    name: whisper
    base_url: http://localhost:8081
  llm:
    name: anyllm
  tts:
    name: elevenlabs
turn:
  speech_threshold: 30
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  stt:
    name: whisper
    base_url: http://localhost:8081
  llm:
    name: anyllm
  tts:
    name: elevenlabs
turn:
  speech_threshold: 45
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

type reload struct{ old, new *config.Config }

// startWatcher writes content to a fresh config file, starts a watcher on it
// and returns the file path plus a channel of callback invocations.
func startWatcher(t *testing.T, content string, interval time.Duration) (*config.Watcher, string, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, content)

	got := make(chan reload, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		got <- reload{old, new}
	}, config.WithInterval(interval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, path, got
}

func expectNoReload(t *testing.T, got <-chan reload) {
	t.Helper()
	select {
	case r := <-got:
		t.Errorf("unexpected reload to log_level=%q", r.new.Server.LogLevel)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _, _ := startWatcher(t, watcherValidYAML, time.Hour)

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", got, config.LogInfo)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	invalid := filepath.Join(dir, "invalid.yaml")
	writeFile(t, invalid, watcherInvalidYAML)

	for name, path := range map[string]string{
		"missing": filepath.Join(dir, "missing.yaml"),
		"invalid": invalid,
	} {
		if _, err := config.NewWatcher(path, nil); err == nil {
			t.Errorf("%s: expected error, got nil", name)
		}
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	w, path, got := startWatcher(t, watcherValidYAML, 20*time.Millisecond)

	writeFile(t, path, watcherUpdatedYAML)

	var r reload
	select {
	case r = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	if r.old.Server.LogLevel != config.LogInfo || r.new.Server.LogLevel != config.LogDebug {
		t.Errorf("reload %q -> %q, want info -> debug", r.old.Server.LogLevel, r.new.Server.LogLevel)
	}
	if w.Current() != r.new {
		t.Error("Current() does not return the reloaded config")
	}
	d := config.Diff(r.old, r.new)
	if !d.LogLevelChanged || !d.SessionChanged {
		t.Errorf("Diff = %+v, want log level and session changes", d)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	w, path, got := startWatcher(t, watcherValidYAML, 20*time.Millisecond)

	writeFile(t, path, watcherInvalidYAML)
	expectNoReload(t, got)

	if lvl := w.Current().Server.LogLevel; lvl != config.LogInfo {
		t.Errorf("Current() should keep the old config, got log_level=%q", lvl)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	_, path, got := startWatcher(t, watcherValidYAML, 20*time.Millisecond)

	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	expectNoReload(t, got)
}

func TestWatcher_TriggerReloadsImmediately(t *testing.T) {
	t.Parallel()
	// The poll interval is long enough that only Trigger can cause a reload.
	w, path, got := startWatcher(t, watcherValidYAML, time.Hour)

	writeFile(t, path, watcherUpdatedYAML)
	w.Trigger()
	w.Trigger()

	select {
	case r := <-got:
		if r.new.Turn.SpeechThreshold != 45 {
			t.Errorf("speech_threshold = %d, want 45", r.new.Turn.SpeechThreshold)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Trigger did not reload the file")
	}
	expectNoReload(t, got)
}
