package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// fileState identifies one version of the config file on disk.
type fileState struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// sameStat reports whether info still describes the file behind s.
func (s fileState) sameStat(info os.FileInfo) bool {
	return info.ModTime().Equal(s.modTime) && info.Size() == s.size
}

// Watcher reloads a config file when it changes and hands each valid new
// version to a callback. Edits that fail to parse or validate are logged
// and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger
	nudge    chan struct{}

	mu      sync.Mutex
	current *Config
	state   fileState
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path once and returns a watcher for it. The file must be
// valid; polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
		nudge:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, state, err := readConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.state = cfg, state
	return w, nil
}

// Current returns the newest valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Trigger asks a running watcher to re-read the file now, even if its
// timestamp did not move. Calls never block.
func (w *Watcher) Trigger() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// Run polls until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reload(false)
		case <-w.nudge:
			w.reload(true)
		}
	}
}

// reload re-reads the file if its stat changed or force is set, and fires
// the callback when the content differs from the current version.
func (w *Watcher) reload(force bool) {
	log := w.log.With("path", w.path)

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			log.Warn("config watcher: stat failed", "err", err)
			return
		}
		w.mu.Lock()
		unchanged := w.state.sameStat(info)
		w.mu.Unlock()
		if unchanged {
			return
		}
	}

	cfg, state, err := readConfigFile(w.path)
	if err != nil {
		log.Warn("config watcher: keeping previous config", "err", err)
		return
	}

	w.mu.Lock()
	if state.sum == w.state.sum {
		w.state = state
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.state = cfg, state
	w.mu.Unlock()

	log.Info("config watcher: configuration reloaded")
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// readConfigFile parses and validates path and fingerprints its content.
func readConfigFile(path string) (*Config, fileState, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{
		modTime: info.ModTime(),
		size:    info.Size(),
		sum:     sha256.Sum256(data),
	}, nil
}
