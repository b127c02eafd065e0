package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/turn"
	"github.com/MrWong99/avatalk/pkg/provider/vad"
)

// Sentinel errors returned by [Manager].
var (
	ErrLimit    = errors.New("session: session limit reached")
	ErrExists   = errors.New("session: session already open")
	ErrNotFound = errors.New("session: no such session")
)

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithMaxSessions caps the number of concurrently open sessions. Zero means
// no cap.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) { m.max = n }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(mt *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// Manager owns the open sessions of the process.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	engine  vad.Engine
	pipe    turn.Pipeline
	log     *slog.Logger
	metrics *observe.Metrics
	max     int

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
}

// NewManager creates a Manager. Every session shares pipe and gets its own
// VAD session from engine.
func NewManager(engine vad.Engine, pipe turn.Pipeline, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		engine:   engine,
		pipe:     pipe,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// NewID returns a fresh session id.
func NewID() string { return uuid.NewString() }

// SetConfig replaces the tunables used for sessions opened from now on.
// Open sessions keep their snapshot.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Config returns the tunables new sessions get.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetMaxSessions changes the session cap. Open sessions above a lowered cap
// are not closed.
func (m *Manager) SetMaxSessions(n int) {
	m.mu.Lock()
	m.max = n
	m.mu.Unlock()
}

// Open starts a live session with the given id, capture encoding and sink.
// Errors are [ErrLimit], [ErrExists] or an *audio.CaptureError for an
// unusable encoding.
func (m *Manager) Open(ctx context.Context, id, encoding string, sink Sink) (*Session, error) {
	if id == "" {
		return nil, errors.New("session: empty id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return nil, ErrExists
	}
	if m.max > 0 && len(m.sessions) >= m.max {
		return nil, fmt.Errorf("%w (%d)", ErrLimit, m.max)
	}

	s, err := newSession(id, encoding, m.cfg, m.engine, m.pipe, sink, m.log, []turn.Option{turn.WithMetrics(m.metrics)})
	if err != nil {
		return nil, err
	}
	m.sessions[id] = s
	m.metrics.ActiveSessions.Add(ctx, 1)

	s.run(func() {
		m.mu.Lock()
		if m.sessions[id] == s {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	})

	m.log.Info("session opened", "session_id", id, "encoding", s.Encoding(), "sessions", len(m.sessions))
	return s, nil
}

// Get returns the open session with id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close stops the session with id and waits until it has shut down.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.close()
	m.log.Info("session closed", "session_id", id)
	return nil
}

// Count returns the number of open sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Max returns the session cap, or zero for none.
func (m *Manager) Max() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.max
}

// CloseAll stops every open session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.close()
		}()
	}
	wg.Wait()
}
