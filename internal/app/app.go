// Package app wires the avatar backend into a running application.
//
// The App struct owns the full lifecycle: New connects the pipeline, session
// manager and HTTP server, Run serves until the context ends, and Shutdown
// tears everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatalk/internal/config"
	"github.com/MrWong99/avatalk/internal/health"
	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/pipeline"
	"github.com/MrWong99/avatalk/internal/server"
	"github.com/MrWong99/avatalk/internal/session"
	"github.com/MrWong99/avatalk/internal/turn"
	"github.com/MrWong99/avatalk/internal/viseme"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
	"github.com/MrWong99/avatalk/pkg/provider/vad"
)

// shutdownGrace bounds how long in-flight HTTP requests may take once Run's
// context ends.
const shutdownGrace = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	log        *slog.Logger
	level      *slog.LevelVar
	metrics    *observe.Metrics
	configPath string
	listener   net.Listener

	pipeline *pipeline.Orchestrator
	sessions *session.Manager
	server   *server.Server
	http     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets config reloads change the log level of the handler
// that owns lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigPath enables live reload from the config file at path.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener serves on l instead of listening on the configured address.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires the pipeline, session manager and HTTP server from cfg and
// providers. providers usually comes from [BuildProviders].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if providers == nil || providers.STT == nil || providers.LLM == nil || providers.TTS == nil || providers.VAD == nil {
		return nil, errors.New("app: stt, llm, tts and vad providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Pipeline ──────────────────────────────────────────────────────
	p := cfg.Pipeline
	a.pipeline = pipeline.New(providers.STT, providers.LLM, providers.TTS,
		pipeline.WithSystemPrompt(p.SystemPrompt),
		pipeline.WithMaxTokens(p.MaxTokens),
		pipeline.WithTemperature(p.Temperature),
		pipeline.WithVoice(voiceProfile(p.Voice)),
		pipeline.WithLanguage(cfg.Providers.STT.Language),
		pipeline.WithMinSegmentBytes(cfg.Turn.MinSegmentBytes),
		pipeline.WithTimeout(p.Timeout),
		pipeline.WithProviderNames(providers.Names),
		pipeline.WithLogger(a.log),
		pipeline.WithMetrics(a.metrics),
	)

	// ── 2. Sessions ──────────────────────────────────────────────────────
	a.sessions = session.NewManager(providers.VAD, a.pipeline, SessionConfig(cfg),
		session.WithMaxSessions(cfg.Server.MaxSessions),
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func() error {
		a.sessions.CloseAll()
		return nil
	})

	// ── 3. HTTP surface ──────────────────────────────────────────────────
	a.server = server.New(a.sessions, a.pipeline,
		server.WithAuth(server.NewAuth(cfg.Auth.SigningKey, cfg.Auth.TokenTTL)),
		server.WithLogger(a.log),
		server.WithMetrics(a.metrics),
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		server.WithCheckers(
			health.Capacity("sessions", a.sessions.Count, a.sessions.Max),
			health.Available("providers", providers.Available()),
		),
	)
	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	a.log.Info("app initialised",
		"listen_addr", cfg.Server.ListenAddr,
		"stt", providers.Names.STT,
		"llm", providers.Names.LLM,
		"tts", providers.Names.TTS,
		"max_sessions", cfg.Server.MaxSessions,
		"auth", cfg.Auth.SigningKey != "",
	)
	return a, nil
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.server }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. When a config
// path was given it also watches the file and applies live-reloadable
// changes. Run returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	var watcher *config.Watcher
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithWatcherLogger(a.log))
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		watcher = w
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		a.log.Info("http server listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)
		err := a.serve()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := a.http.Shutdown(sctx); err != nil {
			a.log.Warn("http shutdown", "err", err)
		}
		return nil
	})
	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
		g.Go(func() error {
			reloadOnHangup(gctx, watcher)
			return nil
		})
	}
	return g.Wait()
}

// reloadOnHangup re-reads the config file on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			w.Trigger()
		}
	}
}

func (a *App) serve() error {
	tls := a.cfg.Server.TLS
	switch {
	case a.listener != nil && tls != nil:
		return a.http.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
	case a.listener != nil:
		return a.http.Serve(a.listener)
	case tls != nil:
		return a.http.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	default:
		return a.http.ListenAndServe()
	}
}

// applyConfig is the watcher callback. Session tunables apply to sessions
// opened afterwards; sections that need a restart are only reported.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.sessions.SetConfig(SessionConfig(new))
		a.log.Info("session config reloaded")
	}
	if d.MaxSessionsChanged {
		a.sessions.SetMaxSessions(d.NewMaxSessions)
		a.log.Info("max sessions changed", "max_sessions", d.NewMaxSessions)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every session and runs the remaining closers. If ctx
// expires before all closers finish, the rest are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.Count(), "closers", len(a.closers))

		if err := a.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("http shutdown", "err", err)
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SessionConfig maps the turn, capture and viseme sections onto a
// [session.Config]. Validation has already bounded the 0–255 levels.
func SessionConfig(cfg *config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.Turn = turn.Config{
		PollInterval:     cfg.Turn.PollInterval,
		BargeInThreshold: uint8(cfg.Turn.BargeInThreshold),
		MinSegmentBytes:  cfg.Turn.MinSegmentBytes,
		PipelineTimeout:  cfg.Pipeline.Timeout,
	}
	sc.VAD = vad.Config{
		SpeechThreshold: uint8(cfg.Turn.SpeechThreshold),
		SilenceDelay:    cfg.Turn.SilenceDelay,
	}
	sc.Viseme = viseme.Config{
		Alpha:            cfg.Viseme.Alpha,
		SilenceThreshold: cfg.Viseme.SilenceThreshold,
		MinFrames:        cfg.Viseme.MinFrames,
		Gain:             cfg.Viseme.Gain,
	}
	sc.SampleRate = cfg.Capture.SampleRate
	sc.Window = cfg.Capture.Window
	sc.FrameInterval = cfg.Viseme.FrameInterval
	sc.MeshFilter = append([]string(nil), cfg.Viseme.MeshFilter...)
	sc.MaxRecording = cfg.Turn.MaxRecording
	return sc
}

// SlogLevel converts a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
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

func voiceProfile(v config.VoiceConfig) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:              v.ID,
		Stability:       v.Stability,
		SimilarityBoost: v.Similarity,
	}
}
