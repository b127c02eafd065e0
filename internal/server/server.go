// Package server exposes the avatar backend over HTTP: session bootstrap,
// one-shot speech turns, the live websocket session, health probes and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/avatalk/internal/health"
	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/pipeline"
	"github.com/MrWong99/avatalk/internal/session"
)

// DefaultMaxUpload caps a /speech upload.
const DefaultMaxUpload = 32 << 20

// Speech runs one full turn on an uploaded utterance.
type Speech interface {
	HandleUtterance(ctx context.Context, sessionID string, utterance []byte) (*pipeline.ConversationTurn, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithAuth sets the token issuer. Defaults to a disabled [Auth].
func WithAuth(a *Auth) Option {
	return func(s *Server) { s.auth = a }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowedOrigins sets the websocket origin patterns. "*" allows any
// origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithCheckers adds readiness checks served on /readyz.
func WithCheckers(c ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, c...) }
}

// WithMaxUpload caps the size of a /speech request body.
func WithMaxUpload(n int64) Option {
	return func(s *Server) { s.maxUpload = n }
}

// Server routes HTTP requests to sessions and the speech pipeline.
type Server struct {
	sessions  *session.Manager
	speech    Speech
	auth      *Auth
	log       *slog.Logger
	metrics   *observe.Metrics
	origins   []string
	checkers  []health.Checker
	maxUpload int64

	handler http.Handler
}

// New creates a Server.
func New(sessions *session.Manager, speech Speech, opts ...Option) *Server {
	s := &Server{
		sessions:  sessions,
		speech:    speech,
		maxUpload: DefaultMaxUpload,
	}
	for _, o := range opts {
		o(s)
	}
	if s.auth == nil {
		s.auth = NewAuth("", 0)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /create-session", s.handleCreateSession)
	mux.HandleFunc("POST /speech", s.handleSpeech)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(s.checkers...).Register(mux)

	s.handler = observe.Recover(observe.Middleware(s.metrics)(mux))
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := session.NewID()
	token, expiresAt, err := s.auth.Issue(id)
	if err != nil {
		observe.Logger(r.Context()).Error("create session failed", "err", err)
		writeError(w, http.StatusInternalServerError, pipeline.FailurePayload{Error: pipeline.CodeInternal, Message: "could not issue token"})
		return
	}
	observe.Logger(r.Context()).Info("session created", "session_id", id)
	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: id, Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, badRequest("invalid multipart body"))
		return
	}

	sessionID, ok := s.speechSession(w, r)
	if !ok {
		return
	}

	f, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, badRequest("missing audio field"))
		return
	}
	defer f.Close()
	utterance, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, badRequest("unreadable audio field"))
		return
	}

	turn, err := s.speech.HandleUtterance(r.Context(), sessionID, utterance)
	if err != nil {
		failure := pipeline.Failure(err)
		status := statusFor(failure.Error)
		observe.Logger(r.Context()).Info("speech turn rejected", "session_id", sessionID, "status", status, "error", failure.Error)
		writeError(w, status, failure)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("X-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(turn.Audio)
}

// speechSession resolves the session of a /speech request. With auth
// enabled the token subject is authoritative.
func (s *Server) speechSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !s.auth.Enabled() {
		if id := r.FormValue("session_id"); id != "" {
			return id, true
		}
		return session.NewID(), true
	}

	id, err := s.auth.Verify(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, pipeline.FailurePayload{Error: "unauthorized", Message: "missing or invalid session token"})
		return "", false
	}
	if form := r.FormValue("session_id"); form != "" && form != id {
		writeError(w, http.StatusUnauthorized, pipeline.FailurePayload{Error: "unauthorized", Message: "session_id does not match token"})
		return "", false
	}
	return id, true
}

// statusFor maps a failure code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case pipeline.CodeSegmentTooSmall, codeBadRequest:
		return http.StatusBadRequest
	case pipeline.CodeBusy:
		return http.StatusConflict
	case pipeline.CodeTranscription, pipeline.CodeGeneration, pipeline.CodeSynthesis:
		return http.StatusBadGateway
	case pipeline.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

const codeBadRequest = "bad_request"

func badRequest(msg string) pipeline.FailurePayload {
	return pipeline.FailurePayload{Error: codeBadRequest, Message: msg}
}

func writeError(w http.ResponseWriter, status int, f pipeline.FailurePayload) {
	writeJSON(w, status, f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal","message":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// isClosed reports whether err means the peer went away.
func isClosed(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, io.EOF)
}
