package observe

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
)

// sentryFlushTimeout bounds how long shutdown and panic paths wait for queued
// events to be delivered.
const sentryFlushTimeout = 2 * time.Second

// SentryConfig configures error reporting.
type SentryConfig struct {
	// DSN is the Sentry project DSN. Empty disables reporting.
	DSN string

	// Environment tags every event (e.g. "production").
	Environment string

	// Release tags every event with the build version.
	Release string
}

// InitSentry initialises the global Sentry client. With an empty DSN it does
// nothing and returns a no-op flush. The returned function flushes pending
// events and should be deferred from main.
func InitSentry(cfg SentryConfig) (flush func(), err error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
	}); err != nil {
		return nil, err
	}
	return func() { sentry.Flush(sentryFlushTimeout) }, nil
}

// CaptureError reports err to Sentry with the given tags, the session id
// from [WithSession] and the current trace ID. It is a no-op when Sentry is not initialised.
func CaptureError(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		if id := SessionID(ctx); id != "" {
			scope.SetTag("session_id", id)
		}
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		if cid := CorrelationID(ctx); cid != "" {
			scope.SetTag("trace_id", cid)
		}
		sentry.CaptureException(err)
	})
}

// Recover returns middleware that turns a handler panic into a 500 response,
// logs it, and reports it to Sentry with the request attached.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				Logger(r.Context()).Error("handler panic",
					slog.Any("panic", rec),
					slog.String("path", r.URL.Path),
				)
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(r)
				hub.RecoverWithContext(r.Context(), rec)
				hub.Flush(sentryFlushTimeout)
				http.Error(w, `{"error":"internal","message":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
