// Package health serves the liveness (/healthz) and readiness (/readyz)
// probes. Both answer a JSON [Report]; readiness fails with 503 while any
// [Checker] does.
package health

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/sync/errgroup"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name is the key of this check in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Capacity reports not ready once count reaches limit. A limit of zero or
// below means unlimited.
func Capacity(name string, count, limit func() int) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			n, max := count(), limit()
			if max > 0 && n >= max {
				return fmt.Errorf("%d of %d in use", n, max)
			}
			return nil
		},
	}
}

// Available reports not ready when any of the named probes returns false.
// The probes typically wrap a circuit breaker group.
func Available(name string, probes map[string]func() bool) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			var down []string
			for n, up := range probes {
				if !up() {
					down = append(down, n)
				}
			}
			if len(down) == 0 {
				return nil
			}
			slices.Sort(down)
			return fmt.Errorf("unavailable: %s", strings.Join(down, ", "))
		},
	}
}

// Report is the JSON body of both probes.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Status == "ok" }

// Handler serves /healthz and /readyz over a fixed checker list.
type Handler struct {
	checkers []Checker
}

// New returns a [Handler] for checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Check runs every checker concurrently, each under its own [checkTimeout],
// and collects the results.
func (h *Handler) Check(ctx context.Context) Report {
	var mu sync.Mutex
	rep := Report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			outcome := "ok"
			err := c.Check(cctx)
			if err != nil {
				outcome = "fail: " + err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = outcome
			if err != nil {
				rep.Status = "fail"
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Healthz is the liveness probe; it always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: "ok"})
}

// Readyz answers 200 when [Handler.Check] passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Check(r.Context())
	status := http.StatusOK
	if !rep.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, rep Report) {
	body, err := sonic.Marshal(rep)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
