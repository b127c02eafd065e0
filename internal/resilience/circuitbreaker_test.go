package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// fakeClock lets tests move time past the reset timeout without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(cfg)
	cb.now = clk.Now
	return cb, clk
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "whisper"})
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = %+v, want 5 failures, 30s reset, 3 probes", cb.cfg)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
	if cb.Name() != "whisper" {
		t.Errorf("Name = %q", cb.Name())
	}
}

// TestCircuitBreaker_Transitions drives a breaker with MaxFailures 2,
// HalfOpenMax 2 and a one minute reset window. Steps are "ok", "fail" or
// "wait" (advance past the window).
func TestCircuitBreaker_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		steps   []string
		want    State
		lastErr error
	}{
		{"closed passes calls", []string{"ok"}, StateClosed, nil},
		{"failures below limit", []string{"fail"}, StateClosed, errTest},
		{"opens at limit", []string{"fail", "fail"}, StateOpen, errTest},
		{"open rejects", []string{"fail", "fail", "ok"}, StateOpen, ErrCircuitOpen},
		{"success resets count", []string{"fail", "ok", "fail"}, StateClosed, errTest},
		{"half-open after window", []string{"fail", "fail", "wait"}, StateHalfOpen, nil},
		{"one probe is not enough", []string{"fail", "fail", "wait", "ok"}, StateHalfOpen, nil},
		{"probes close", []string{"fail", "fail", "wait", "ok", "ok"}, StateClosed, nil},
		{"failed probe reopens", []string{"fail", "fail", "wait", "ok", "fail"}, StateOpen, errTest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clk := newTestBreaker(CircuitBreakerConfig{
				Name:         "llm",
				MaxFailures:  2,
				ResetTimeout: time.Minute,
				HalfOpenMax:  2,
			})
			var err error
			for _, step := range tt.steps {
				switch step {
				case "wait":
					clk.Advance(time.Minute)
					err = nil
				case "ok":
					err = cb.Execute(func() error { return nil })
				case "fail":
					err = cb.Execute(func() error { return errTest })
				}
			}
			if !errors.Is(err, tt.lastErr) {
				t.Errorf("last err = %v, want %v", err, tt.lastErr)
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_ContextErrorsDoNotCount(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 2})

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return context.DeadlineExceeded })
		_ = cb.Execute(func() error { return fmt.Errorf("stt: %w", context.Canceled) })
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed: caller timeouts are not backend failures", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		HalfOpenMax:  1,
	})
	_ = cb.Execute(func() error { return errTest })
	clk.Advance(time.Minute)

	// Hold the only probe slot open while a second caller arrives.
	release := make(chan struct{})
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb, clk := newTestBreaker(CircuitBreakerConfig{
		Name:         "tts",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		HalfOpenMax:  1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(func() error { return errTest })
	clk.Advance(time.Second)
	_ = cb.Execute(func() error { return nil })

	want := []string{"tts:closed->open", "tts:open->half-open", "tts:half-open->closed"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 2})

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after Reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
