package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestExecuteWithResult_Order(t *testing.T) {
	tests := []struct {
		name    string
		failing map[int]bool
		want    string
		wantErr bool
		tried   []int
	}{
		{name: "primary answers", want: "from-10", tried: []int{10}},
		{name: "failover to second", failing: map[int]bool{10: true}, want: "from-20", tried: []int{10, 20}},
		{name: "skips to last", failing: map[int]bool{10: true, 20: true}, want: "from-30", tried: []int{10, 20, 30}},
		{name: "all fail", failing: map[int]bool{10: true, 20: true, 30: true}, wantErr: true, tried: []int{10, 20, 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fg := NewFallbackGroup(10, "ten", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})
			fg.AddFallback("twenty", 20)
			fg.AddFallback("thirty", 30)

			var tried []int
			got, err := ExecuteWithResult(context.Background(), fg, func(v int) (string, error) {
				tried = append(tried, v)
				if tt.failing[v] {
					return "", errTest
				}
				return fmt.Sprintf("from-%d", v), nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping the last backend error", err)
				}
			} else if err != nil || got != tt.want {
				t.Fatalf("got %q, %v; want %q", got, err, tt.want)
			}
			if fmt.Sprint(tried) != fmt.Sprint(tt.tried) {
				t.Errorf("tried %v, want %v", tried, tt.tried)
			}
		})
	}
}

func TestFallbackGroup_OpenBreakerIsSkipped(t *testing.T) {
	ctx := context.Background()
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")

	failPrimary := func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	}
	for range 2 {
		if err := fg.Execute(ctx, failPrimary); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	var called []string
	if err := fg.Execute(ctx, func(v string) error {
		called = append(called, v)
		return nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want only secondary while the primary circuit is open", called)
	}
}

func TestFallbackGroup_LogsFailover(t *testing.T) {
	var buf bytes.Buffer
	fg := NewFallbackGroup("a", "deepgram", FallbackConfig{
		Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	fg.AddFallback("whisper", "b")

	_ = fg.Execute(context.Background(), func(v string) error {
		if v == "a" {
			return errTest
		}
		return nil
	})

	out := buf.String()
	for _, want := range []string{"provider=deepgram next=whisper", "fallback provider served request", "position=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
	if got := strings.Join(fg.Names(), ","); got != "deepgram,whisper" {
		t.Errorf("Names = %s", got)
	}
}

func TestExecuteWithResult_SingleEntryKeepsError(t *testing.T) {
	ctx := context.Background()
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})

	_, err := ExecuteWithResult(ctx, fg, func(int) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, errTest) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want errTest unwrapped", err)
	}
}

func TestExecuteWithResult_StopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	var tried []int
	_, err := ExecuteWithResult(ctx, fg, func(v int) (string, error) {
		tried = append(tried, v)
		cancel()
		return "", context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(tried) != 1 {
		t.Fatalf("tried %v, want only the primary", tried)
	}
}

func TestFallbackGroup_StatesAndAvailable(t *testing.T) {
	ctx := context.Background()
	fg := NewFallbackGroup("a", "a", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("b", "b")

	if !fg.Available() {
		t.Fatal("fresh group should be available")
	}
	_ = fg.Execute(ctx, func(string) error { return errTest })

	states := fg.States()
	if states["a"] != StateOpen || states["b"] != StateOpen {
		t.Fatalf("states = %v, want both open", states)
	}
	if fg.Available() {
		t.Error("group with every breaker open should not be available")
	}
	if fg.Primary() != "a" {
		t.Errorf("Primary = %q", fg.Primary())
	}
}
