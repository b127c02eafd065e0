package energy_test

import (
	"testing"
	"time"

	"github.com/MrWong99/avatalk/pkg/provider/vad"
	"github.com/MrWong99/avatalk/pkg/provider/vad/energy"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// at returns the timestamp of sample i on a 100 ms polling cadence.
func at(i int) time.Time { return t0.Add(time.Duration(i) * 100 * time.Millisecond) }

func newSession(t *testing.T, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	s, err := energy.New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestObserve_PollingScenario(t *testing.T) {
	t.Parallel()

	levels := []uint8{5, 5, 40, 45, 50, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5}
	// Keep polling silence long enough for the delay to elapse.
	for len(levels) < 25 {
		levels = append(levels, 5)
	}

	s := newSession(t, vad.Config{SpeechThreshold: 30, SilenceDelay: 1500 * time.Millisecond})

	start, end := -1, -1
	var seg vad.Event
	for i, lvl := range levels {
		ev := s.Observe(lvl, at(i))
		switch ev.Type {
		case vad.EventSpeechStart:
			if start != -1 {
				t.Fatalf("second speech start at %d", i)
			}
			start = i
		case vad.EventSpeechEnd:
			if end != -1 {
				t.Fatalf("second speech end at %d", i)
			}
			end = i
			seg = ev
		}
	}

	if start != 2 {
		t.Errorf("speech start at index %d, want 2", start)
	}
	// The first quiet sample (index 5) arms the deadline; 1.5 s later is index 20.
	if end != 20 {
		t.Errorf("speech end at index %d, want 20", end)
	}
	if !seg.StartedAt.Equal(at(2)) {
		t.Errorf("segment StartedAt = %v, want %v", seg.StartedAt, at(2))
	}
	if got := seg.At.Sub(at(4)); got < 1500*time.Millisecond {
		t.Errorf("segment ended %v after last loud sample, want >= 1.5s", got)
	}
}

func TestObserve_BelowThresholdNeverStarts(t *testing.T) {
	t.Parallel()

	s := newSession(t, vad.Config{SpeechThreshold: 30, SilenceDelay: time.Second})
	for i := range 500 {
		// Includes the threshold itself: only strictly greater counts as speech.
		lvl := uint8(i % 31)
		if ev := s.Observe(lvl, at(i)); ev.Type != vad.EventSilence {
			t.Fatalf("sample %d (level %d): got %v, want silence", i, lvl, ev.Type)
		}
	}
	if s.Speaking() {
		t.Error("Speaking() = true after sub-threshold input")
	}
}

func TestObserve_LoudSampleCancelsDeadline(t *testing.T) {
	t.Parallel()

	s := newSession(t, vad.Config{SpeechThreshold: 30, SilenceDelay: 500 * time.Millisecond})
	seq := []uint8{40, 5, 5, 5, 5, 40, 5, 5, 5, 5, 5, 5}
	endAt := -1
	for i, lvl := range seq {
		if ev := s.Observe(lvl, at(i)); ev.Type == vad.EventSpeechEnd {
			endAt = i
			break
		}
	}
	// Deadline armed at 1 (→ 6) is cancelled by the loud sample at 5, re-armed
	// at 6 (→ 11).
	if endAt != 11 {
		t.Errorf("speech end at %d, want 11", endAt)
	}
}

func TestObserve_SingleDeadline(t *testing.T) {
	t.Parallel()

	s := newSession(t, vad.Config{SpeechThreshold: 30, SilenceDelay: time.Second})
	es := s.(*energy.Session)

	s.Observe(90, at(0))
	s.Observe(1, at(1))
	first := es.Deadline()
	for i := 2; i < 5; i++ {
		s.Observe(1, at(i))
		if !es.Deadline().Equal(first) {
			t.Fatalf("quiet sample %d moved deadline from %v to %v", i, first, es.Deadline())
		}
	}
	s.Observe(90, at(5))
	if !es.Deadline().IsZero() {
		t.Errorf("loud sample left deadline %v pending", es.Deadline())
	}
}

func TestBeginAndReset(t *testing.T) {
	t.Parallel()

	s := newSession(t, vad.Config{SpeechThreshold: 30, SilenceDelay: 200 * time.Millisecond})
	s.Begin(at(0))
	if !s.Speaking() {
		t.Fatal("Speaking() = false after Begin")
	}
	if ev := s.Observe(80, at(1)); ev.Type != vad.EventSpeechContinue {
		t.Errorf("after Begin: got %v, want speech_continue", ev.Type)
	}
	s.Observe(0, at(2))
	if ev := s.Observe(0, at(4)); ev.Type != vad.EventSpeechEnd {
		t.Errorf("got %v, want speech_end", ev.Type)
	}

	s.Begin(at(10))
	s.Reset()
	if s.Speaking() {
		t.Error("Speaking() = true after Reset")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if ev := s.Observe(200, at(11)); ev.Type != vad.EventSilence {
		t.Errorf("after Close: got %v, want silence", ev.Type)
	}
}

func TestNewSession_Config(t *testing.T) {
	t.Parallel()

	e := energy.New()
	if _, err := e.NewSession(vad.Config{}); err != nil {
		t.Errorf("defaults: %v", err)
	}
	if _, err := e.NewSession(vad.Config{SilenceDelay: -time.Second}); err == nil {
		t.Error("negative delay: expected error")
	}
	if _, err := e.NewSession(vad.Config{SpeechThreshold: 255}); err == nil {
		t.Error("threshold 255: expected error")
	}
}
