// Package energy implements a loudness-threshold VAD.
//
// A sample above the speech threshold opens a segment. While a segment is open,
// the first sample at or below the threshold arms a single silence deadline;
// any louder sample disarms it. The first sample observed at or after the
// deadline closes the segment. One pending deadline exists at most, so a burst
// of quiet samples never stacks timers.
package energy

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/avatalk/pkg/provider/vad"
)

// Defaults used when a Config leaves a field zero.
const (
	DefaultSpeechThreshold uint8 = 30
	DefaultSilenceDelay          = 1500 * time.Millisecond
)

// Engine creates energy VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = DefaultSpeechThreshold
	}
	if cfg.SilenceDelay == 0 {
		cfg.SilenceDelay = DefaultSilenceDelay
	}
	if cfg.SilenceDelay < 0 {
		return nil, fmt.Errorf("energy: silence delay must be positive, got %v", cfg.SilenceDelay)
	}
	if cfg.SpeechThreshold == 255 {
		return nil, errors.New("energy: speech threshold 255 can never be exceeded")
	}
	return &Session{cfg: cfg}, nil
}

var _ vad.Engine = (*Engine)(nil)

// Session is a single-stream energy VAD. Not safe for concurrent use.
type Session struct {
	cfg vad.Config

	speaking  bool
	startedAt time.Time
	deadline  time.Time // zero when no silence deadline is pending
	closed    bool
}

// Observe implements vad.SessionHandle.
func (s *Session) Observe(level uint8, at time.Time) vad.Event {
	ev := vad.Event{Type: vad.EventSilence, Level: level, At: at}
	if s.closed {
		return ev
	}
	loud := level > s.cfg.SpeechThreshold

	if !s.speaking {
		if loud {
			s.speaking = true
			s.startedAt = at
			s.deadline = time.Time{}
			ev.Type = vad.EventSpeechStart
			ev.StartedAt = at
		}
		return ev
	}

	ev.StartedAt = s.startedAt
	switch {
	case loud:
		s.deadline = time.Time{}
		ev.Type = vad.EventSpeechContinue
	case s.deadline.IsZero():
		s.deadline = at.Add(s.cfg.SilenceDelay)
		ev.Type = vad.EventSpeechContinue
	case !at.Before(s.deadline):
		s.speaking = false
		s.deadline = time.Time{}
		ev.Type = vad.EventSpeechEnd
	default:
		ev.Type = vad.EventSpeechContinue
	}
	return ev
}

// Begin implements vad.SessionHandle.
func (s *Session) Begin(at time.Time) {
	s.speaking = true
	s.startedAt = at
	s.deadline = time.Time{}
}

// Speaking implements vad.SessionHandle.
func (s *Session) Speaking() bool { return s.speaking }

// Deadline returns the pending silence deadline, or the zero time.
func (s *Session) Deadline() time.Time { return s.deadline }

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.speaking = false
	s.startedAt = time.Time{}
	s.deadline = time.Time{}
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.closed = true
	s.Reset()
	return nil
}

var _ vad.SessionHandle = (*Session)(nil)
