// Package mock provides scriptable test doubles for the vad package.
//
//	sess := &mock.Session{Events: []vad.EventType{vad.EventSpeechStart}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/avatalk/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out Session, or a fresh [Session] when it is nil, and
// remembers every config it was asked for.
type Engine struct {
	Session *Session

	// Err fails every NewSession call when set.
	Err error

	mu      sync.Mutex
	configs []vad.Config
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Configs returns the configs passed to NewSession, oldest first.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.configs)
}

// Session replays Events, one per Observe call, then reports silence. Every
// call is appended to a log such as "observe 42", "begin", "reset", "close".
type Session struct {
	Events []vad.EventType

	mu       sync.Mutex
	log      []string
	speaking bool
}

func (s *Session) record(format string, args ...any) {
	s.log = append(s.log, fmt.Sprintf(format, args...))
}

// Observe implements vad.SessionHandle.
func (s *Session) Observe(level uint8, at time.Time) vad.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("observe %d", level)

	typ := vad.EventSilence
	if len(s.Events) > 0 {
		typ, s.Events = s.Events[0], s.Events[1:]
	}
	if typ == vad.EventSpeechStart {
		s.speaking = true
	} else if typ == vad.EventSpeechEnd {
		s.speaking = false
	}
	return vad.Event{Type: typ, Level: level, At: at}
}

// Begin implements vad.SessionHandle.
func (s *Session) Begin(time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("begin")
	s.speaking = true
}

// Speaking implements vad.SessionHandle.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("reset")
	s.speaking = false
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("close")
	return nil
}

// Log returns the recorded calls in order.
func (s *Session) Log() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.log)
}

// Count returns how often the log holds entry.
func (s *Session) Count(entry string) int {
	n := 0
	for _, l := range s.Log() {
		if l == entry {
			n++
		}
	}
	return n
}
