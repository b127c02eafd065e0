// Package vad defines the Engine interface for voice activity detection.
//
// Detection here is driven by loudness samples rather than raw frames: a poller
// reads the live capture level on a fixed cadence and feeds it to a session,
// which segments the stream into speech-start and speech-end events. Each
// session keeps its own state (whether speech is active, the pending silence
// deadline) so that concurrent streams are independent.
//
// Observe is synchronous and must not block; it is called from the turn
// controller's loop.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

import "time"

// Config holds the parameters for a VAD session.
type Config struct {
	// SpeechThreshold is the level (0–255) a sample must exceed to count as
	// speech. Typical: 30.
	SpeechThreshold uint8

	// SilenceDelay is how long the level must stay at or below SpeechThreshold
	// before an active segment is declared finished. Typical: 1.5s.
	SilenceDelay time.Duration
}

// SessionHandle represents an active VAD session for one audio stream.
type SessionHandle interface {
	// Observe classifies one loudness sample taken at the given time.
	Observe(level uint8, at time.Time) Event

	// Begin forces the session into the speaking state as if speech had started
	// at the given time. Used when speech is detected by another path, such as
	// a barge-in over playback.
	Begin(at time.Time)

	// Speaking reports whether a segment is currently open.
	Speaking() bool

	// Reset returns the session to silence with no pending deadline.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
