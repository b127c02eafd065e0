// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, a local Coqui
// server) and turns one complete reply into one audio payload. Replies are
// synthesised as a whole; there is no fragment streaming.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when Synthesize is called with blank text.
var ErrEmptyText = errors.New("tts: empty text")

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may
// synthesise in parallel.
type Provider interface {
	// Synthesize renders text with voice and returns the whole utterance as
	// 16-bit little-endian PCM. A backend that answers without audio must
	// return an error rather than an empty Speech.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*Speech, error)
}
