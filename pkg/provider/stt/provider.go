// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a transcription service (a local whisper.cpp server,
// in-process whisper.cpp, Deepgram, or OpenAI's hosted Whisper) and exposes a
// single batch call: one finalized utterance in, one transcript out. The turn
// controller has already segmented the audio, so no provider needs its own
// silence detection.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when Transcribe is called without audio.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Request describes one utterance to transcribe.
type Request struct {
	// Audio is the encoded utterance. Captured segments arrive as WAV; uploads
	// may use any container the provider accepts.
	Audio []byte

	// ContentType is the MIME type of Audio. Empty means the provider sniffs it
	// (WAV is recognised by its RIFF header, anything else is sent as
	// application/octet-stream).
	ContentType string

	// Language is the BCP-47 language tag (e.g. "en", "de-DE"). Empty lets the
	// provider use its configured default or auto-detect.
	Language string

	// Keywords are vocabulary hints for uncommon words. Providers that cannot
	// boost keywords ignore them.
	Keywords []KeywordBoost
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts one utterance to text. A successful call may return
	// a transcript with empty Text when the audio held no recognisable speech.
	//
	// Returns an error on transport failure, a non-success response, or a
	// payload that cannot be decoded.
	Transcribe(ctx context.Context, req Request) (*Transcript, error)
}
