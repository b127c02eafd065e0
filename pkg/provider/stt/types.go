package stt

import (
	"time"

	"github.com/MrWong99/avatalk/pkg/audio"
)

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	// Text is the transcribed speech.
	Text string

	// Confidence is the overall confidence (0.0–1.0). Zero when the provider
	// does not report one.
	Confidence float64

	// Language is the detected or requested language, when known.
	Language string

	// Duration is the length of the transcribed audio, when known.
	Duration time.Duration

	// Words holds per-word detail for providers that report it.
	Words []WordDetail
}

// WordDetail holds per-word metadata.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a vocabulary hint.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the provider-specific intensity.
	Boost float64
}

// SniffContentType returns r.ContentType, or a type sniffed from the audio.
func (r Request) SniffContentType() string {
	if r.ContentType != "" {
		return r.ContentType
	}
	if audio.IsWAV(r.Audio) {
		return "audio/wav"
	}
	return "application/octet-stream"
}
