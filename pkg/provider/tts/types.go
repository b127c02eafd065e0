package tts

import (
	"time"

	"github.com/MrWong99/avatalk/pkg/audio"
)

// VoiceProfile describes the voice a reply is rendered with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Stability trades expressiveness for consistency (0–1). Zero means the
	// provider default.
	Stability float64

	// SimilarityBoost controls adherence to the original voice (0–1). Zero
	// means the provider default.
	SimilarityBoost float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// Speech is one synthesised utterance.
type Speech struct {
	// PCM holds signed 16-bit little-endian samples.
	PCM []byte

	// Format describes PCM.
	Format audio.Format
}

// Duration returns the playback length of the speech.
func (s *Speech) Duration() time.Duration {
	return s.Format.Duration(len(s.PCM))
}

// WAV returns the speech wrapped in a RIFF/WAVE container.
func (s *Speech) WAV() []byte {
	return audio.EncodeWAV(s.PCM, s.Format)
}
