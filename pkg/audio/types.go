// Package audio holds the PCM primitives shared by capture, voice activity
// detection, playback and lip sync: the [Format] and [Segment] types, the RMS
// [Analyzer] and live [Meter], WAV framing, sample-rate conversion and the
// capture decoders for the encodings a client may stream.
//
// All PCM in this package is signed 16-bit little-endian.
package audio

import "time"

// Format describes the sample rate and channel count of a PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the capture format expected by the transcription providers.
var Mono16k = Format{SampleRate: 16000, Channels: 1}

// BytesPerSecond returns the PCM16 byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playing time of n PCM16 bytes in format f.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Offset returns the byte offset in a PCM16 buffer of format f that
// corresponds to d, aligned to a whole frame.
func (f Format) Offset(d time.Duration) int {
	frame := f.Channels * 2
	if frame <= 0 || d <= 0 {
		return 0
	}
	n := int(int64(d) * int64(f.BytesPerSecond()) / int64(time.Second))
	return n - n%frame
}

// Frame is one chunk of decoded capture audio.
type Frame struct {
	// Data is PCM16 in Format.
	Data []byte

	Format Format

	// Timestamp marks when this frame arrived, relative to stream start.
	Timestamp time.Duration
}

// Segment is one finalized utterance: the PCM captured between a speech-start
// and the matching speech-end. A segment is consumed exactly once.
type Segment struct {
	// PCM is the raw captured audio in Format.
	PCM []byte

	Format Format

	// StartedAt is the wall-clock time capture began.
	StartedAt time.Time

	// Duration is the playing time of PCM.
	Duration time.Duration
}

// Size returns the segment's payload size in bytes.
func (s Segment) Size() int { return len(s.PCM) }

// WAV returns the segment framed as a RIFF/WAVE container.
func (s Segment) WAV() []byte { return EncodeWAV(s.PCM, s.Format) }
