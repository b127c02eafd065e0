package vad

import "time"

// Event is the result of observing one loudness sample.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Level is the observed sample.
	Level uint8

	// At is when the sample was taken.
	At time.Time

	// StartedAt is when the current segment began. Set on EventSpeechStart,
	// EventSpeechContinue and EventSpeechEnd.
	StartedAt time.Time
}

// EventType enumerates VAD detection states.
type EventType int

const (
	// EventSilence indicates no speech and no open segment.
	EventSilence EventType = iota

	// EventSpeechStart indicates speech has just begun.
	EventSpeechStart

	// EventSpeechContinue indicates an open segment, including quiet samples
	// inside the silence delay.
	EventSpeechContinue

	// EventSpeechEnd indicates the silence delay elapsed and the segment closed.
	EventSpeechEnd
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventSilence:
		return "silence"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechContinue:
		return "speech_continue"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}
