package turn

// Phase is the conversational state of one session.
type Phase int32

const (
	// Idle means no speech is being captured and no reply is pending.
	Idle Phase = iota

	// Recording means an utterance is being captured.
	Recording

	// Processing means an utterance is in the pipeline.
	Processing

	// Speaking means the reply is playing.
	Speaking
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}
