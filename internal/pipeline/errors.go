package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Stage names one step of a turn.
type Stage string

const (
	StageTranscribe Stage = "transcribe"
	StageGenerate   Stage = "generate"
	StageSynthesize Stage = "synthesize"
)

// Sentinel errors. Stage failures are reported as [*StageError] values that
// match the sentinel of their stage with [errors.Is].
var (
	// ErrSegmentTooSmall is returned when an utterance is below the minimum
	// size and is discarded without reaching any provider.
	ErrSegmentTooSmall = errors.New("pipeline: segment too small")

	// ErrBusy is returned when a turn is already in flight for the session.
	ErrBusy = errors.New("pipeline: session busy")

	// ErrTranscription matches failures of the transcribe stage, including an
	// empty transcript.
	ErrTranscription = errors.New("pipeline: transcription failed")

	// ErrGeneration matches failures of the generate stage, including a reply
	// that is empty after sanitising.
	ErrGeneration = errors.New("pipeline: generation failed")

	// ErrSynthesis matches failures of the synthesize stage, including empty
	// audio.
	ErrSynthesis = errors.New("pipeline: synthesis failed")

	// ErrTimeout matches any stage failure caused by the turn deadline.
	ErrTimeout = errors.New("pipeline: timeout")
)

var (
	errEmptyTranscript = errors.New("empty transcript")
	errEmptyReply      = errors.New("empty reply")
	errEmptyAudio      = errors.New("empty audio")
)

// StageError reports which stage of a turn failed.
type StageError struct {
	Stage Stage
	Err   error

	// deadline is set when the turn context had expired at the time of failure,
	// regardless of whether the provider wrapped the context error.
	deadline bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's stage, or [ErrTimeout]
// when the failure was caused by the deadline.
func (e *StageError) Is(target error) bool {
	switch target {
	case ErrTranscription:
		return e.Stage == StageTranscribe
	case ErrGeneration:
		return e.Stage == StageGenerate
	case ErrSynthesis:
		return e.Stage == StageSynthesize
	case ErrTimeout:
		return e.deadline || errors.Is(e.Err, context.DeadlineExceeded)
	}
	return false
}

// stageErr builds a StageError for stage, noting whether ctx's deadline had
// passed.
func stageErr(ctx context.Context, stage Stage, err error) *StageError {
	return &StageError{
		Stage:    stage,
		Err:      err,
		deadline: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
}

// Error codes carried in [FailurePayload.Error].
const (
	CodeSegmentTooSmall = "segment_too_small"
	CodeBusy            = "busy"
	CodeTranscription   = "transcription_error"
	CodeGeneration      = "generation_error"
	CodeSynthesis       = "synthesis_error"
	CodeTimeout         = "timeout"
	CodeInternal        = "internal"
)

// FailurePayload is the structured error object sent to clients.
type FailurePayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Failure maps err to its client-facing payload. Timeouts take precedence
// over the stage that was running when the deadline passed.
func Failure(err error) FailurePayload {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailurePayload{Error: CodeTimeout, Message: "the reply took too long and was dropped"}
	case errors.Is(err, ErrSegmentTooSmall):
		return FailurePayload{Error: CodeSegmentTooSmall, Message: "the recording was too short to transcribe"}
	case errors.Is(err, ErrBusy):
		return FailurePayload{Error: CodeBusy, Message: "a reply is already being prepared for this session"}
	case errors.Is(err, ErrTranscription):
		return FailurePayload{Error: CodeTranscription, Message: "speech could not be transcribed"}
	case errors.Is(err, ErrGeneration):
		return FailurePayload{Error: CodeGeneration, Message: "no reply could be generated"}
	case errors.Is(err, ErrSynthesis):
		return FailurePayload{Error: CodeSynthesis, Message: "the reply could not be voiced"}
	default:
		return FailurePayload{Error: CodeInternal, Message: "internal error"}
	}
}
