// Package pipeline chains transcription, reply generation and speech
// synthesis into one conversational turn.
//
// An [Orchestrator] is shared by every session of the process. It allows at
// most one turn in flight per session: a second call while a turn is running
// is rejected immediately with [ErrBusy] and never queued. Each stage failure
// is reported as a [*StageError] that matches [ErrTranscription],
// [ErrGeneration] or [ErrSynthesis], and additionally [ErrTimeout] when the
// turn deadline caused it. Nothing in the pipeline is retried.
//
// Typical use:
//
//	o := pipeline.New(sttP, llmP, ttsP, pipeline.WithTimeout(30*time.Second))
//	turn, err := o.HandleUtterance(ctx, sessionID, seg.WAV())
//	if err != nil {
//		payload := pipeline.Failure(err)
//		...
//	}
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/llm"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

const (
	// DefaultSystemPrompt asks the model for short replies without any
	// formatting, since the reply is spoken aloud.
	DefaultSystemPrompt = "You are a friendly talking avatar in a live voice conversation. " +
		"Answer in one to three short sentences of natural spoken language. " +
		"Never use markdown, lists, links or emoji."

	// DefaultMaxTokens caps reply length.
	DefaultMaxTokens = 250

	// DefaultMinSegmentBytes is the smallest utterance that is transcribed.
	DefaultMinSegmentBytes = 2000

	// DefaultVoiceID is the voice replies are rendered with.
	DefaultVoiceID = "JBFqnCBsd6RMkjVDRZzb"
)

// DefaultVoice returns the fixed voice profile used for every reply.
func DefaultVoice() tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:              DefaultVoiceID,
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}
}

// StageDurations records how long each stage of a turn took.
type StageDurations struct {
	Transcribe time.Duration
	Generate   time.Duration
	Synthesize time.Duration
	Total      time.Duration
}

// ConversationTurn is the result of one successful turn. It is not modified
// after HandleUtterance or HandleText returns it.
type ConversationTurn struct {
	SessionID string

	// Transcript is what the user said. For text turns it is the submitted text.
	Transcript string

	// Reply is the sanitised reply text that was synthesised.
	Reply string

	// Audio is the reply speech as a WAV file. Never empty.
	Audio []byte

	// AudioFormat describes the PCM inside Audio.
	AudioFormat audio.Format

	// AudioDuration is the playing time of Audio.
	AudioDuration time.Duration

	Durations StageDurations

	CreatedAt time.Time
}

// ProviderNames labels the providers in metrics and error reports.
type ProviderNames struct {
	STT string
	LLM string
	TTS string
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSystemPrompt overrides [DefaultSystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(o *Orchestrator) { o.systemPrompt = p }
}

// WithMaxTokens overrides [DefaultMaxTokens]. Zero leaves the provider default.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// WithTemperature sets the sampling temperature. Zero leaves the provider
// default.
func WithTemperature(t float64) Option {
	return func(o *Orchestrator) { o.temperature = t }
}

// WithVoice overrides [DefaultVoice].
func WithVoice(v tts.VoiceProfile) Option {
	return func(o *Orchestrator) { o.voice = v }
}

// WithLanguage sets the transcription language hint.
func WithLanguage(lang string) Option {
	return func(o *Orchestrator) { o.language = lang }
}

// WithMinSegmentBytes overrides [DefaultMinSegmentBytes].
func WithMinSegmentBytes(n int) Option {
	return func(o *Orchestrator) { o.minSegment = n }
}

// WithTimeout bounds every turn. Zero means the caller's context is the only
// deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithProviderNames sets the provider labels used in metrics.
func WithProviderNames(n ProviderNames) Option {
	return func(o *Orchestrator) { o.names = n }
}

// Orchestrator runs turns through the three providers.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	stt stt.Provider
	llm llm.Provider
	tts tts.Provider

	systemPrompt string
	maxTokens    int
	temperature  float64
	voice        tts.VoiceProfile
	language     string
	minSegment   int
	timeout      time.Duration
	names        ProviderNames

	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu     sync.Mutex
	active map[string]struct{} // session id → turn in flight
}

// New creates an Orchestrator over the given providers.
func New(s stt.Provider, l llm.Provider, t tts.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		stt:          s,
		llm:          l,
		tts:          t,
		systemPrompt: DefaultSystemPrompt,
		maxTokens:    DefaultMaxTokens,
		voice:        DefaultVoice(),
		minSegment:   DefaultMinSegmentBytes,
		names:        ProviderNames{STT: "stt", LLM: "llm", TTS: "tts"},
		now:          time.Now,
		active:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// MinSegmentBytes returns the smallest utterance HandleUtterance accepts.
func (o *Orchestrator) MinSegmentBytes() int { return o.minSegment }

// Busy reports whether a turn is in flight for sessionID.
func (o *Orchestrator) Busy(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// HandleUtterance transcribes audio, generates a reply and synthesises it.
//
// audio is an encoded utterance (normally WAV). Utterances smaller than the
// minimum segment size return [ErrSegmentTooSmall] without contacting any
// provider. A call for a session that already has a turn in flight returns
// [ErrBusy] at once.
func (o *Orchestrator) HandleUtterance(ctx context.Context, sessionID string, utterance []byte) (*ConversationTurn, error) {
	if len(utterance) < o.minSegment {
		o.metrics.RecordDiscard(ctx)
		return nil, ErrSegmentTooSmall
	}
	return o.run(ctx, sessionID, "utterance", func(ctx context.Context, turn *ConversationTurn) error {
		text, err := o.transcribe(ctx, utterance)
		if err != nil {
			return err
		}
		turn.Transcript = text
		turn.Durations.Transcribe = o.now().Sub(turn.CreatedAt)
		return nil
	})
}

// HandleText runs a turn for typed input, skipping transcription.
func (o *Orchestrator) HandleText(ctx context.Context, sessionID, text string) (*ConversationTurn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &StageError{Stage: StageTranscribe, Err: errEmptyTranscript}
	}
	return o.run(ctx, sessionID, "text", func(_ context.Context, turn *ConversationTurn) error {
		turn.Transcript = text
		return nil
	})
}

// run holds the session lock for the whole turn. input fills in the
// transcript; generation and synthesis follow.
func (o *Orchestrator) run(ctx context.Context, sessionID, kind string, input func(context.Context, *ConversationTurn) error) (*ConversationTurn, error) {
	if !o.acquire(sessionID) {
		o.metrics.RecordTurn(ctx, observe.OutcomeBusy)
		o.log.Debug("pipeline: turn rejected, session busy", "session_id", sessionID)
		return nil, ErrBusy
	}
	defer o.release(sessionID)

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	ctx = observe.WithSession(ctx, sessionID)
	ctx, span := observe.StartSpan(ctx, "pipeline.turn",
		trace.WithAttributes(attribute.String("kind", kind)),
	)
	defer span.End()

	turn := &ConversationTurn{SessionID: sessionID, CreatedAt: o.now()}
	err := input(ctx, turn)
	if err == nil {
		err = o.respond(ctx, turn)
	}
	turn.Durations.Total = o.now().Sub(turn.CreatedAt)
	o.metrics.TurnDuration.Record(ctx, turn.Durations.Total.Seconds())

	if err != nil {
		o.fail(ctx, span, sessionID, err)
		return nil, err
	}

	o.log.Info("pipeline: turn complete",
		"session_id", sessionID,
		"transcript_len", len(turn.Transcript),
		"reply_len", len(turn.Reply),
		"audio_ms", turn.AudioDuration.Milliseconds(),
		"total_ms", turn.Durations.Total.Milliseconds(),
	)
	return turn, nil
}

// respond runs generation and synthesis for turn.Transcript.
func (o *Orchestrator) respond(ctx context.Context, turn *ConversationTurn) error {
	start := o.now()
	reply, err := o.generate(ctx, turn.Transcript)
	if err != nil {
		return err
	}
	turn.Reply = reply
	turn.Durations.Generate = o.now().Sub(start)

	start = o.now()
	speech, err := o.synthesize(ctx, reply)
	if err != nil {
		return err
	}
	turn.Durations.Synthesize = o.now().Sub(start)
	turn.Audio = speech.WAV()
	turn.AudioFormat = speech.Format
	turn.AudioDuration = speech.Duration()
	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, utterance []byte) (string, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.transcribe")
	defer span.End()

	start := time.Now()
	tr, err := o.stt.Transcribe(ctx, stt.Request{Audio: utterance, Language: o.language})
	o.metrics.STTDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", o.names.STT)))
	if err != nil {
		o.providerFailed(ctx, o.names.STT, "stt")
		return "", stageErr(ctx, StageTranscribe, err)
	}
	o.metrics.RecordProviderRequest(ctx, o.names.STT, "stt", "ok")

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return "", stageErr(ctx, StageTranscribe, errEmptyTranscript)
	}
	return text, nil
}

func (o *Orchestrator) generate(ctx context.Context, transcript string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.generate")
	defer span.End()

	req := llm.CompletionRequest{
		SystemPrompt: o.systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: transcript}},
		Temperature:  o.temperature,
		MaxTokens:    o.maxTokens,
	}

	start := time.Now()
	resp, err := o.llm.Complete(ctx, req)
	o.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", o.names.LLM)))
	if err != nil {
		o.providerFailed(ctx, o.names.LLM, "llm")
		return "", stageErr(ctx, StageGenerate, err)
	}
	o.metrics.RecordProviderRequest(ctx, o.names.LLM, "llm", "ok")

	reply := Sanitize(resp.Content)
	if reply == "" {
		return "", stageErr(ctx, StageGenerate, errEmptyReply)
	}
	span.SetAttributes(attribute.String("finish_reason", resp.FinishReason))
	return reply, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, reply string) (*tts.Speech, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.synthesize")
	defer span.End()

	start := time.Now()
	speech, err := o.tts.Synthesize(ctx, reply, o.voice)
	o.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", o.names.TTS)))
	if err != nil {
		o.providerFailed(ctx, o.names.TTS, "tts")
		return nil, stageErr(ctx, StageSynthesize, err)
	}
	o.metrics.RecordProviderRequest(ctx, o.names.TTS, "tts", "ok")

	if speech == nil || len(speech.PCM) == 0 {
		return nil, stageErr(ctx, StageSynthesize, errEmptyAudio)
	}
	return speech, nil
}

func (o *Orchestrator) providerFailed(ctx context.Context, provider, kind string) {
	o.metrics.RecordProviderRequest(ctx, provider, kind, "error")
	o.metrics.RecordProviderError(ctx, provider, kind)
}

// fail records a failed turn. Timeouts are expected under load and are not
// reported to Sentry.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, sessionID string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	stage := ""
	var se *StageError
	if errors.As(err, &se) {
		stage = string(se.Stage)
	}

	if errors.Is(err, ErrTimeout) {
		o.metrics.RecordTurn(ctx, observe.OutcomeTimeout)
		o.log.Warn("pipeline: turn timed out", "session_id", sessionID, "stage", stage, "err", err)
		return
	}
	o.metrics.RecordTurn(ctx, observe.OutcomeFailed)
	o.log.Error("pipeline: turn failed", "session_id", sessionID, "stage", stage, "err", err)
	observe.CaptureError(ctx, err, map[string]string{"stage": stage})
}

func (o *Orchestrator) acquire(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[sessionID]; ok {
		return false
	}
	o.active[sessionID] = struct{}{}
	return true
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()
}
