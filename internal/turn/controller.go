// Package turn sequences one session's conversation: listening for speech,
// sending the utterance through the pipeline, waiting for the reply and
// playing it, with barge-in when the user talks over the reply.
//
// A [Controller] owns the session's [Phase]. Only the goroutine running
// [Controller.Run] writes it; anyone may read it. Pollers for voice activity
// and barge-in run inside that loop on a fixed cadence. Pipeline calls and
// playback run on their own goroutines and report back as events tagged with
// the turn sequence number, so a completion that belongs to an abandoned turn
// is ignored.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/pipeline"
	"github.com/MrWong99/avatalk/internal/playback"
	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/vad"
)

// Defaults for [Config].
const (
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultBargeInThreshold = 20
	DefaultPipelineTimeout  = 30 * time.Second
)

// ErrClosed is returned by Submit once Run has returned.
var ErrClosed = errors.New("turn: controller closed")

// Config holds the controller tunables.
type Config struct {
	// PollInterval is the cadence of the voice-activity and barge-in pollers.
	PollInterval time.Duration

	// BargeInThreshold is the level (0–255) that interrupts a playing reply.
	// Zero selects [DefaultBargeInThreshold].
	BargeInThreshold uint8

	// MinSegmentBytes is the smallest utterance sent to the pipeline.
	MinSegmentBytes int

	// PipelineTimeout bounds each pipeline call.
	PipelineTimeout time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:     DefaultPollInterval,
		BargeInThreshold: DefaultBargeInThreshold,
		MinSegmentBytes:  pipeline.DefaultMinSegmentBytes,
		PipelineTimeout:  DefaultPipelineTimeout,
	}
}

// LevelSource reports the live capture loudness on the 0–255 scale.
// [*audio.Meter] satisfies it.
type LevelSource interface {
	Level() uint8
}

// Capture records the utterance. [*audio.Recorder] satisfies it.
type Capture interface {
	Start()
	Finish() audio.Segment
	Discard()
}

// Pipeline runs a turn. [*pipeline.Orchestrator] satisfies it.
type Pipeline interface {
	HandleUtterance(ctx context.Context, sessionID string, utterance []byte) (*pipeline.ConversationTurn, error)
	HandleText(ctx context.Context, sessionID, text string) (*pipeline.ConversationTurn, error)
}

// Player plays a reply. [*playback.Controller] satisfies it.
type Player interface {
	Play(ctx context.Context, turn *pipeline.ConversationTurn) (playback.Outcome, error)
	Stop() bool
}

// Deps are the collaborators of a Controller.
type Deps struct {
	VAD      vad.SessionHandle
	Level    LevelSource
	Capture  Capture
	Pipeline Pipeline
	Player   Player
}

// Hooks are optional callbacks, all invoked from the Run goroutine. They
// must not block for long.
type Hooks struct {
	// OnTransition is called after every phase change.
	OnTransition func(from, to Phase)

	// OnDiscard is called for a segment too small to send.
	OnDiscard func(seg audio.Segment)

	// OnReply is called when a turn succeeds, before playback starts.
	OnReply func(turn *pipeline.ConversationTurn)

	// OnError is called when a turn fails. The turn is not retried.
	OnError func(err error)

	// OnPlaybackEnd is called when a reply finishes or is interrupted.
	OnPlaybackEnd func(outcome playback.Outcome)
}

// Option configures a [Controller].
type Option func(*Controller)

// WithHooks sets the callbacks.
func WithHooks(h Hooks) Option {
	return func(c *Controller) { c.hooks = h }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

type eventKind int

const (
	pipelineDone eventKind = iota
	playbackEnded
)

type event struct {
	kind    eventKind
	seq     uint64
	turn    *pipeline.ConversationTurn
	outcome playback.Outcome
	err     error
}

type submission struct {
	text string
	resp chan error
}

// Controller is the turn state machine of one session.
type Controller struct {
	sessionID string
	cfg       Config
	deps      Deps
	hooks     Hooks
	log       *slog.Logger
	metrics   *observe.Metrics
	now       func() time.Time

	phase atomic.Int32

	// seq identifies the current turn and stopReply cancels the playing
	// reply's context. Touched only by the Run goroutine.
	seq       uint64
	stopReply context.CancelFunc

	events  chan event
	submits chan submission
	closed  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Controller for sessionID.
func New(sessionID string, cfg Config, deps Deps, opts ...Option) (*Controller, error) {
	if deps.VAD == nil || deps.Level == nil || deps.Capture == nil || deps.Pipeline == nil || deps.Player == nil {
		return nil, errors.New("turn: all dependencies are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = DefaultPipelineTimeout
	}
	if cfg.BargeInThreshold == 0 {
		cfg.BargeInThreshold = DefaultBargeInThreshold
	}

	c := &Controller{
		sessionID: sessionID,
		cfg:       cfg,
		deps:      deps,
		now:       time.Now,
		events:    make(chan event, 4),
		submits:   make(chan submission),
		closed:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.log = c.log.With("session_id", sessionID)
	return c, nil
}

// Phase returns the current phase. Safe to call from any goroutine.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

// Run drives the session until ctx is cancelled. On return any reply is
// stopped, any open recording is discarded and all worker goroutines have
// exited.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.deps.Player.Stop()
		c.wg.Wait()
		c.deps.Capture.Discard()
		c.deps.VAD.Reset()
		c.setPhase(Idle)
		close(c.closed)
	}()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.poll(ctx, c.now())
		case ev := <-c.events:
			c.handle(ctx, ev)
		case sub := <-c.submits:
			sub.resp <- c.submit(ctx, sub.text)
		}
	}
}

// Submit runs a typed turn, skipping transcription. It is accepted only in
// [Idle]; otherwise the returned error matches [pipeline.ErrBusy]. The turn
// itself completes asynchronously through the hooks.
func (c *Controller) Submit(ctx context.Context, text string) error {
	sub := submission{text: text, resp: make(chan error, 1)}
	select {
	case c.submits <- sub:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-sub.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// poll is one tick of the voice-activity and barge-in pollers.
func (c *Controller) poll(ctx context.Context, at time.Time) {
	switch c.Phase() {
	case Idle, Recording:
		ev := c.deps.VAD.Observe(c.deps.Level.Level(), at)
		switch ev.Type {
		case vad.EventSpeechStart:
			if c.Phase() == Idle {
				c.deps.Capture.Start()
				c.setPhase(Recording)
			}
		case vad.EventSpeechEnd:
			if c.Phase() == Recording {
				c.endUtterance(ctx)
			}
		}
	case Speaking:
		if level := c.deps.Level.Level(); level > c.cfg.BargeInThreshold {
			c.bargeIn(ctx, at, level)
		}
	case Processing:
		// The pipeline owns the turn.
	}
}

// endUtterance hands a finished recording to the pipeline, or discards it if
// it is too small.
func (c *Controller) endUtterance(ctx context.Context) {
	seg := c.deps.Capture.Finish()
	if seg.Size() < c.cfg.MinSegmentBytes {
		c.metrics.RecordDiscard(ctx)
		c.log.Debug("turn: segment discarded", "bytes", seg.Size(), "min_bytes", c.cfg.MinSegmentBytes)
		if c.hooks.OnDiscard != nil {
			c.hooks.OnDiscard(seg)
		}
		c.setPhase(Idle)
		return
	}

	wav := seg.WAV()
	c.startTurn(ctx, func(ctx context.Context) (*pipeline.ConversationTurn, error) {
		return c.deps.Pipeline.HandleUtterance(ctx, c.sessionID, wav)
	})
}

func (c *Controller) submit(ctx context.Context, text string) error {
	if p := c.Phase(); p != Idle {
		return fmt.Errorf("turn: %w: phase %s", pipeline.ErrBusy, p)
	}
	c.startTurn(ctx, func(ctx context.Context) (*pipeline.ConversationTurn, error) {
		return c.deps.Pipeline.HandleText(ctx, c.sessionID, text)
	})
	return nil
}

// startTurn enters Processing and runs fn on a worker under the pipeline
// timeout.
func (c *Controller) startTurn(ctx context.Context, fn func(context.Context) (*pipeline.ConversationTurn, error)) {
	c.seq++
	seq := c.seq
	c.setPhase(Processing)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ev := event{kind: pipelineDone, seq: seq}
		func() {
			defer func() {
				if r := recover(); r != nil {
					ev.err = fmt.Errorf("turn: pipeline panic: %v", r)
				}
			}()
			pctx, cancel := context.WithTimeout(ctx, c.cfg.PipelineTimeout)
			defer cancel()
			ev.turn, ev.err = fn(pctx)
		}()
		c.post(ctx, ev)
	}()
}

// startPlayback plays turn on a worker and posts playbackEnded when done.
// The reply runs under its own context so a barge-in can stop it even
// before the player has registered it.
func (c *Controller) startPlayback(ctx context.Context, seq uint64, t *pipeline.ConversationTurn) {
	playCtx, cancel := context.WithCancel(ctx)
	c.stopReply = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		out, err := c.deps.Player.Play(playCtx, t)
		c.post(ctx, event{kind: playbackEnded, seq: seq, outcome: out, err: err})
	}()
}

// cancelReply releases the playing reply's context, if any.
func (c *Controller) cancelReply() {
	if c.stopReply != nil {
		c.stopReply()
		c.stopReply = nil
	}
}

func (c *Controller) post(ctx context.Context, ev event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Controller) handle(ctx context.Context, ev event) {
	if ev.seq != c.seq {
		c.log.Debug("turn: stale event ignored", "seq", ev.seq, "current_seq", c.seq)
		return
	}

	switch ev.kind {
	case pipelineDone:
		if c.Phase() != Processing {
			return
		}
		if ev.err != nil {
			c.setPhase(Idle)
			c.log.Warn("turn: turn failed", "err", ev.err)
			if c.hooks.OnError != nil {
				c.hooks.OnError(ev.err)
			}
			return
		}
		if c.hooks.OnReply != nil {
			c.hooks.OnReply(ev.turn)
		}
		c.setPhase(Speaking)
		c.startPlayback(ctx, ev.seq, ev.turn)

	case playbackEnded:
		if c.Phase() != Speaking {
			return
		}
		c.cancelReply()
		c.setPhase(Idle)
		if ev.err != nil {
			c.log.Warn("turn: playback failed", "err", ev.err)
			c.metrics.RecordTurn(ctx, observe.OutcomeFailed)
			if c.hooks.OnError != nil {
				c.hooks.OnError(ev.err)
			}
			return
		}
		if ev.outcome == playback.Completed {
			c.metrics.RecordTurn(ctx, observe.OutcomeCompleted)
		} else {
			c.metrics.RecordTurn(ctx, observe.OutcomeInterrupted)
		}
		if c.hooks.OnPlaybackEnd != nil {
			c.hooks.OnPlaybackEnd(ev.outcome)
		}
	}
}

// bargeIn stops the reply and starts recording the interruption. The
// interrupted turn's playbackEnded event becomes stale.
func (c *Controller) bargeIn(ctx context.Context, at time.Time, level uint8) {
	c.seq++
	c.cancelReply()
	c.deps.Player.Stop()
	c.metrics.RecordBargeIn(ctx)
	c.metrics.RecordTurn(ctx, observe.OutcomeInterrupted)
	c.log.Info("turn: barge-in", "level", level)

	c.deps.VAD.Begin(at)
	c.deps.Capture.Start()
	c.setPhase(Recording)
	if c.hooks.OnPlaybackEnd != nil {
		c.hooks.OnPlaybackEnd(playback.Interrupted)
	}
}

func (c *Controller) setPhase(p Phase) {
	from := Phase(c.phase.Swap(int32(p)))
	if from == p {
		return
	}
	c.log.Debug("turn: phase", "from", from.String(), "phase", p.String())
	if c.hooks.OnTransition != nil {
		c.hooks.OnTransition(from, p)
	}
}
