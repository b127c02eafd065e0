// Package playback paces a synthesised reply to the client and drives the
// avatar's mouth from it.
//
// [Controller.Play] hands the whole reply to the [Sink] as one payload, then
// walks a playhead through the decoded PCM at real time. Every render tick it
// measures the RMS of the analyser window ending at the playhead, steps the
// [viseme.Driver] and sends the resulting frame. [Controller.Stop] ends the
// reply abruptly: pacing stops, one closed-mouth frame is sent and the sink
// is told to stop audio.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/avatalk/internal/pipeline"
	"github.com/MrWong99/avatalk/internal/viseme"
	"github.com/MrWong99/avatalk/pkg/audio"
)

const (
	// DefaultFrameInterval is one render tick at 60 frames per second.
	DefaultFrameInterval = time.Second / 60

	// DefaultWindow is the analyser window in samples.
	DefaultWindow = 1024

	// stopTimeout bounds the closing sink calls of an interrupted reply. Stop
	// waits for them, so it stays well under one poll of a barge-in loop.
	stopTimeout = 250 * time.Millisecond
)

// ErrPlaying is returned by Play when a reply is already playing.
var ErrPlaying = errors.New("playback: already playing")

// ErrNoAudio is returned by Play for a turn without audio.
var ErrNoAudio = errors.New("playback: no audio")

// Outcome reports how a reply finished.
type Outcome int

const (
	// Completed means the reply played to its natural end.
	Completed Outcome = iota

	// Interrupted means Stop was called or the context ended first.
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Sink receives the reply audio and the viseme frames. Implementations must
// return promptly when ctx is cancelled.
type Sink interface {
	// SendAudio delivers the whole reply as one WAV payload.
	SendAudio(ctx context.Context, wav []byte) error

	// SendFrame delivers one render tick.
	SendFrame(ctx context.Context, f viseme.Frame) error

	// StopAudio tells the client to stop the reply immediately.
	StopAudio(ctx context.Context) error
}

// Option configures a [Controller].
type Option func(*Controller)

// WithFrameInterval overrides [DefaultFrameInterval].
func WithFrameInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

// WithWindow overrides [DefaultWindow].
func WithWindow(n int) Option {
	return func(c *Controller) { c.window = n }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller plays one reply at a time for a session.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	sink     Sink
	driver   *viseme.Driver
	interval time.Duration
	window   int
	log      *slog.Logger

	mu      sync.Mutex
	playing bool
	cancel  chan struct{} // closed to interrupt the current reply
	done    chan struct{} // closed when the current Play returns
}

// New creates a Controller that writes to sink and steps driver.
func New(sink Sink, driver *viseme.Driver, opts ...Option) *Controller {
	c := &Controller{
		sink:     sink,
		driver:   driver,
		interval: DefaultFrameInterval,
		window:   DefaultWindow,
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Playing reports whether a reply is in progress.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Play delivers turn's audio and paces the viseme frames through it. It
// blocks until the reply ends and returns exactly one outcome. An error is
// returned only when playback could not start, in which case nothing was
// sent to the sink. A ctx that is already done yields Interrupted without
// delivering any audio.
func (c *Controller) Play(ctx context.Context, turn *pipeline.ConversationTurn) (Outcome, error) {
	pcm, format, wav, err := decode(turn)
	if err != nil {
		return Interrupted, err
	}

	c.mu.Lock()
	if c.playing {
		c.mu.Unlock()
		return Interrupted, ErrPlaying
	}
	cancel := make(chan struct{})
	done := make(chan struct{})
	c.playing, c.cancel, c.done = true, cancel, done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.playing, c.cancel, c.done = false, nil, nil
		c.mu.Unlock()
		close(done)
	}()

	playCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-cancel:
			stop()
		case <-playCtx.Done():
		}
	}()

	c.driver.Reset()
	if playCtx.Err() != nil {
		// Stopped before delivery.
		return c.interrupt(), nil
	}
	if err := c.sink.SendAudio(playCtx, wav); err != nil {
		if playCtx.Err() == nil {
			c.log.Warn("playback: send audio", "session_id", turn.SessionID, "err", err)
		}
		return c.interrupt(), nil
	}

	if c.pace(playCtx, pcm, format) {
		c.finish(ctx)
		return Completed, nil
	}
	return c.interrupt(), nil
}

// pace steps the playhead until the end of pcm. It returns false when ctx
// ended first.
func (c *Controller) pace(ctx context.Context, pcm []byte, format audio.Format) bool {
	total := format.Duration(len(pcm))
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}

		elapsed := time.Since(start)
		if elapsed >= total {
			return true
		}
		rms := audio.RMSWindow(pcm, format.Offset(elapsed), c.window)
		if err := c.sink.SendFrame(ctx, c.driver.Step(rms)); err != nil {
			if ctx.Err() != nil {
				return false
			}
			c.log.Debug("playback: send frame", "err", err)
		}
	}
}

// finish closes the mouth after a reply played out.
func (c *Controller) finish(ctx context.Context) {
	c.driver.Reset()
	if err := c.sink.SendFrame(ctx, viseme.Zero(c.driver.Rig())); err != nil {
		c.log.Debug("playback: send closing frame", "err", err)
	}
}

// interrupt closes the mouth and stops client audio. The play context is
// already gone, so the sink calls get their own deadline.
func (c *Controller) interrupt() Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	c.driver.Reset()
	if err := c.sink.SendFrame(ctx, viseme.Zero(c.driver.Rig())); err != nil {
		c.log.Debug("playback: send closing frame", "err", err)
	}
	if err := c.sink.StopAudio(ctx); err != nil {
		c.log.Debug("playback: stop audio", "err", err)
	}
	return Interrupted
}

// Stop interrupts the current reply and waits until Play has returned. It
// reports whether a reply was playing.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return false
	}
	if c.cancel != nil {
		close(c.cancel)
		c.cancel = nil
	}
	done := c.done
	c.mu.Unlock()

	<-done
	return true
}

// decode returns mono PCM for analysis, its format and the WAV payload for
// the client. Turn audio may be a WAV file or raw PCM16 in turn.AudioFormat.
func decode(turn *pipeline.ConversationTurn) (pcm []byte, format audio.Format, wav []byte, err error) {
	if turn == nil || len(turn.Audio) == 0 {
		return nil, audio.Format{}, nil, ErrNoAudio
	}
	if audio.IsWAV(turn.Audio) {
		pcm, format, err = audio.ParseWAV(turn.Audio)
		if err != nil {
			return nil, audio.Format{}, nil, fmt.Errorf("playback: %w", err)
		}
		wav = turn.Audio
	} else {
		pcm, format = turn.Audio, turn.AudioFormat
		if format.SampleRate <= 0 || format.Channels <= 0 {
			return nil, audio.Format{}, nil, fmt.Errorf("playback: raw audio without format")
		}
		wav = audio.EncodeWAV(pcm, format)
	}
	if len(pcm) == 0 {
		return nil, audio.Format{}, nil, ErrNoAudio
	}
	if format.Channels > 1 {
		pcm = audio.ToMono16(pcm, format, format.SampleRate)
		format = audio.Format{SampleRate: format.SampleRate, Channels: 1}
	}
	return pcm, format, wav, nil
}
