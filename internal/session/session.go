// Package session binds the per-connection pieces of a live avatar
// conversation: capture decoding and metering, the turn controller, reply
// playback and the viseme driver, all writing to one outbound [Sink].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/avatalk/internal/pipeline"
	"github.com/MrWong99/avatalk/internal/playback"
	"github.com/MrWong99/avatalk/internal/turn"
	"github.com/MrWong99/avatalk/internal/viseme"
	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/vad"
)

// hookTimeout bounds sink writes made from the turn controller's loop.
const hookTimeout = 2 * time.Second

// Sink is the outbound side of a live session.
type Sink interface {
	playback.Sink

	// SendPhase reports a phase change.
	SendPhase(ctx context.Context, p turn.Phase) error

	// SendReply reports the transcript and reply text of a successful turn.
	SendReply(ctx context.Context, t *pipeline.ConversationTurn) error

	// SendError reports a failed turn.
	SendError(ctx context.Context, f pipeline.FailurePayload) error

	// SendPlaybackEnd reports that a reply played to its end.
	SendPlaybackEnd(ctx context.Context) error
}

// Config holds the per-session tunables. The manager hands each new session
// a snapshot, so reloads apply from the next session on.
type Config struct {
	Turn   turn.Config
	VAD    vad.Config
	Viseme viseme.Config

	// SampleRate is the capture rate every encoding is decoded to.
	SampleRate int

	// Window is the analyser window in samples (power of two).
	Window int

	// LevelScale maps RMS onto the 0–255 level scale.
	LevelScale float64

	// FrameInterval is the render tick of reply playback.
	FrameInterval time.Duration

	// MeshFilter limits the rig to mouth meshes whose names contain one of
	// these substrings. Empty binds every mesh.
	MeshFilter []string

	// MaxRecording caps a single utterance.
	MaxRecording time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Turn:          turn.DefaultConfig(),
		VAD:           vad.Config{SpeechThreshold: 30, SilenceDelay: 1500 * time.Millisecond},
		Viseme:        viseme.DefaultConfig(),
		SampleRate:    16000,
		Window:        playback.DefaultWindow,
		LevelScale:    255,
		FrameInterval: playback.DefaultFrameInterval,
		MeshFilter:    []string{"Head", "Teeth", "Tongue"},
		MaxRecording:  audio.DefaultMaxRecording,
	}
}

// Session is one live conversation.
type Session struct {
	id        string
	encoding  string
	createdAt time.Time
	cfg       Config
	log       *slog.Logger

	decoder audio.Decoder
	meter   *audio.Meter
	rec     *audio.Recorder
	driver  *viseme.Driver
	player  *playback.Controller
	ctrl    *turn.Controller
	vad     vad.SessionHandle
	sink    Sink

	decodeMu sync.Mutex // decoders keep state between packets
	cancel   context.CancelFunc
	done     chan struct{}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Encoding returns the negotiated capture encoding.
func (s *Session) Encoding() string { return s.encoding }

// CreatedAt returns when the session was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Phase returns the current turn phase.
func (s *Session) Phase() turn.Phase { return s.ctrl.Phase() }

// Done is closed when the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// WriteAudio decodes one capture payload and feeds it to the level meter and
// the utterance recorder. Decode failures are returned as *audio.CaptureError.
func (s *Session) WriteAudio(payload []byte) error {
	s.decodeMu.Lock()
	pcm, err := s.decoder.Decode(payload)
	s.decodeMu.Unlock()
	if err != nil {
		var ce *audio.CaptureError
		if errors.As(err, &ce) {
			return err
		}
		return &audio.CaptureError{Encoding: s.encoding, Err: err}
	}
	s.meter.Write(pcm)
	s.rec.Write(pcm)
	return nil
}

// SubmitText starts a typed turn. It fails with an error matching
// [pipeline.ErrBusy] unless the session is idle.
func (s *Session) SubmitText(ctx context.Context, text string) error {
	return s.ctrl.Submit(ctx, text)
}

// SetRig binds the avatar meshes the client registered and returns how many
// meshes carry viseme targets.
func (s *Session) SetRig(meshes []viseme.Mesh) int {
	rig := viseme.NewRig(meshes, viseme.WithMeshFilter(s.cfg.MeshFilter...))
	s.driver.SetRig(rig)
	s.log.Debug("session: rig bound", "meshes", rig.Meshes())
	return len(rig.Meshes())
}

// close stops the controller and waits for it.
func (s *Session) close() {
	s.cancel()
	<-s.done
}

// hooks routes controller callbacks to the sink.
func (s *Session) hooks() turn.Hooks {
	send := func(what string, fn func(ctx context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Debug("session: sink write failed", "what", what, "err", err)
		}
	}
	return turn.Hooks{
		OnTransition: func(_, to turn.Phase) {
			send("phase", func(ctx context.Context) error { return s.sink.SendPhase(ctx, to) })
		},
		OnReply: func(t *pipeline.ConversationTurn) {
			send("reply", func(ctx context.Context) error { return s.sink.SendReply(ctx, t) })
		},
		OnError: func(err error) {
			send("error", func(ctx context.Context) error { return s.sink.SendError(ctx, pipeline.Failure(err)) })
		},
		OnDiscard: func(seg audio.Segment) {
			s.log.Debug("session: utterance too short", "bytes", seg.Size(), "duration", seg.Duration)
		},
		OnPlaybackEnd: func(o playback.Outcome) {
			if o == playback.Completed {
				send("playback_end", s.sink.SendPlaybackEnd)
			}
		},
	}
}

// newSession wires a session. The caller starts it with run.
func newSession(id, encoding string, cfg Config, engine vad.Engine, pipe turn.Pipeline, sink Sink, log *slog.Logger, opts []turn.Option) (*Session, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "" {
		encoding = audio.EncodingPCM16
	}
	dec, err := audio.NewDecoder(encoding, cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	meter, err := audio.NewMeter(cfg.Window, cfg.LevelScale)
	if err != nil {
		return nil, fmt.Errorf("session: meter: %w", err)
	}
	vs, err := engine.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("session: vad: %w", err)
	}

	s := &Session{
		id:        id,
		encoding:  encoding,
		createdAt: time.Now(),
		cfg:       cfg,
		log:       log.With("session_id", id),
		decoder:   dec,
		meter:     meter,
		rec:       audio.NewRecorder(dec.Format(), cfg.MaxRecording),
		driver:    viseme.NewDriver(cfg.Viseme, nil),
		vad:       vs,
		sink:      sink,
		done:      make(chan struct{}),
	}
	s.player = playback.New(sink, s.driver,
		playback.WithFrameInterval(cfg.FrameInterval),
		playback.WithWindow(cfg.Window),
		playback.WithLogger(s.log),
	)

	opts = append(opts, turn.WithHooks(s.hooks()), turn.WithLogger(s.log))
	s.ctrl, err = turn.New(id, cfg.Turn, turn.Deps{
		VAD:      vs,
		Level:    meter,
		Capture:  s.rec,
		Pipeline: pipe,
		Player:   s.player,
	}, opts...)
	if err != nil {
		_ = vs.Close()
		return nil, fmt.Errorf("session: %w", err)
	}
	return s, nil
}

// run starts the controller loop. onExit runs after the loop has stopped.
func (s *Session) run(onExit func()) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		defer close(s.done)
		defer onExit()
		defer func() { _ = s.vad.Close() }()
		if err := s.ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("session: controller stopped", "err", err)
		}
	}()
}
