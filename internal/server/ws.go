package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"

	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/pipeline"
	"github.com/MrWong99/avatalk/internal/session"
	"github.com/MrWong99/avatalk/internal/turn"
	"github.com/MrWong99/avatalk/internal/viseme"
	"github.com/MrWong99/avatalk/pkg/audio"
)

// wsReadLimit caps one inbound websocket message.
const wsReadLimit = 1 << 20

// Failure codes specific to the live socket.
const (
	codeCaptureError  = "capture_error"
	codeSessionLimit  = "session_limit"
	codeSessionExists = "session_exists"
)

// handleWS upgrades to a live session. Binary frames carry capture audio in
// the negotiated encoding; text frames carry typed turns and rig
// registration.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.wsSession(w, r)
	if !ok {
		return
	}
	if _, exists := s.sessions.Get(id); exists {
		writeError(w, http.StatusConflict, pipeline.FailurePayload{Error: codeSessionExists, Message: "session is already connected"})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("server: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := &wsSink{conn: conn}
	sess, err := s.sessions.Open(ctx, id, r.URL.Query().Get("encoding"), sink)
	if err != nil {
		f, status := openFailure(err)
		_ = sink.SendError(ctx, f)
		_ = conn.Close(status, f.Error)
		s.log.Info("server: session refused", "session_id", id, "err", err)
		return
	}
	defer func() {
		if err := s.sessions.Close(id); err != nil && !errors.Is(err, session.ErrNotFound) {
			s.log.Warn("server: close session", "session_id", id, "err", err)
		}
	}()

	go func() {
		select {
		case <-sess.Done():
			_ = conn.Close(websocket.StatusGoingAway, "session closed")
		case <-ctx.Done():
		}
	}()

	log := s.log.With("session_id", id)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("server: client disconnected")
			default:
				if !isClosed(err) {
					log.Warn("server: websocket read failed", "err", err)
				}
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			if err := sess.WriteAudio(data); err != nil {
				log.Info("server: capture rejected", "err", err)
				_ = sink.SendError(ctx, pipeline.FailurePayload{Error: codeCaptureError, Message: err.Error()})
				_ = conn.Close(websocket.StatusUnsupportedData, codeCaptureError)
				return
			}
		case websocket.MessageText:
			s.handleClientMessage(ctx, sess, sink, data)
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, sess *session.Session, sink *wsSink, data []byte) {
	msg, err := decodeClientMessage(data)
	if err != nil {
		_ = sink.SendError(ctx, badRequest("malformed message"))
		return
	}

	switch msg.Type {
	case msgText:
		text := strings.TrimSpace(msg.Data)
		if text == "" {
			_ = sink.SendError(ctx, badRequest("empty text"))
			return
		}
		if err := sess.SubmitText(ctx, text); err != nil {
			_ = sink.SendError(ctx, pipeline.Failure(err))
		}
	case msgRig:
		n := sess.SetRig(msg.Meshes)
		s.log.Debug("server: rig registered", "session_id", sess.ID(), "meshes", n)
	default:
		_ = sink.SendError(ctx, badRequest("unknown message type "+msg.Type))
	}
}

// wsSession resolves the session id of a websocket request.
func (s *Server) wsSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !s.auth.Enabled() {
		if id := r.URL.Query().Get("session_id"); id != "" {
			return id, true
		}
		return session.NewID(), true
	}
	id, err := s.auth.Verify(bearerToken(r))
	if err != nil {
		observe.Logger(r.Context()).Info("server: websocket unauthorized", "err", err)
		writeError(w, http.StatusUnauthorized, pipeline.FailurePayload{Error: "unauthorized", Message: "missing or invalid session token"})
		return "", false
	}
	return id, true
}

// openFailure maps a session open error to the payload and close status
// sent before the socket is closed.
func openFailure(err error) (pipeline.FailurePayload, websocket.StatusCode) {
	var ce *audio.CaptureError
	switch {
	case errors.As(err, &ce):
		return pipeline.FailurePayload{Error: codeCaptureError, Message: err.Error()}, websocket.StatusUnsupportedData
	case errors.Is(err, session.ErrLimit):
		return pipeline.FailurePayload{Error: codeSessionLimit, Message: "too many live sessions"}, websocket.StatusTryAgainLater
	case errors.Is(err, session.ErrExists):
		return pipeline.FailurePayload{Error: codeSessionExists, Message: "session is already connected"}, websocket.StatusPolicyViolation
	default:
		return pipeline.FailurePayload{Error: pipeline.CodeInternal, Message: "session could not be opened"}, websocket.StatusInternalError
	}
}

// wsSink writes session output to a websocket. Writes on a
// [websocket.Conn] are safe for concurrent use.
type wsSink struct {
	conn *websocket.Conn
}

var _ session.Sink = (*wsSink)(nil)

func (k *wsSink) writeText(ctx context.Context, v any) error {
	b, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return k.conn.Write(ctx, websocket.MessageText, b)
}

func (k *wsSink) SendAudio(ctx context.Context, wav []byte) error {
	if err := k.writeText(ctx, playbackMessage{Type: msgPlayback, State: playbackStart}); err != nil {
		return err
	}
	return k.conn.Write(ctx, websocket.MessageBinary, wav)
}

func (k *wsSink) SendFrame(ctx context.Context, f viseme.Frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return k.conn.Write(ctx, websocket.MessageText, b)
}

func (k *wsSink) StopAudio(ctx context.Context) error {
	return k.writeText(ctx, playbackMessage{Type: msgPlayback, State: playbackStop})
}

func (k *wsSink) SendPhase(ctx context.Context, p turn.Phase) error {
	return k.writeText(ctx, phaseMessage{Type: msgPhase, Phase: p.String()})
}

func (k *wsSink) SendReply(ctx context.Context, t *pipeline.ConversationTurn) error {
	return k.writeText(ctx, transcriptMessage{Type: msgTranscript, Transcript: t.Transcript, Reply: t.Reply})
}

func (k *wsSink) SendError(ctx context.Context, f pipeline.FailurePayload) error {
	b, err := encodeFailure(f)
	if err != nil {
		return err
	}
	return k.conn.Write(ctx, websocket.MessageText, b)
}

func (k *wsSink) SendPlaybackEnd(ctx context.Context) error {
	return k.writeText(ctx, playbackMessage{Type: msgPlayback, State: playbackEnd})
}
