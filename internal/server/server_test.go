package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/avatalk/internal/health"
	"github.com/MrWong99/avatalk/internal/observe"
	"github.com/MrWong99/avatalk/internal/pipeline"
	"github.com/MrWong99/avatalk/internal/session"
	"github.com/MrWong99/avatalk/internal/viseme"
	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/llm"
	llmmock "github.com/MrWong99/avatalk/pkg/provider/llm/mock"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
	sttmock "github.com/MrWong99/avatalk/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/avatalk/pkg/provider/tts/mock"
	"github.com/MrWong99/avatalk/pkg/provider/vad/energy"
)

const testKey = "test-signing-key"

// ---- harness ----

type harness struct {
	srv  *httptest.Server
	stt  *sttmock.Provider
	llm  *llmmock.Provider
	tts  *ttsmock.Provider
	mgr  *session.Manager
	auth *Auth
}

func newHarness(t *testing.T, key string, popts ...pipeline.Option) *harness {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	h := &harness{
		stt:  &sttmock.Provider{Transcript: &stt.Transcript{Text: "how are you"}},
		llm:  &llmmock.Provider{Response: &llm.CompletionResponse{Content: "I am **fine**, thanks!", FinishReason: "stop"}},
		tts:  &ttsmock.Provider{},
		auth: NewAuth(key, time.Hour),
	}
	popts = append([]pipeline.Option{pipeline.WithMetrics(metrics)}, popts...)
	pipe := pipeline.New(h.stt, h.llm, h.tts, popts...)

	cfg := session.DefaultConfig()
	cfg.Turn.PollInterval = 5 * time.Millisecond
	cfg.FrameInterval = 5 * time.Millisecond
	h.mgr = session.NewManager(energy.New(), pipe, cfg, session.WithMetrics(metrics), session.WithMaxSessions(4))

	s := New(h.mgr, pipe,
		WithAuth(h.auth),
		WithMetrics(metrics),
		WithAllowedOrigins("*"),
		WithCheckers(health.Checker{Name: "sessions", Check: func(context.Context) error { return nil }}),
	)
	h.srv = httptest.NewServer(s)
	t.Cleanup(func() {
		h.mgr.CloseAll()
		h.srv.Close()
	})
	return h
}

func utterance(n int) []byte {
	return audio.EncodeWAV(make([]byte, n), audio.Mono16k)
}

func speechRequest(t *testing.T, url, token, sessionID string, wav []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if sessionID != "" {
		_ = mw.WriteField("session_id", sessionID)
	}
	if wav != nil {
		fw, err := mw.CreateFormFile("audio", "speech.wav")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = fw.Write(wav)
	}
	_ = mw.Close()

	req, err := http.NewRequest(http.MethodPost, url+"/speech", &body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeFailure(t *testing.T, resp *http.Response) pipeline.FailurePayload {
	t.Helper()
	var f pipeline.FailurePayload
	b, _ := io.ReadAll(resp.Body)
	if err := sonic.Unmarshal(b, &f); err != nil {
		t.Fatalf("decode failure body %q: %v", b, err)
	}
	return f
}

// ---- auth ----

func TestAuth_IssueVerify(t *testing.T) {
	t.Parallel()

	a := NewAuth(testKey, time.Minute)
	token, exp, err := a.Issue("sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" || exp.IsZero() {
		t.Fatalf("Issue returned token=%q exp=%v", token, exp)
	}
	id, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id != "sess-1" {
		t.Errorf("subject = %q, want sess-1", id)
	}

	if _, err := NewAuth("other-key", time.Minute).Verify(token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Verify with wrong key = %v, want ErrUnauthorized", err)
	}
	if _, err := a.Verify(""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Verify(\"\") = %v, want ErrUnauthorized", err)
	}

	late := NewAuth(testKey, time.Minute)
	late.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := late.Verify(token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Verify expired = %v, want ErrUnauthorized", err)
	}
}

func TestAuth_Disabled(t *testing.T) {
	t.Parallel()

	a := NewAuth("", 0)
	if a.Enabled() {
		t.Fatal("auth with empty key is enabled")
	}
	token, exp, err := a.Issue("x")
	if err != nil || token != "" {
		t.Errorf("Issue = %q, %v; want empty token", token, err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Errorf("expiry %v is not about DefaultTokenTTL away", exp)
	}
}

// ---- create-session ----

func TestCreateSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testKey)
	resp, err := http.Post(h.srv.URL+"/create-session", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out createSessionResponse
	b, _ := io.ReadAll(resp.Body)
	if err := sonic.Unmarshal(b, &out); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	if out.SessionID == "" || out.Token == "" {
		t.Fatalf("response = %+v, want session id and token", out)
	}
	sub, err := h.auth.Verify(out.Token)
	if err != nil || sub != out.SessionID {
		t.Errorf("token subject = %q, %v; want %q", sub, err, out.SessionID)
	}
}

// ---- speech ----

func TestSpeech_Success(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	resp, err := http.DefaultClient.Do(speechRequest(t, h.srv.URL, "", "s1", utterance(8000)))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%+v)", resp.StatusCode, decodeFailure(t, resp))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Content-Type = %q, want audio/wav", ct)
	}
	if got := resp.Header.Get("X-Session-Id"); got != "s1" {
		t.Errorf("X-Session-Id = %q, want s1", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if !audio.IsWAV(body) {
		t.Error("body is not a WAV payload")
	}
	if h.tts.Calls()[0].Text != "I am fine, thanks!" {
		t.Errorf("synthesized %q, want markup-free reply", h.tts.Calls()[0].Text)
	}
}

func TestSpeech_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		wav      []byte
		sttErr   error
		wantCode int
		wantErr  string
	}{
		{name: "missing audio", wav: nil, wantCode: http.StatusBadRequest, wantErr: codeBadRequest},
		{name: "too small", wav: utterance(100), wantCode: http.StatusBadRequest, wantErr: pipeline.CodeSegmentTooSmall},
		{name: "transcription", wav: utterance(8000), sttErr: errors.New("boom"), wantCode: http.StatusBadGateway, wantErr: pipeline.CodeTranscription},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, "")
			h.stt.Err = tt.sttErr

			resp, err := http.DefaultClient.Do(speechRequest(t, h.srv.URL, "", "s", tt.wav))
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantCode)
			}
			if f := decodeFailure(t, resp); f.Error != tt.wantErr {
				t.Errorf("error = %q, want %q", f.Error, tt.wantErr)
			}
		})
	}
}

func TestSpeech_Unauthorized(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testKey)
	resp, err := http.DefaultClient.Do(speechRequest(t, h.srv.URL, "", "", utterance(8000)))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	token, _, _ := h.auth.Issue("mine")
	resp, err = http.DefaultClient.Do(speechRequest(t, h.srv.URL, token, "theirs", utterance(8000)))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("mismatched session: status = %d, want 401", resp.StatusCode)
	}

	resp, err = http.DefaultClient.Do(speechRequest(t, h.srv.URL, token, "", utterance(8000)))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", resp.StatusCode)
	}
}

func TestSpeech_BusySession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	gate := make(chan struct{})
	h.stt.Gate = gate

	var wg sync.WaitGroup
	wg.Add(1)
	firstStatus := make(chan int, 1)
	go func() {
		defer wg.Done()
		resp, err := http.DefaultClient.Do(speechRequest(t, h.srv.URL, "", "same", utterance(8000)))
		if err != nil {
			firstStatus <- 0
			return
		}
		resp.Body.Close()
		firstStatus <- resp.StatusCode
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.stt.CallCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never reached transcription")
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp, err := http.DefaultClient.Do(speechRequest(t, h.srv.URL, "", "same", utterance(8000)))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second status = %d, want 409", resp.StatusCode)
	}
	if f := decodeFailure(t, resp); f.Error != pipeline.CodeBusy {
		t.Errorf("error = %q, want busy", f.Error)
	}

	close(gate)
	wg.Wait()
	if got := <-firstStatus; got != http.StatusOK {
		t.Errorf("first status = %d, want 200", got)
	}
}

func TestSpeech_Timeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "", pipeline.WithTimeout(20*time.Millisecond))
	h.tts.Gate = make(chan struct{})

	resp, err := http.DefaultClient.Do(speechRequest(t, h.srv.URL, "", "s", utterance(8000)))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
	if f := decodeFailure(t, resp); f.Error != pipeline.CodeTimeout {
		t.Errorf("error = %q, want timeout", f.Error)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := map[string]int{
		pipeline.CodeSegmentTooSmall: http.StatusBadRequest,
		codeBadRequest:               http.StatusBadRequest,
		pipeline.CodeBusy:            http.StatusConflict,
		pipeline.CodeTranscription:   http.StatusBadGateway,
		pipeline.CodeGeneration:      http.StatusBadGateway,
		pipeline.CodeSynthesis:       http.StatusBadGateway,
		pipeline.CodeTimeout:         http.StatusGatewayTimeout,
		pipeline.CodeInternal:        http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := statusFor(code); got != want {
			t.Errorf("statusFor(%q) = %d, want %d", code, got, want)
		}
	}
}

// ---- probes ----

func TestProbes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

// ---- websocket ----

func wsURL(h *harness, query string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?" + query
}

type envelope struct {
	Type       string `json:"type"`
	Phase      string `json:"phase"`
	State      string `json:"state"`
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
	Error      string `json:"error"`
}

func TestWS_TextTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testKey)
	token, _, _ := h.auth.Issue("live-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(h, "token="+token), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	rig, _ := sonic.Marshal(clientMessage{Type: msgRig, Meshes: []viseme.Mesh{
		{Name: "Wolf3D_Head", Morphs: map[string]int{"mouthOpen": 0, "viseme_aa": 1}},
	}})
	if err := conn.Write(ctx, websocket.MessageText, rig); err != nil {
		t.Fatalf("write rig: %v", err)
	}
	text, _ := sonic.Marshal(clientMessage{Type: msgText, Data: "hello"})
	if err := conn.Write(ctx, websocket.MessageText, text); err != nil {
		t.Fatalf("write text: %v", err)
	}

	var (
		phases   []string
		reply    string
		gotAudio bool
		frames   int
	)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if typ == websocket.MessageBinary {
			gotAudio = audio.IsWAV(data)
			continue
		}
		var env envelope
		if err := sonic.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		switch env.Type {
		case msgPhase:
			phases = append(phases, env.Phase)
		case msgTranscript:
			reply = env.Reply
		case msgViseme:
			frames++
		case msgError:
			t.Fatalf("unexpected error message: %s", data)
		}
		if env.Type == msgPlayback && env.State == playbackEnd {
			break
		}
	}

	if reply != "I am fine, thanks!" {
		t.Errorf("reply = %q", reply)
	}
	if !gotAudio {
		t.Error("no WAV reply received")
	}
	if frames == 0 {
		t.Error("no viseme frames received")
	}
	if len(phases) < 2 || phases[0] != "processing" || phases[1] != "speaking" {
		t.Errorf("phases = %v, want processing then speaking", phases)
	}
	if h.stt.CallCount() != 0 {
		t.Errorf("typed turn called stt %d times", h.stt.CallCount())
	}
	if _, ok := h.mgr.Get("live-1"); !ok {
		t.Error("live session not registered with the manager")
	}
}

func TestWS_Unauthorized(t *testing.T) {
	t.Parallel()

	h := newHarness(t, testKey)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, wsURL(h, "token=bogus"), nil)
	if err == nil {
		t.Fatal("Dial with a bogus token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestWS_UnsupportedEncoding(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(h, "session_id=x&encoding=flac"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != msgError || env.Error != codeCaptureError {
		t.Errorf("message = %s, want capture_error", data)
	}
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusUnsupportedData {
		t.Errorf("close status = %v, want StatusUnsupportedData", got)
	}
}

func TestWS_BadCapturePayloadClosesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(h, "session_id=odd"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusUnsupportedData {
				t.Errorf("close status = %v, want StatusUnsupportedData", got)
			}
			break
		}
		var env envelope
		_ = sonic.Unmarshal(data, &env)
		if env.Type == msgError && env.Error != codeCaptureError {
			t.Errorf("error = %q, want capture_error", env.Error)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.mgr.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session still open after capture error")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---- wire ----

func TestEncodeFrame(t *testing.T) {
	t.Parallel()

	b, err := encodeFrame(viseme.Frame{
		Intensity:  0.5,
		Speaking:   true,
		Targets:    map[string]float64{"mouthOpen": 0.5},
		Influences: map[string]map[int]float64{"Head": {3: 0.5}},
	})
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	var m visemeMessage
	if err := sonic.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != msgViseme || !m.Speaking || m.Targets["mouthOpen"] != 0.5 {
		t.Errorf("message = %+v", m)
	}
	if m.Influences["Head"]["3"] != 0.5 {
		t.Errorf("influences = %v, want Head.3 = 0.5", m.Influences)
	}
}

func TestDecodeClientMessage(t *testing.T) {
	t.Parallel()

	m, err := decodeClientMessage([]byte(`{"type":"rig","meshes":[{"name":"Wolf3D_Teeth","morphs":{"mouthOpen":2}}]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != msgRig || len(m.Meshes) != 1 || m.Meshes[0].Morphs["mouthOpen"] != 2 {
		t.Errorf("message = %+v", m)
	}
	if _, err := decodeClientMessage([]byte("{")); err == nil {
		t.Error("decode of malformed JSON succeeded")
	}
}
