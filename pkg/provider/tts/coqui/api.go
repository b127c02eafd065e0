package coqui

import (
	"bytes"
	"context"
	"net/http"
	"net/url"

	"github.com/bytedance/sonic"
)

// APIMode names a Coqui server flavour.
type APIMode string

const (
	// APIModeStandard targets the stock server's GET /api/tts.
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets POST /tts_to_audio/ on an XTTS v2 API server.
	// The voice ID names the reference speaker file and is required.
	APIModeXTTS APIMode = "xtts"
)

const (
	standardPath = "/api/tts"
	xttsPath     = "/tts_to_audio/"
)

// speech is one sentence to render.
type speech struct {
	text     string
	speaker  string
	language string
}

// api builds synthesis requests for one server flavour.
type api interface {
	request(ctx context.Context, baseURL string, s speech) (*http.Request, error)
	needsSpeaker() bool
}

var apis = map[APIMode]api{
	APIModeStandard: standardAPI{},
	APIModeXTTS:     xttsAPI{},
}

type standardAPI struct{}

func (standardAPI) needsSpeaker() bool { return false }

func (standardAPI) request(ctx context.Context, baseURL string, s speech) (*http.Request, error) {
	q := url.Values{"text": {s.text}}
	if s.speaker != "" {
		q.Set("speaker_id", s.speaker)
	}
	if s.language != "" {
		q.Set("language_id", s.language)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, baseURL+standardPath+"?"+q.Encode(), nil)
}

// xttsBody is the JSON payload of POST /tts_to_audio/.
type xttsBody struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

type xttsAPI struct{}

func (xttsAPI) needsSpeaker() bool { return true }

func (xttsAPI) request(ctx context.Context, baseURL string, s speech) (*http.Request, error) {
	body, err := sonic.Marshal(xttsBody{Text: s.text, SpeakerWav: s.speaker, Language: s.language})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+xttsPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
