// Package openai provides an STT provider backed by OpenAI's hosted Whisper
// transcription endpoint (or any server implementing
// POST /v1/audio/transcriptions), using github.com/sashabaranov/go-openai.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/MrWong99/avatalk/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the transcription model. Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default ISO-639-1 language code.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements stt.Provider via go-openai.
type Provider struct {
	client   *goopenai.Client
	model    string
	language string
	baseURL  string
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	p := &Provider{model: goopenai.Whisper1}
	for _, o := range opts {
		o(p)
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	p.client = goopenai.NewClientWithConfig(cfg)
	return p, nil
}

// Transcribe implements stt.Provider. Keywords are passed as the prompt.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	if len(req.Audio) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	kws := make([]string, 0, len(req.Keywords))
	for _, kw := range req.Keywords {
		kws = append(kws, kw.Keyword)
	}

	resp, err := p.client.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:                  p.model,
		FilePath:               fileName(req.SniffContentType()),
		Reader:                 bytes.NewReader(req.Audio),
		Prompt:                 strings.Join(kws, ", "),
		Language:               lang,
		Format:                 goopenai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []goopenai.TranscriptionTimestampGranularity{goopenai.TranscriptionTimestampGranularityWord},
	})
	if err != nil {
		return nil, fmt.Errorf("openai stt: create transcription: %w", err)
	}

	words := make([]stt.WordDetail, 0, len(resp.Words))
	for _, w := range resp.Words {
		words = append(words, stt.WordDetail{
			Word:  w.Word,
			Start: seconds(w.Start),
			End:   seconds(w.End),
		})
	}
	if resp.Language != "" {
		lang = resp.Language
	}
	return &stt.Transcript{
		Text:     strings.TrimSpace(resp.Text),
		Language: lang,
		Duration: seconds(resp.Duration),
		Words:    words,
	}, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func fileName(contentType string) string {
	switch contentType {
	case "audio/wav":
		return "utterance.wav"
	case "audio/webm":
		return "utterance.webm"
	case "audio/ogg":
		return "utterance.ogg"
	case "audio/mpeg":
		return "utterance.mp3"
	default:
		// The API infers the format from the extension; WAV is the capture default.
		return "utterance.wav"
	}
}
