// Package coqui synthesises speech on a self-hosted Coqui TTS server.
//
// Two server flavours are supported. The stock server (ghcr.io/coqui-ai/tts)
// is the default and answers GET /api/tts; an XTTS v2 API server answers
// POST /tts_to_audio/ and clones the voice from a reference speaker file.
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("de"))
//	speech, err := p.Synthesize(ctx, reply, voice)
//
// Replies are cut into sentences that are rendered in parallel and joined
// back in reading order.
package coqui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	// maxInFlight caps concurrent sentence requests per reply.
	maxInFlight = 4
)

var _ tts.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent with every request.
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode picks the server flavour. See [APIModeStandard] and
// [APIModeXTTS].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithOutputSampleRate resamples the result to rate. Zero keeps the rate of
// the first sentence.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

// WithHTTPClient replaces the HTTP client. A timeout set by [WithTimeout]
// must come after this option.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider renders replies on a Coqui server. It is safe for concurrent use.
type Provider struct {
	baseURL    string
	language   string
	mode       APIMode
	api        api
	outputRate int
	client     *http.Client
}

// New returns a provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("coqui: base URL must not be empty")
	}
	p := &Provider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: defaultLanguage,
		mode:     APIModeStandard,
		client:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	a, ok := apis[p.mode]
	if !ok {
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.mode)
	}
	p.api = a
	return p, nil
}

// Synthesize implements tts.Provider. Any failing sentence cancels the rest
// and fails the reply.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Speech, error) {
	if voice.ID == "" && p.api.needsSpeaker() {
		return nil, fmt.Errorf("coqui: %s mode needs a voice ID", p.mode)
	}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, fmt.Errorf("coqui: %w", tts.ErrEmptyText)
	}

	type rendered struct {
		pcm    []byte
		format audio.Format
	}
	parts := make([]rendered, len(sentences))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for i, s := range sentences {
		g.Go(func() error {
			pcm, f, err := p.render(gctx, s, voice.ID)
			parts[i] = rendered{pcm, f}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rate := p.outputRate
	if rate == 0 {
		rate = parts[0].format.SampleRate
	}
	var pcm []byte
	for _, part := range parts {
		pcm = append(pcm, audio.ToMono16(part.pcm, part.format, rate)...)
	}
	if len(pcm) == 0 {
		return nil, errors.New("coqui: server returned no audio")
	}
	return &tts.Speech{PCM: pcm, Format: audio.Format{SampleRate: rate, Channels: 1}}, nil
}

// render fetches one sentence as a WAV file and decodes it.
func (p *Provider) render(ctx context.Context, sentence, speaker string) ([]byte, audio.Format, error) {
	req, err := p.api.request(ctx, p.baseURL, speech{text: sentence, speaker: speaker, language: p.language})
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, audio.Format{}, fmt.Errorf("coqui: %s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: read body: %w", err)
	}
	pcm, f, err := audio.ParseWAV(body)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("coqui: %w", err)
	}
	return pcm, f, nil
}
