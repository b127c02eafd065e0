package whisper

// Building this file needs libwhisper.a and whisper.h on LIBRARY_PATH and
// C_INCLUDE_PATH.

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider runs a whisper.cpp model in-process. The model is loaded
// once; each Transcribe call gets a fresh inference context.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	threads  uint
	slots    int64
	sem      *semaphore.Weighted
}

// NativeOption configures a [NativeProvider].
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language used when a request has none.
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithThreads sets the CPU threads per inference. Zero keeps the library
// default.
func WithThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// WithMaxConcurrent caps parallel inferences; further calls queue until a
// slot frees or their context ends. Defaults to 1.
func WithMaxConcurrent(n int) NativeOption {
	return func(p *NativeProvider) {
		if n > 0 {
			p.slots = int64(n)
		}
	}
}

// NewNative loads the model file at modelPath. Close releases it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	p := &NativeProvider{language: defaultLanguage, slots: 1}
	for _, opt := range opts {
		opt(p)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p.model = model
	p.sem = semaphore.NewWeighted(p.slots)
	return p, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// Transcribe implements stt.Provider. req.Audio must be a PCM16 WAV file of
// any rate and channel count. ctx bounds the wait for a free slot; a running
// inference cannot be interrupted.
func (p *NativeProvider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	if len(req.Audio) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	pcm, f, err := audio.ParseWAV(req.Audio)
	if err != nil {
		return nil, fmt.Errorf("whisper: decode audio: %w", err)
	}
	samples := audio.PCM16ToFloat32(audio.ToMono16(pcm, f, whisperlib.SampleRate))

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	lang := cmp.Or(req.Language, p.language)
	wctx, err := p.newContext(lang, keywordPrompt(req.Keywords))
	if err != nil {
		return nil, err
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}
	text, err := readSegments(wctx)
	if err != nil {
		return nil, err
	}
	return &stt.Transcript{Text: text, Language: lang, Duration: f.Duration(len(pcm))}, nil
}

func (p *NativeProvider) newContext(lang, prompt string) (whisperlib.Context, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: language rejected, model default applies", "language", lang, "err", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}
	if prompt != "" {
		wctx.SetInitialPrompt(prompt)
	}
	return wctx, nil
}

// readSegments joins the non-blank segment texts of a processed context.
func readSegments(wctx whisperlib.Context) (string, error) {
	var b strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
}
