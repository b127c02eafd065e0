// Package mock provides a scriptable tts.Provider for tests.
//
//	p := &mock.Provider{Speech: &tts.Speech{PCM: pcm, Format: audio.Mono16k}}
package mock

import (
	"context"

	"github.com/MrWong99/avatalk/pkg/audio"
	"github.com/MrWong99/avatalk/pkg/provider/internal/calllog"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// Call is one recorded Synthesize invocation.
type Call struct {
	Ctx   context.Context
	Text  string
	Voice tts.VoiceProfile
}

// Provider answers with a copy of Speech, or Err when set. A nil Speech
// yields 100 ms of 16 kHz mono silence.
type Provider struct {
	calllog.Log[Call]

	Speech *tts.Speech
	Err    error
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Speech, error) {
	if err := p.Enter(ctx, Call{Ctx: ctx, Text: text, Voice: voice}); err != nil {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Speech == nil {
		return &tts.Speech{PCM: make([]byte, audio.Mono16k.BytesPerSecond()/10), Format: audio.Mono16k}, nil
	}
	sp := *p.Speech
	return &sp, nil
}
