package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/avatalk/internal/config"
	"github.com/MrWong99/avatalk/internal/pipeline"
	"github.com/MrWong99/avatalk/internal/resilience"
	"github.com/MrWong99/avatalk/pkg/provider/vad"
)

// Providers holds one value per provider slot. STT, LLM and TTS are wrapped
// in failover groups so readiness can ask whether any backend is usable.
type Providers struct {
	STT *resilience.STTFallback
	LLM *resilience.LLMFallback
	TTS *resilience.TTSFallback
	VAD vad.Engine

	// Names labels the primaries in metrics.
	Names pipeline.ProviderNames
}

// Available returns one readiness probe per failover group.
func (p *Providers) Available() map[string]func() bool {
	return map[string]func() bool{
		"stt": p.STT.Available,
		"llm": p.LLM.Available,
		"tts": p.TTS.Available,
	}
}

// BuildProviders instantiates the configured providers through reg and
// chains the configured fallbacks behind each primary.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	fb := resilience.FallbackConfig{
		Logger: slog.Default().With("component", "failover"),
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit changed", "provider", name, "from", from.String(), "to", to.String())
			},
		},
	}
	pc := cfg.Providers
	p := &Providers{
		Names: pipeline.ProviderNames{STT: pc.STT.Name, LLM: pc.LLM.Name, TTS: pc.TTS.Name},
	}

	sttPrimary, err := reg.CreateSTT(pc.STT)
	if err != nil {
		return nil, fmt.Errorf("app: stt: %w", err)
	}
	p.STT = resilience.NewSTTFallback(sttPrimary, pc.STT.Name, fb)
	for i, e := range pc.Fallback.STT {
		prov, err := reg.CreateSTT(e)
		if err != nil {
			return nil, fmt.Errorf("app: stt fallback %d: %w", i, err)
		}
		p.STT.AddFallback(e.Name, prov)
	}

	llmPrimary, err := reg.CreateLLM(pc.LLM)
	if err != nil {
		return nil, fmt.Errorf("app: llm: %w", err)
	}
	p.LLM = resilience.NewLLMFallback(llmPrimary, pc.LLM.Name, fb)
	for i, e := range pc.Fallback.LLM {
		prov, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("app: llm fallback %d: %w", i, err)
		}
		p.LLM.AddFallback(e.Name, prov)
	}

	ttsPrimary, err := reg.CreateTTS(pc.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: tts: %w", err)
	}
	p.TTS = resilience.NewTTSFallback(ttsPrimary, pc.TTS.Name, fb)
	for i, e := range pc.Fallback.TTS {
		prov, err := reg.CreateTTS(e)
		if err != nil {
			return nil, fmt.Errorf("app: tts fallback %d: %w", i, err)
		}
		p.TTS.AddFallback(e.Name, prov)
	}

	if p.VAD, err = reg.CreateVAD(pc.VAD); err != nil {
		return nil, fmt.Errorf("app: vad: %w", err)
	}
	return p, nil
}

