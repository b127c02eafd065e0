package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/avatalk/pkg/provider/llm"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
	"github.com/MrWong99/avatalk/pkg/provider/tts"
	"github.com/MrWong99/avatalk/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// exists under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a backend of type T from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factorySet is the per-stage name table of a [Registry].
type factorySet[T any] struct {
	kind   string
	byName map[string]Factory[T]
}

func newFactorySet[T any](kind string) factorySet[T] {
	return factorySet[T]{kind: kind, byName: make(map[string]Factory[T])}
}

func (s factorySet[T]) names() []string {
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Registry resolves the provider names used in [ProvidersConfig] to
// constructors for each pipeline stage. It is safe for concurrent use.
// Registering an existing name replaces it.
type Registry struct {
	mu  sync.RWMutex
	llm factorySet[llm.Provider]
	stt factorySet[stt.Provider]
	tts factorySet[tts.Provider]
	vad factorySet[vad.Engine]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: newFactorySet[llm.Provider]("llm"),
		stt: newFactorySet[stt.Provider]("stt"),
		tts: newFactorySet[tts.Provider]("tts"),
		vad: newFactorySet[vad.Engine]("vad"),
	}
}

func register[T any](r *Registry, s factorySet[T], name string, f Factory[T]) {
	r.mu.Lock()
	s.byName[name] = f
	r.mu.Unlock()
}

func create[T any](r *Registry, s factorySet[T], entry ProviderEntry) (T, error) {
	r.mu.RLock()
	f, ok := s.byName[entry.Name]
	known := s.names()
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q (known: %s)", ErrProviderNotRegistered, s.kind, entry.Name, strings.Join(known, ", "))
	}
	p, err := f(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: %s/%s: %w", s.kind, entry.Name, err)
	}
	return p, nil
}

func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) { register(r, r.llm, name, f) }
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) { register(r, r.stt, name, f) }
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) { register(r, r.tts, name, f) }
func (r *Registry) RegisterVAD(name string, f Factory[vad.Engine]) { register(r, r.vad, name, f) }

// CreateLLM builds the LLM backend registered under entry.Name. Unknown names
// yield an error wrapping [ErrProviderNotRegistered]; factory errors are
// wrapped with the stage and name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) { return create(r, r.llm, entry) }

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) { return create(r, r.stt, entry) }
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) { return create(r, r.tts, entry) }
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) { return create(r, r.vad, entry) }

// Names lists the registered names per stage, sorted.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		r.llm.kind: r.llm.names(),
		r.stt.kind: r.stt.names(),
		r.tts.kind: r.tts.names(),
		r.vad.kind: r.vad.names(),
	}
}
