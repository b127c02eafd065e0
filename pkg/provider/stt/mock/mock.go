// Package mock provides a scriptable stt.Provider for tests.
//
//	p := &mock.Provider{Transcript: &stt.Transcript{Text: "hello"}}
package mock

import (
	"context"

	"github.com/MrWong99/avatalk/pkg/provider/internal/calllog"
	"github.com/MrWong99/avatalk/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Call is one recorded Transcribe invocation.
type Call struct {
	Ctx context.Context
	Req stt.Request
}

// Provider answers with a copy of Transcript, or Err when set. A nil
// Transcript yields "hello".
type Provider struct {
	calllog.Log[Call]

	Transcript *stt.Transcript
	Err        error
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*stt.Transcript, error) {
	if err := p.Enter(ctx, Call{Ctx: ctx, Req: req}); err != nil {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Transcript == nil {
		return &stt.Transcript{Text: "hello"}, nil
	}
	tr := *p.Transcript
	return &tr, nil
}
