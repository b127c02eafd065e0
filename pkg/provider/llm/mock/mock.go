// Package mock provides a scriptable llm.Provider for tests.
//
//	p := &mock.Provider{Response: &llm.CompletionResponse{Content: "Hello!"}}
//	p.Gate = release // optional: hold calls until release is closed
package mock

import (
	"context"

	"github.com/MrWong99/avatalk/pkg/provider/internal/calllog"
	"github.com/MrWong99/avatalk/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// Call is one recorded Complete invocation.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider answers every Complete with a copy of Response, or Err when set.
// A nil Response yields "Hello!".
type Provider struct {
	calllog.Log[Call]

	Response *llm.CompletionResponse
	Err      error

	// Caps is returned by Capabilities.
	Caps llm.ModelCapabilities
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if err := p.Enter(ctx, Call{Ctx: ctx, Req: req}); err != nil {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Response == nil {
		return &llm.CompletionResponse{Content: "Hello!", FinishReason: "stop"}, nil
	}
	resp := *p.Response
	return &resp, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.Caps }
