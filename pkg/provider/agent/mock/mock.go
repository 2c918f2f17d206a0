// Package mock provides a test double for the agent.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/agent"
)

// Provider is a mock implementation of agent.Provider.
type Provider struct {
	mu sync.Mutex

	// ReplyText is returned by Reply. Empty yields agent.NoReply.
	ReplyText string

	// ReplyErr, if non-nil, is returned from Reply.
	ReplyErr error

	// ReplyFunc, if set, replaces the default behaviour.
	ReplyFunc func(ctx context.Context, q agent.Query) (string, error)

	// ReplyCalls records every query in order.
	ReplyCalls []agent.Query
}

var _ agent.Provider = (*Provider)(nil)

// Reply implements agent.Provider.
func (p *Provider) Reply(ctx context.Context, q agent.Query) (string, error) {
	p.mu.Lock()
	p.ReplyCalls = append(p.ReplyCalls, q)
	fn, text, err := p.ReplyFunc, p.ReplyText, p.ReplyErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, q)
	}
	if err != nil {
		return "", err
	}
	if text == "" {
		return agent.NoReply, nil
	}
	return text, nil
}

// Calls returns a snapshot of the recorded queries.
func (p *Provider) Calls() []agent.Query {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agent.Query(nil), p.ReplyCalls...)
}
