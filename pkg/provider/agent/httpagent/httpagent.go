// Package httpagent implements agent.Provider against the voice server's
// JSON reply endpoint:
//
//	POST /agent/reply {"text","system"} -> {"reply"} | {"detail"}
package httpagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider/agent"
	"github.com/MrWong99/parley/pkg/provider/tts/httpstream"
	"github.com/MrWong99/parley/pkg/types"
)

var _ agent.Provider = (*Provider)(nil)

const (
	defaultReplyPath = "/agent/reply"
	defaultTimeout   = 60 * time.Second
	maxReplySize     = 1 << 20
)

// ErrEmptyQuery is returned when the question is blank.
var ErrEmptyQuery = errors.New("httpagent: empty query")

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithTimeout bounds a whole reply round trip. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithReplyPath overrides the endpoint path.
func WithReplyPath(path string) Option {
	return func(p *Provider) {
		if path != "" {
			p.replyPath = "/" + strings.TrimLeft(path, "/")
		}
	}
}

// WithGuard routes every request through g.
func WithGuard(g types.Guard) Option {
	return func(p *Provider) {
		if g != nil {
			p.guard = g
		}
	}
}

// Provider is an agent.Provider backed by HTTP.
type Provider struct {
	baseURL   string
	replyPath string
	timeout   time.Duration
	client    *http.Client
	guard     types.Guard
}

// New creates a Provider for the given http(s) base URL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	base, err := httpstream.NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("httpagent: %w", err)
	}
	p := &Provider{
		baseURL:   base,
		replyPath: defaultReplyPath,
		timeout:   defaultTimeout,
		client:    http.DefaultClient,
		guard:     types.Passthrough{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type replyBody struct {
	Reply *string `json:"reply"`
}

// Reply implements agent.Provider.
func (p *Provider) Reply(ctx context.Context, q agent.Query) (string, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.System = strings.TrimSpace(q.System)
	if q.Text == "" {
		return "", ErrEmptyQuery
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	data, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("httpagent: marshal query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+p.replyPath, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("httpagent: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var (
		resp  *http.Response
		doErr error
	)
	guardErr := p.guard.Execute(func() error {
		resp, doErr = p.client.Do(req)
		switch {
		case doErr != nil && errors.Is(ctx.Err(), context.Canceled):
			return nil
		case doErr != nil:
			return doErr
		case resp.StatusCode >= 500:
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	})
	switch {
	case doErr != nil && ctx.Err() != nil:
		return "", ctx.Err()
	case doErr != nil:
		return "", fmt.Errorf("httpagent: POST %s: %w: %w", p.replyPath, types.ErrNetwork, doErr)
	case resp == nil:
		return "", fmt.Errorf("httpagent: POST %s: %w", p.replyPath, guardErr)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("httpagent: POST %s: %w", p.replyPath, types.NewStatusError(resp))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("httpagent: read reply: %w", err)
	}
	var body replyBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("httpagent: decode reply: %w", err)
	}
	if body.Reply == nil || strings.TrimSpace(*body.Reply) == "" {
		return agent.NoReply, nil
	}
	return strings.TrimSpace(*body.Reply), nil
}
