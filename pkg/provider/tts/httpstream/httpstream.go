// Package httpstream provides an HTTP-backed TTS provider for the voice
// server's streaming synthesis API. It implements the tts.Provider interface.
//
// Endpoints (relative to the base URL, all configurable):
//
//	POST /tts/stream          {"text","voice"}           -> raw PCM16LE @16 kHz
//	POST /agent/tts/stream    {"text","voice","system"}  -> raw PCM16LE @16 kHz
//	POST /agent/tts           {"text","voice","system"}  -> audio/wav
//	GET  /health                                         -> 200 when ready
//
// Failures carry the server's "detail" field via types.StatusError.
//
// Typical usage:
//
//	p, err := httpstream.New("http://127.0.0.1:8080",
//	    httpstream.WithGuard(breaker),
//	)
//	body, err := p.StreamSpeech(ctx, tts.RouteSpeak, tts.Request{Text: "hi", Voice: tts.DefaultVoice})
package httpstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// ---- constants ----

const (
	defaultSpeakPath      = "/tts/stream"
	defaultAgentSpeakPath = "/agent/tts/stream"
	defaultAgentWAVPath   = "/agent/tts"
	defaultHealthPath     = "/health"

	// defaultHeaderTimeout bounds the wait for response headers. The body of
	// a stream is never subject to a timeout; cancel the context instead.
	defaultHeaderTimeout = 30 * time.Second

	// maxWAVSize caps a non-streaming reply.
	maxWAVSize = 64 << 20
)

// ---- options ----

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithHTTPClient replaces the HTTP client. The client must not set
// http.Client.Timeout, which would cut long streams short.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// WithHeaderTimeout sets how long to wait for response headers.
func WithHeaderTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.headerTimeout = d
	}
}

// WithPaths overrides the endpoint paths. Empty values keep the default.
func WithPaths(speak, agentSpeak, agentWAV, health string) Option {
	return func(p *Provider) {
		setPath(&p.speakPath, speak)
		setPath(&p.agentSpeakPath, agentSpeak)
		setPath(&p.agentWAVPath, agentWAV)
		setPath(&p.healthPath, health)
	}
}

func setPath(dst *string, v string) {
	if v != "" {
		*dst = "/" + strings.TrimLeft(v, "/")
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

// ---- Provider ----

// Provider implements tts.Provider against the voice server.
// It is safe for concurrent use.
type Provider struct {
	baseURL        string
	speakPath      string
	agentSpeakPath string
	agentWAVPath   string
	healthPath     string
	headerTimeout  time.Duration
	client         *http.Client
	guard          types.Guard
}

// New creates a Provider for baseURL, which must be an absolute http:// or
// https:// URL. Trailing slashes are removed.
func New(baseURL string, opts ...Option) (*Provider, error) {
	base, err := NormalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		baseURL:        base,
		speakPath:      defaultSpeakPath,
		agentSpeakPath: defaultAgentSpeakPath,
		agentWAVPath:   defaultAgentWAVPath,
		healthPath:     defaultHealthPath,
		headerTimeout:  defaultHeaderTimeout,
		guard:          types.Passthrough{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ResponseHeaderTimeout = p.headerTimeout
		p.client = &http.Client{Transport: tr}
	}
	return p, nil
}

// NormalizeBaseURL validates an http(s) base URL and strips trailing slashes.
func NormalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("httpstream: parse base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("httpstream: base url %q must start with http:// or https://", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// BaseURL returns the normalised base URL.
func (p *Provider) BaseURL() string { return p.baseURL }

// StreamSpeech implements tts.Provider.
func (p *Provider) StreamSpeech(ctx context.Context, route tts.Route, req tts.Request) (io.ReadCloser, error) {
	path := p.speakPath
	switch route {
	case tts.RouteSpeak:
		req.System = ""
	case tts.RouteAgentSpeak:
		path = p.agentSpeakPath
	default:
		return nil, fmt.Errorf("httpstream: unknown route %d", route)
	}

	resp, err := p.post(ctx, path, req, "application/octet-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// SynthesizeWAV implements tts.Provider.
func (p *Provider) SynthesizeWAV(ctx context.Context, req tts.Request) ([]byte, error) {
	resp, err := p.post(ctx, p.agentWAVPath, req, "audio/wav")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	wav, err := io.ReadAll(io.LimitReader(resp.Body, maxWAVSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("httpstream: read WAV response: %w", err)
	}
	return wav, nil
}

// Ping checks the server's health endpoint.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+p.healthPath, nil)
	if err != nil {
		return fmt.Errorf("httpstream: create health request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("httpstream: GET %s: %w: %w", p.healthPath, types.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpstream: GET %s: %w", p.healthPath, types.NewStatusError(resp))
	}
	return nil
}

// post sends a JSON body and returns a successful response with a body.
// Every other outcome is turned into an error and the response is closed.
func (p *Provider) post(ctx context.Context, path string, body tts.Request, accept string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("httpstream: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("httpstream: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)

	var (
		resp  *http.Response
		doErr error
	)
	guardErr := p.guard.Execute(func() error {
		resp, doErr = p.client.Do(httpReq)
		switch {
		case doErr != nil && ctx.Err() != nil:
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
		return nil, ctx.Err()
	case doErr != nil:
		return nil, fmt.Errorf("httpstream: POST %s: %w: %w", path, types.ErrNetwork, doErr)
	case resp == nil:
		// The guard refused to run the request.
		return nil, fmt.Errorf("httpstream: POST %s: %w", path, guardErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("httpstream: POST %s: %w", path, types.NewStatusError(resp))
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("httpstream: POST %s: %w", path,
			&types.StatusError{Status: resp.StatusCode, Detail: "empty response body"})
	}
	return resp, nil
}
