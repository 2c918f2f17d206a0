// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled PCM bodies to playback and to verify which
// route, text, voice and system prompt were sent to the backend.
//
// Example:
//
//	p := &mock.Provider{StreamBody: pcm}
//	body, _ := p.StreamSpeech(ctx, tts.RouteSpeak, tts.Request{Text: "hi"})
package mock

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// StreamSpeechCall records a single invocation of StreamSpeech.
type StreamSpeechCall struct {
	// Route is the route passed to StreamSpeech.
	Route tts.Route
	// Request is the request passed to StreamSpeech.
	Request tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamBody is returned as the response body of StreamSpeech.
	StreamBody []byte

	// StreamErr, if non-nil, is returned from StreamSpeech.
	StreamErr error

	// StreamFunc, if set, replaces the default StreamSpeech behaviour. It is
	// called after the call has been recorded.
	StreamFunc func(ctx context.Context, route tts.Route, req tts.Request) (io.ReadCloser, error)

	// WAV is returned by SynthesizeWAV.
	WAV []byte

	// WAVErr, if non-nil, is returned from SynthesizeWAV.
	WAVErr error

	// --- Call records ---

	// StreamSpeechCalls records every call to StreamSpeech in order.
	StreamSpeechCalls []StreamSpeechCall

	// SynthesizeWAVCalls records every request passed to SynthesizeWAV.
	SynthesizeWAVCalls []tts.Request
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// StreamSpeech implements tts.Provider.
func (p *Provider) StreamSpeech(ctx context.Context, route tts.Route, req tts.Request) (io.ReadCloser, error) {
	p.mu.Lock()
	p.StreamSpeechCalls = append(p.StreamSpeechCalls, StreamSpeechCall{Route: route, Request: req})
	fn, body, err := p.StreamFunc, p.StreamBody, p.StreamErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, route, req)
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// SynthesizeWAV implements tts.Provider.
func (p *Provider) SynthesizeWAV(_ context.Context, req tts.Request) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeWAVCalls = append(p.SynthesizeWAVCalls, req)
	if p.WAVErr != nil {
		return nil, p.WAVErr
	}
	return p.WAV, nil
}

// Calls returns a snapshot of the recorded StreamSpeech calls.
func (p *Provider) Calls() []StreamSpeechCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StreamSpeechCall(nil), p.StreamSpeechCalls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamSpeechCalls = nil
	p.SynthesizeWAVCalls = nil
}
