// Package tts defines the Provider interface for speech-synthesis backends.
//
// A TTS provider wraps an HTTP synthesis service and exposes its response
// body as a stream of raw little-endian int16 PCM at 16 kHz mono, so playback
// can start while the server is still synthesising. Two routes exist: one
// speaks the given text verbatim, the other first asks the agent and speaks
// its reply.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"io"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// StreamSpeech posts req to the given route and returns the response body
	// once the server has accepted the request. The caller must close it.
	//
	// Errors before a response are wrapped with [types.ErrNetwork] unless ctx
	// was cancelled, in which case ctx.Err() is returned. A non-success
	// status or a missing body yields a [*types.StatusError].
	StreamSpeech(ctx context.Context, route Route, req Request) (io.ReadCloser, error)

	// SynthesizeWAV asks the agent and returns its spoken reply as a complete
	// RIFF/WAVE file. It shares the error contract of StreamSpeech.
	SynthesizeWAV(ctx context.Context, req Request) ([]byte, error)
}
