// Package stt defines the Provider interface for streaming speech-recognition
// transports.
//
// A provider wraps a connection to a recognition server and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session has announced its audio format to the server, accepts fixed-size
// PCM frames, and emits a single ordered stream of [Event] values: an
// informational ack, low-latency partial hypotheses, and committed finals.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
)

// StreamConfig describes the audio announced to the server when a session
// opens.
type StreamConfig struct {
	// SampleRate is the rate of the PCM frames that will be sent, in Hz.
	SampleRate int
}

// SessionHandle represents an open recognition session. It is an interface so
// that test code can provide mock implementations without requiring a live
// server.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio queues one little-endian int16 PCM frame for transmission.
	// It never blocks: when the outbound queue is full it returns
	// [ErrBackpressure] and the frame is dropped. Calling SendAudio after
	// Stop or Close returns [ErrSessionClosed].
	SendAudio(chunk []byte) error

	// Events returns a read-only channel of inbound events in arrival order.
	// Malformed or unknown server messages never appear on it. The channel
	// is closed when the session ends for any reason.
	Events() <-chan Event

	// Err returns the transport error that ended the session, or nil if the
	// session is still running or was closed by the caller.
	Err() error

	// Stop tells the server that no more audio follows. Frames queued before
	// Stop are still delivered ahead of the stop message. Calling Stop more
	// than once is safe.
	Stop() error

	// Close releases the connection. After Close returns the Events channel
	// is closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any recognition transport.
type Provider interface {
	// StartStream connects to the server and announces cfg. The returned
	// handle is ready to accept audio immediately.
	//
	// The context bounds connection establishment only; the session lives
	// until Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
