// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Event values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.Event{Kind: stt.EventFinal, Text: "hello"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of StartStreamCalls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.StartStreamCalls...)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Its events channel
// is closed by Close or Fail, mirroring the real transport.
type Session struct {
	mu     sync.Mutex
	events chan stt.Event
	ended  bool
	err    error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Sent holds a copy of every chunk passed to SendAudio, in order.
	Sent [][]byte

	// StopCallCount is the number of times Stop was called.
	StopCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// Order records "audio", "stop" and "close" in call order.
	Order []string
}

// NewSession returns a Session with a buffered events channel.
func NewSession() *Session {
	return &Session{events: make(chan stt.Event, 64)}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	if s.StopCallCount > 0 || s.ended {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Sent = append(s.Sent, cp)
	s.Order = append(s.Order, "audio")
	return nil
}

// Events returns the events channel.
func (s *Session) Events() <-chan stt.Event { return s.events }

// Err returns the error passed to Fail.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop records the call and returns StopErr.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCallCount++
	s.Order = append(s.Order, "stop")
	return s.StopErr
}

// Close records the call, closes the events channel, and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.Order = append(s.Order, "close")
	s.endLocked()
	return s.CloseErr
}

// Emit delivers ev to the consumer. It returns false after the session ended.
func (s *Session) Emit(ev stt.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.events <- ev
	return true
}

// Fail simulates a transport failure: Err starts returning err and the
// events channel is closed.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.err = err
	s.endLocked()
}

// SentCount returns the number of chunks recorded by SendAudio. Thread-safe.
func (s *Session) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}

// Calls returns a copy of Order. Thread-safe.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Order...)
}

func (s *Session) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
