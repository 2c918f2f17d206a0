// Package mock provides in-memory mock implementations of the
// [device.Capture], [device.CaptureStream], and [device.Output] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Capture{Format: audio.Format{SampleRate: 48000, Channels: 2}}
//	stream, err := mic.OpenCapture(ctx, device.CaptureConfig{}, onBlock)
//	mic.Emit([][]float32{left, right}) // drives onBlock synchronously
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [device.Capture].
type Capture struct {
	mu sync.Mutex

	// Format is reported by every stream opened from this mock. Defaults to
	// 48000 Hz mono when left zero.
	Format audio.Format

	// OpenError is returned by OpenCapture when non-nil.
	OpenError error

	// CloseError is returned by the stream's Close.
	CloseError error

	// OpenCalls records the config passed to each OpenCapture call.
	OpenCalls []device.CaptureConfig

	// Streams holds every stream returned by OpenCapture, in order.
	Streams []*CaptureStream
}

// OpenCapture implements [device.Capture].
func (c *Capture) OpenCapture(_ context.Context, cfg device.CaptureConfig, onBlock device.BlockFunc) (device.CaptureStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls = append(c.OpenCalls, cfg)
	if c.OpenError != nil {
		return nil, c.OpenError
	}
	f := c.Format
	if f.SampleRate == 0 {
		f = audio.Format{SampleRate: 48000, Channels: 1}
	}
	s := &CaptureStream{format: f, onBlock: onBlock, closeErr: c.CloseError}
	c.Streams = append(c.Streams, s)
	return s, nil
}

// Emit delivers a block to the most recently opened stream, if it is still
// open. It returns false when there is nothing to deliver to.
func (c *Capture) Emit(channels [][]float32) bool {
	c.mu.Lock()
	if len(c.Streams) == 0 {
		c.mu.Unlock()
		return false
	}
	s := c.Streams[len(c.Streams)-1]
	c.mu.Unlock()
	return s.Emit(channels)
}

// CaptureStream is the [device.CaptureStream] returned by [Capture].
type CaptureStream struct {
	mu       sync.Mutex
	format   audio.Format
	onBlock  device.BlockFunc
	closeErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Format implements [device.CaptureStream].
func (s *CaptureStream) Format() audio.Format { return s.format }

// Emit invokes the registered block callback synchronously unless the
// stream was closed.
func (s *CaptureStream) Emit(channels [][]float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CallCountClose > 0 {
		return false
	}
	s.onBlock(channels)
	return true
}

// Closed reports whether Close has been called.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}

// Close implements [device.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.closeErr
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [device.Output].
type Output struct {
	mu sync.Mutex

	// ResumeError is returned by Resume.
	ResumeError error

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// CallCountSuspend records how many times Suspend was called.
	CallCountSuspend int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Resume implements [device.Output].
func (o *Output) Resume(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountResume++
	return o.ResumeError
}

// Suspend implements [device.Output].
func (o *Output) Suspend() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountSuspend++
	return nil
}

// Close implements [device.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return nil
}

// Resumes returns CallCountResume under the lock.
func (o *Output) Resumes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountResume
}
