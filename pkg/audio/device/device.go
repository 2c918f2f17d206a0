// Package device defines the boundary between the audio pipeline and the
// sound hardware, and implements it on top of miniaudio (malgo) and oto.
//
// Capture is push-based: the backend invokes a [BlockFunc] from its own
// real-time thread with planar float blocks at the device's native rate.
// Output is pull-based: the backend repeatedly asks a [Source] for exactly
// as many samples as it needs next. Both callbacks must return quickly and
// must not block on I/O.
package device

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrUnavailable wraps every failure to acquire a capture or output device.
var ErrUnavailable = errors.New("device: unavailable")

// BlockFunc receives one capture block as planar channels. The slices are
// reused by the backend after the call returns.
type BlockFunc func(channels [][]float32)

// CaptureConfig selects how a capture stream is opened.
type CaptureConfig struct {
	// Channels requested from the device. Zero lets the backend choose.
	Channels int

	// SampleRate requested from the device. Zero uses the device's native
	// rate, which is what the resampler expects.
	SampleRate int
}

// Capture opens microphone streams.
type Capture interface {
	// OpenCapture acquires the default input device and starts delivering
	// blocks to onBlock. The returned stream reports the negotiated format.
	OpenCapture(ctx context.Context, cfg CaptureConfig, onBlock BlockFunc) (CaptureStream, error)
}

// CaptureStream is a running capture.
type CaptureStream interface {
	// Format returns the negotiated sample rate and channel count.
	Format() audio.Format

	// Close stops delivery. No callback runs after Close returns.
	Close() error
}

// Source supplies output samples. It must fill out completely and never
// block. [jitter.Buffer] is the canonical implementation.
type Source interface {
	Read(out []float32) int
}

// Output is a playback device rendering from a [Source] or reader.
type Output interface {
	// Resume starts or wakes the device. It is a no-op when already running.
	Resume(ctx context.Context) error

	// Suspend pauses rendering without releasing the device.
	Suspend() error

	// Close releases the device.
	Close() error
}
