package device

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

var _ Output = (*OtoOutput)(nil)

// otoBufferSize keeps oto's internal buffer close to one render quantum so
// that flushes are audible immediately.
const otoBufferSize = 40 * time.Millisecond

// otoContext is the part of *oto.Context that OtoOutput drives.
type otoContext interface {
	NewPlayer(r io.Reader) otoPlayer
	Resume() error
	Suspend() error
}

type otoPlayer interface {
	Play()
	IsPlaying() bool
	Close() error
}

var _ otoPlayer = (*oto.Player)(nil)

type otoDriver struct{ *oto.Context }

func (d otoDriver) NewPlayer(r io.Reader) otoPlayer { return d.Context.NewPlayer(r) }

// Oto refuses a second NewContext in the same process, so the context is
// created once and shared by every OtoOutput.
var otoShared struct {
	once  sync.Once
	ctx   otoContext
	ready <-chan struct{}
	rate  int
	err   error
}

func openOto(rate int) (otoContext, <-chan struct{}, error) {
	s := &otoShared
	s.once.Do(func() {
		c, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   rate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   otoBufferSize,
		})
		if err != nil {
			s.err = fmt.Errorf("oto: new context: %w", err)
			return
		}
		s.ctx, s.ready, s.rate = otoDriver{c}, ready, rate
	})
	switch {
	case s.err != nil:
		return nil, nil, s.err
	case s.rate != rate:
		return nil, nil, fmt.Errorf("oto: context already open at %d Hz, cannot play %d Hz", s.rate, rate)
	}
	return s.ctx, s.ready, nil
}

// OtoOutput plays a never-ending int16 stream pulled from an [io.Reader]
// through oto. All OtoOutputs share the process-wide oto context, so they
// must agree on the sample rate.
type OtoOutput struct {
	src  io.Reader
	rate int
	open func(rate int) (otoContext, <-chan struct{}, error)

	mu     sync.Mutex
	ctx    otoContext
	ready  <-chan struct{}
	player otoPlayer
}

// NewOtoOutput returns a mono int16 output at rate Hz. src is typically a
// [jitter.PCMReader].
func NewOtoOutput(src io.Reader, rate int) *OtoOutput {
	return &OtoOutput{src: src, rate: rate, open: openOto}
}

// Resume implements [Output]. The first call opens the oto context and waits
// for the driver to become ready. A context that ends the wait early leaves
// the oto context in place for the next call.
func (o *OtoOutput) Resume(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx == nil {
		c, ready, err := o.open(o.rate)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		o.ctx, o.ready = c, ready
	}
	select {
	case <-o.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	if o.player == nil {
		o.player = o.ctx.NewPlayer(o.src)
		o.player.Play()
		return nil
	}
	if err := o.ctx.Resume(); err != nil {
		return fmt.Errorf("oto: resume: %w", err)
	}
	if !o.player.IsPlaying() {
		o.player.Play()
	}
	return nil
}

// Suspend implements [Output].
func (o *OtoOutput) Suspend() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player == nil {
		return nil
	}
	if err := o.ctx.Suspend(); err != nil {
		return fmt.Errorf("oto: suspend: %w", err)
	}
	return nil
}

// Close implements [Output]. It closes the player and suspends the oto
// context, which cannot be destroyed. A later Resume starts a new player on
// the same context.
func (o *OtoOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.player == nil {
		return nil
	}
	err := o.player.Close()
	o.player = nil
	if sErr := o.ctx.Suspend(); sErr != nil && err == nil {
		err = sErr
	}
	if err != nil {
		return fmt.Errorf("oto: close: %w", err)
	}
	return nil
}
