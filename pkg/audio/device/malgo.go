package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

var (
	_ Capture       = (*Malgo)(nil)
	_ CaptureStream = (*malgoCapture)(nil)
	_ Output        = (*MalgoOutput)(nil)
)

// Malgo owns one miniaudio context shared by every capture and output
// device it opens.
type Malgo struct {
	ctx *malgo.AllocatedContext
}

// NewMalgo initialises miniaudio with its default backend order.
func NewMalgo() (*Malgo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: malgo: init context: %w", ErrUnavailable, err)
	}
	return &Malgo{ctx: ctx}, nil
}

// Close releases the miniaudio context. Devices opened from it must be
// closed first.
func (m *Malgo) Close() error {
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

// ---- capture ----

type malgoCapture struct {
	dev    *malgo.Device
	format audio.Format

	// Owned by the device thread.
	interleaved []float32
	planar      [][]float32

	once sync.Once
}

// OpenCapture implements [Capture]. Samples are requested as 32-bit float so
// no integer conversion happens on the capture path.
func (m *Malgo) OpenCapture(_ context.Context, cfg CaptureConfig, onBlock BlockFunc) (CaptureStream, error) {
	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = uint32(max(cfg.Channels, 0))
	dc.SampleRate = uint32(max(cfg.SampleRate, 0))
	dc.Alsa.NoMMap = 1

	c := &malgoCapture{}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frames uint32) {
			c.deliver(input, int(frames), onBlock)
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, dc, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: malgo: init capture device: %w", ErrUnavailable, err)
	}
	c.dev = dev
	c.format = audio.Format{
		SampleRate: int(dev.SampleRate()),
		Channels:   int(dev.CaptureChannels()),
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("%w: malgo: start capture device: %w", ErrUnavailable, err)
	}

	slog.Info("capture device opened", "format", c.format.String())
	return c, nil
}

func (c *malgoCapture) deliver(input []byte, frames int, onBlock BlockFunc) {
	ch := c.format.Channels
	if ch <= 0 || frames <= 0 {
		return
	}
	n := min(frames*ch, len(input)/4)
	if cap(c.interleaved) < n {
		c.interleaved = make([]float32, n)
	}
	buf := c.interleaved[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}
	c.planar = audio.Deinterleave(c.planar, buf, ch)
	onBlock(c.planar)
}

func (c *malgoCapture) Format() audio.Format { return c.format }

func (c *malgoCapture) Close() error {
	var err error
	c.once.Do(func() {
		if stopErr := c.dev.Stop(); stopErr != nil {
			err = fmt.Errorf("malgo: stop capture device: %w", stopErr)
		}
		c.dev.Uninit()
	})
	return err
}

// ---- output ----

// MalgoOutput is a callback-driven playback device. The device is created
// lazily on the first Resume so that an idle client holds no audio handle.
type MalgoOutput struct {
	ctx  *malgo.AllocatedContext
	src  Source
	rate int

	mu  sync.Mutex
	dev *malgo.Device

	scratch []float32 // owned by the device thread
}

// NewOutput returns a mono float output at rate Hz rendering from src.
func (m *Malgo) NewOutput(src Source, rate int) *MalgoOutput {
	return &MalgoOutput{ctx: m.ctx, src: src, rate: rate}
}

// Resume implements [Output].
func (o *MalgoOutput) Resume(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.dev == nil {
		dc := malgo.DefaultDeviceConfig(malgo.Playback)
		dc.Playback.Format = malgo.FormatF32
		dc.Playback.Channels = 1
		dc.SampleRate = uint32(o.rate)
		dc.Alsa.NoMMap = 1

		dev, err := malgo.InitDevice(o.ctx.Context, dc, malgo.DeviceCallbacks{
			Data: func(output, _ []byte, frames uint32) {
				o.render(output, int(frames))
			},
		})
		if err != nil {
			return fmt.Errorf("%w: malgo: init playback device: %w", ErrUnavailable, err)
		}
		o.dev = dev
		slog.Info("playback device opened", "format", audio.Format{SampleRate: o.rate, Channels: 1}.String())
	}
	if o.dev.IsStarted() {
		return nil
	}
	if err := o.dev.Start(); err != nil {
		return fmt.Errorf("malgo: start playback device: %w", err)
	}
	return nil
}

func (o *MalgoOutput) render(output []byte, frames int) {
	n := min(frames, len(output)/4)
	if cap(o.scratch) < n {
		o.scratch = make([]float32, n)
	}
	buf := o.scratch[:n]
	o.src.Read(buf)
	for i, s := range buf {
		binary.LittleEndian.PutUint32(output[i*4:], math.Float32bits(s))
	}
}

// Suspend implements [Output].
func (o *MalgoOutput) Suspend() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dev == nil || !o.dev.IsStarted() {
		return nil
	}
	if err := o.dev.Stop(); err != nil {
		return fmt.Errorf("malgo: stop playback device: %w", err)
	}
	return nil
}

// Close implements [Output].
func (o *MalgoOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dev == nil {
		return nil
	}
	if o.dev.IsStarted() {
		if err := o.dev.Stop(); err != nil {
			slog.Warn("malgo: stop playback device", "err", err)
		}
	}
	o.dev.Uninit()
	o.dev = nil
	return nil
}
