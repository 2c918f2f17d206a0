package audio

import (
	"fmt"
	"math"
)

// Quantize converts one float sample to int16 with [HeadroomGain] applied.
// See [QuantizeGain].
func Quantize(s float32) int16 {
	return QuantizeGain(s, HeadroomGain)
}

// QuantizeGain clamps s to [-1, 1], multiplies by gain, and scales
// asymmetrically: negative values by 32768 and positive values by 32767.
// The result is truncated toward zero. NaN maps to 0.
func QuantizeGain(s, gain float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	s = clampUnit(s) * gain
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// Chunker accumulates float samples into fixed-size frames and emits each
// full frame as a quantized [PCMChunk]. Samples that do not yet fill a frame
// are kept for the next call; a short chunk is never emitted.
//
// A Chunker is not safe for concurrent use.
type Chunker struct {
	gain    float32
	pending []float32 // len == frame size, filled up to n
	n       int
}

// NewChunker returns a chunker producing frames of frameSize samples.
func NewChunker(frameSize int, gain float32) (*Chunker, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("audio: chunker: invalid frame size %d", frameSize)
	}
	if gain <= 0 || gain > 1 || math.IsNaN(float64(gain)) {
		return nil, fmt.Errorf("audio: chunker: gain %v outside (0, 1]", gain)
	}
	return &Chunker{gain: gain, pending: make([]float32, frameSize)}, nil
}

// FrameSize returns the number of samples per emitted chunk.
func (c *Chunker) FrameSize() int { return len(c.pending) }

// Pending returns the number of samples waiting for the next frame.
func (c *Chunker) Pending() int { return c.n }

// Write appends samples and calls emit once for every frame completed.
// emit owns the chunk it receives.
func (c *Chunker) Write(samples []float32, emit func(PCMChunk)) {
	for len(samples) > 0 {
		n := copy(c.pending[c.n:], samples)
		c.n += n
		samples = samples[n:]
		if c.n < len(c.pending) {
			return
		}
		chunk := make(PCMChunk, len(c.pending))
		for i, s := range c.pending {
			chunk[i] = QuantizeGain(s, c.gain)
		}
		c.n = 0
		emit(chunk)
	}
}

// Reset drops any partially filled frame.
func (c *Chunker) Reset() { c.n = 0 }
