package audio

import (
	"fmt"
	"math"
)

// DefaultRingCapacity is the resampler's input buffer size in samples. It
// comfortably holds one device callback at 192 kHz.
const DefaultRingCapacity = 8192

// Resampler downmixes planar multi-channel blocks to mono and converts them
// from the device rate to a fixed output rate by linear interpolation.
//
// The fractional read position survives block boundaries, so feeding a
// signal in arbitrary pieces yields the same samples as feeding it at once.
// Input that cannot be interpolated yet (the last sample or two of a block)
// stays in a fixed-capacity ring until the next block arrives.
//
// A Resampler is not safe for concurrent use; one capture callback owns it.
type Resampler struct {
	inRate  int
	outRate int
	ratio   float64
	// step is the read-ahead required before an output sample may be
	// produced. It equals ratio when downsampling and 1 when upsampling, so
	// the upper interpolation neighbour is always real input.
	step float64

	in   *ring
	pos  float64 // next output position, relative to the ring head
	mono []float32
}

// NewResampler creates a resampler from inRate to outRate. capacity is the
// ring size in samples; values too small to make progress are raised.
func NewResampler(inRate, outRate, capacity int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("audio: resampler: invalid rates %d -> %d", inRate, outRate)
	}
	ratio := float64(inRate) / float64(outRate)
	step := max(ratio, 1)
	if floor := int(math.Ceil(step))*4 + 64; capacity < floor {
		capacity = floor
	}
	return &Resampler{
		inRate:  inRate,
		outRate: outRate,
		ratio:   ratio,
		step:    step,
		in:      newRing(capacity),
	}, nil
}

// Ratio returns inRate/outRate.
func (r *Resampler) Ratio() float64 { return r.ratio }

// Phase returns the fractional input offset of the next output sample
// relative to the end of the input consumed so far. It is zero before the
// first block and in [-max(ratio, 1), 0) afterwards.
func (r *Resampler) Phase() float64 {
	return r.pos - float64(r.in.len())
}

// Process downmixes one planar block and appends every output sample that
// can be produced from the input seen so far to dst.
func (r *Resampler) Process(dst []float32, channels [][]float32) []float32 {
	r.mono = Downmix(r.mono[:0], channels)
	in := r.mono
	for len(in) > 0 {
		n := r.in.write(in)
		in = in[n:]
		dst = r.drain(dst)
		if n == 0 {
			// Unreachable with the minimum capacity enforced by NewResampler.
			break
		}
	}
	return dst
}

// drain emits output samples while position+step stays inside the buffered
// input, then discards input that no future output can reference.
func (r *Resampler) drain(dst []float32) []float32 {
	size := r.in.len()
	for r.pos+r.step < float64(size) {
		i0 := int(r.pos)
		frac := float32(r.pos - float64(i0))
		s0 := r.in.at(i0)
		s1 := s0
		if i0+1 < size {
			s1 = r.in.at(i0 + 1)
		}
		dst = append(dst, s0+(s1-s0)*frac)
		r.pos += r.ratio
	}
	consumed := min(int(r.pos), size)
	r.in.discard(consumed)
	r.pos -= float64(consumed)
	return dst
}

// Reset discards buffered input and the carried phase.
func (r *Resampler) Reset() {
	r.in.reset()
	r.pos = 0
}
