// Package audio holds the capture-side signal path: downmixing, resampling to
// the fixed transmission rate, quantization to 16-bit PCM and framing, plus
// the PCM and WAV decoding used on the playback side.
//
// [CapturePipeline] chains the stages; each stage is also usable on its own.
package audio

import (
	"encoding/binary"
	"time"
)

// Pipeline-wide constants for the transmitted stream.
const (
	// TargetRate is the sample rate of every PCM stream that leaves or enters
	// the process.
	TargetRate = 16000

	// FrameDuration is the duration of one transmitted [PCMChunk].
	FrameDuration = 20 * time.Millisecond

	// FrameSize is the number of samples in one [PCMChunk] at [TargetRate].
	FrameSize = TargetRate * int(FrameDuration/time.Millisecond) / 1000

	// HeadroomGain is applied to every sample before quantization so that
	// full-scale input never touches the int16 rails.
	HeadroomGain = 0.95

	// StreamReadSamples is the most samples one read of a PCM16 response
	// body yields: 100 ms at [TargetRate].
	StreamReadSamples = TargetRate / 10
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// AudioFrame is a block of single-channel float samples at a fixed rate.
// Frames are handed downstream by value and never mutated afterwards.
type AudioFrame struct {
	// Samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks the position of the first sample relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// PCMChunk is one fixed-length frame of signed 16-bit mono PCM at
// [TargetRate]. A chunk is immutable once emitted; ownership passes to
// whoever receives it.
type PCMChunk []int16

// Bytes encodes the chunk as little-endian int16, the wire format of the
// capture transport.
func (c PCMChunk) Bytes() []byte {
	out := make([]byte, len(c)*2)
	for i, s := range c {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
