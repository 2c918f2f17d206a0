package audio

import (
	"encoding/binary"
	"fmt"
)

// Downmix averages the channels of a planar block into mono and appends the
// result to dst. A single channel is copied through unchanged. When channels
// have different lengths only the common prefix is mixed. An empty block
// appends nothing.
func Downmix(dst []float32, channels [][]float32) []float32 {
	if len(channels) == 0 {
		return dst
	}
	n := len(channels[0])
	for _, ch := range channels[1:] {
		n = min(n, len(ch))
	}
	if n == 0 {
		return dst
	}
	if len(channels) == 1 {
		return append(dst, channels[0][:n]...)
	}

	scale := 1 / float32(len(channels))
	for i := range n {
		var sum float32
		for _, ch := range channels {
			sum += ch[i]
		}
		dst = append(dst, sum*scale)
	}
	return dst
}

// Deinterleave splits an interleaved float block into planar channels,
// reusing the slices in dst where their capacity allows.
func Deinterleave(dst [][]float32, interleaved []float32, channels int) [][]float32 {
	if channels <= 0 {
		return dst[:0]
	}
	frames := len(interleaved) / channels
	if cap(dst) < channels {
		dst = make([][]float32, channels)
	}
	dst = dst[:channels]
	for c := range channels {
		if cap(dst[c]) < frames {
			dst[c] = make([]float32, frames)
		}
		dst[c] = dst[c][:frames]
	}
	for i := range frames {
		for c := range channels {
			dst[c][i] = interleaved[i*channels+c]
		}
	}
	return dst
}

// DecodePCM16 decodes little-endian int16 PCM into floats scaled by 1/32768
// and clamped to [-1, 1], appending to dst. A trailing odd byte is ignored;
// callers streaming from a network body carry it into the next read.
func DecodePCM16(dst []float32, pcm []byte) []float32 {
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float32(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768
		dst = append(dst, clampUnit(s))
	}
	return dst
}

// EncodePCM16 converts float samples to little-endian int16 without gain,
// writing into dst, which must hold at least 2*len(samples) bytes.
// Returns the number of bytes written.
func EncodePCM16(dst []byte, samples []float32) int {
	for i, s := range samples {
		s = clampUnit(s)
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
	}
	return len(samples) * 2
}

func clampUnit(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
