package jitter

import (
	"io"

	"github.com/MrWong99/parley/pkg/audio"
)

var _ io.Reader = (*PCMReader)(nil)

// PCMReader exposes a [Buffer] as an endless little-endian int16 byte
// stream, for output backends that pull from an [io.Reader]. Read never
// blocks and never returns an error; missing audio reads as silence.
//
// A PCMReader is owned by a single output goroutine.
type PCMReader struct {
	buf     *Buffer
	scratch []float32
}

// NewPCMReader wraps b.
func NewPCMReader(b *Buffer) *PCMReader {
	return &PCMReader{buf: b}
}

// Read fills p with whole samples. A trailing odd byte in p is left unused.
func (r *PCMReader) Read(p []byte) (int, error) {
	n := len(p) / 2
	if n == 0 {
		return 0, nil
	}
	if cap(r.scratch) < n {
		r.scratch = make([]float32, n)
	}
	s := r.scratch[:n]
	r.buf.Read(s)
	return audio.EncodePCM16(p, s), nil
}
