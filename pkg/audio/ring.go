package audio

// ring is a fixed-capacity FIFO of float samples addressed relative to its
// current head. It never reallocates after construction.
type ring struct {
	buf  []float32
	head int
	size int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float32, capacity)}
}

func (r *ring) len() int  { return r.size }
func (r *ring) free() int { return len(r.buf) - r.size }

// at returns the i-th buffered sample, 0 being the oldest.
func (r *ring) at(i int) float32 {
	return r.buf[(r.head+i)%len(r.buf)]
}

// write appends as many samples as fit and returns how many were taken.
func (r *ring) write(samples []float32) int {
	n := min(len(samples), r.free())
	tail := (r.head + r.size) % len(r.buf)
	first := copy(r.buf[tail:], samples[:n])
	copy(r.buf, samples[first:n])
	r.size += n
	return n
}

// discard drops the n oldest samples.
func (r *ring) discard(n int) {
	n = min(n, r.size)
	r.head = (r.head + n) % len(r.buf)
	r.size -= n
}

func (r *ring) reset() {
	r.head = 0
	r.size = 0
}
