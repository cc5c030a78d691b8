package loopback

import "sync"

// ring is a fixed-capacity FIFO of samples. Writes past capacity overwrite
// the oldest samples.
type ring struct {
	mu    sync.Mutex
	buf   []int16
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]int16, capacity)}
}

// write appends p and returns how many old samples were overwritten.
func (r *ring) write(p []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := len(r.buf)
	if len(p) >= size {
		dropped := r.n + len(p) - size
		copy(r.buf, p[len(p)-size:])
		r.start, r.n = 0, size
		return dropped
	}
	dropped := 0
	if over := r.n + len(p) - size; over > 0 {
		r.start = (r.start + over) % size
		r.n -= over
		dropped = over
	}
	end := (r.start + r.n) % size
	k := copy(r.buf[end:], p)
	copy(r.buf, p[k:])
	r.n += len(p)
	return dropped
}

// read fills p from the oldest samples and returns how many it copied.
func (r *ring) read(p []int16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(len(p), r.n)
	size := len(r.buf)
	k := copy(p[:n], r.buf[r.start:min(r.start+n, size)])
	copy(p[k:n], r.buf[:n-k])
	r.start = (r.start + n) % size
	r.n -= n
	return n
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
