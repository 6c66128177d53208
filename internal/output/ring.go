// Package output plays the rendered mix on a local sound device.
package output

import "sync"

// Ring is a fixed-size sample FIFO between the engine's frame stream and
// the device callback. Writes that do not fit are truncated; reads past the
// end are short.
type Ring struct {
	mu    sync.Mutex
	buf   []float32
	size  int
	read  int
	write int
}

// NewRing holds up to size-1 samples.
func NewRing(size int) *Ring {
	return &Ring{
		buf:  make([]float32, size),
		size: size,
	}
}

// Write appends samples and returns how many fit.
func (r *Ring) Write(samples []float32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range samples {
		next := (r.write + 1) % r.size
		if next == r.read {
			break
		}
		r.buf[r.write] = s
		r.write = next
		n++
	}
	return n
}

// Read fills out and returns how many samples were available.
func (r *Ring) Read(out []float32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range out {
		if r.read == r.write {
			break
		}
		out[i] = r.buf[r.read]
		r.read = (r.read + 1) % r.size
		n++
	}
	return n
}

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (r.write - r.read + r.size) % r.size
}
