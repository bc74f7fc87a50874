package pty

import "sync"

// DefaultBufferCap bounds the raw output retained per PTY.
const DefaultBufferCap = 1 << 20

// RingBuffer accumulates raw output chunks up to a byte cap, evicting
// the oldest chunks once the cap is exceeded.
type RingBuffer struct {
	mu   sync.Mutex
	data [][]byte
	size int
	max  int
}

// NewRingBuffer creates a buffer holding at most max bytes. Non-positive
// max falls back to DefaultBufferCap.
func NewRingBuffer(max int) *RingBuffer {
	if max <= 0 {
		max = DefaultBufferCap
	}
	return &RingBuffer{max: max}
}

// Push appends a copy of p, evicting from the head as needed.
func (rb *RingBuffer) Push(p []byte) {
	if len(p) == 0 {
		return
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	chunk := make([]byte, len(p))
	copy(chunk, p)
	rb.data = append(rb.data, chunk)
	rb.size += len(chunk)

	for rb.size > rb.max && len(rb.data) > 0 {
		rb.size -= len(rb.data[0])
		rb.data[0] = nil
		rb.data = rb.data[1:]
	}
}

// Bytes returns the buffered output as one slice.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]byte, 0, rb.size)
	for _, chunk := range rb.data {
		out = append(out, chunk...)
	}
	return out
}

// Len returns the buffered byte count.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.size
}

// Reset discards all buffered output.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = nil
	rb.size = 0
}
