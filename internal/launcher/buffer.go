package launcher

import "sync"

// OutputBuffer keeps the most recent bytes written to it.
type OutputBuffer struct {
	mu    sync.Mutex
	data  []byte
	start int
	size  int
}

// NewOutputBuffer creates a buffer holding at most capacity bytes.
func NewOutputBuffer(capacity int) *OutputBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutputBuffer{data: make([]byte, capacity)}
}

// Write appends p, overwriting the oldest bytes when full. It never fails.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	capacity := len(b.data)
	if len(p) > capacity {
		p = p[len(p)-capacity:]
	}

	for len(p) > 0 {
		end := (b.start + b.size) % capacity
		copied := copy(b.data[end:], p)
		p = p[copied:]

		// Anything written past free space replaced the oldest bytes.
		b.size += copied
		if b.size > capacity {
			b.start = (b.start + b.size - capacity) % capacity
			b.size = capacity
		}
	}
	return n, nil
}

// Len returns the number of buffered bytes.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// ReadAll returns the buffered bytes oldest first and empties the buffer.
func (b *OutputBuffer) ReadAll() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, b.size)
	first := copy(out, b.data[b.start:min(b.start+b.size, len(b.data))])
	copy(out[first:], b.data[:b.size-first])

	b.start, b.size = 0, 0
	return out
}
