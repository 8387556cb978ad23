package sandbox

import (
	"sync"
)

// tailBuffer keeps the most recent bytes written to it. Tools like nmap with
// verbose flags or nuclei on a large target can emit megabytes; only the tail
// is kept as raw output.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	size  int
	head  int // next write position
	full  bool
	total int64
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = 64 * 1024
	}
	return &tailBuffer{buf: make([]byte, size), size: size}
}

// Write implements io.Writer. It never fails.
func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	if len(p) >= b.size {
		copy(b.buf, p[len(p)-b.size:])
		b.head = 0
		b.full = true
		return len(p), nil
	}
	n := copy(b.buf[b.head:], p)
	if n < len(p) {
		copy(b.buf, p[n:])
		b.full = true
	}
	b.head = (b.head + len(p)) % b.size
	if b.head == 0 && len(p) > 0 {
		b.full = true
	}
	return len(p), nil
}

// String returns the retained bytes in write order.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		return string(b.buf[:b.head])
	}
	return string(b.buf[b.head:]) + string(b.buf[:b.head])
}

// Truncated reports whether earlier output was dropped.
func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total > int64(b.size)
}
