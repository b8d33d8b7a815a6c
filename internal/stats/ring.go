package stats

import "sync"

// ring is a fixed-size buffer of activities. When full, the oldest entry is
// overwritten.
type ring struct {
	buf  []Activity
	size int
	head int // next write position
	full bool
	mu   sync.RWMutex
}

func newRing(size int) *ring {
	if size <= 0 {
		size = DefaultActivityCapacity
	}
	return &ring{
		buf:  make([]Activity, size),
		size: size,
	}
}

func (r *ring) push(a Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = a
	r.head = (r.head + 1) % r.size
	if r.head == 0 {
		r.full = true
	}
}

// newest returns up to n entries, newest first. n <= 0 returns everything.
func (r *ring) newest(n int) []Activity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.head
	if r.full {
		count = r.size
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]Activity, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.head - i + r.size) % r.size
		out = append(out, r.buf[idx])
	}
	return out
}

func (r *ring) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return r.size
	}
	return r.head
}
