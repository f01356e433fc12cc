package device

import "sync"

// Scope tracks the buffers one session holds. Close returns every one of them
// to the pool, so a session that ends early or is cancelled leaks nothing.
type Scope struct {
	pool *Pool

	mu     sync.Mutex
	bufs   map[*float32][]float32
	closed bool
}

func newScope(p *Pool) *Scope {
	return &Scope{pool: p, bufs: make(map[*float32][]float32)}
}

// Buffer acquires a zeroed buffer of length n owned by the scope.
func (s *Scope) Buffer(n int) []float32 {
	buf := s.pool.Get(n)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// late request after Close; hand out an untracked buffer
		return buf
	}
	s.bufs[key(buf)] = buf
	return buf
}

// Release returns one buffer early. Unknown buffers are ignored.
func (s *Scope) Release(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	s.mu.Lock()
	k := key(buf)
	b, ok := s.bufs[k]
	delete(s.bufs, k)
	s.mu.Unlock()
	if ok {
		s.pool.Put(b)
	}
}

// Held reports the number of buffers currently owned.
func (s *Scope) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bufs)
}

// Close returns all held buffers. It is safe to call more than once.
func (s *Scope) Close() {
	s.mu.Lock()
	bufs := s.bufs
	s.bufs = nil
	s.closed = true
	s.mu.Unlock()

	for _, b := range bufs {
		s.pool.Put(b)
	}
}

func key(buf []float32) *float32 {
	return &buf[:1][0]
}
