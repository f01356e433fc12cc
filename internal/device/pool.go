package device

import (
	"container/list"
	"math/bits"
	"sync"

	"github.com/casonadams/minerva/internal/metrics"
)

// Pool recycles float32 buffers in power-of-two size classes. Idle buffers
// are kept in one LRU list across all classes; once the idle footprint passes
// the ceiling the least recently released buffer is dropped.
type Pool struct {
	mu      sync.Mutex
	limit   int64
	idle    int64
	live    int64
	lru     *list.List
	buckets map[int][]*list.Element

	hits, misses, evictions int64
}

type idleBuffer struct {
	class int
	buf   []float32
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	IdleBytes int64 `json:"idle_bytes"`
	LiveBytes int64 `json:"live_bytes"`
	Limit     int64 `json:"limit_bytes"`
}

// NewPool creates a pool that keeps at most limit bytes of idle buffers.
func NewPool(limit int64) *Pool {
	return &Pool{
		limit:   limit,
		lru:     list.New(),
		buckets: make(map[int][]*list.Element),
	}
}

// sizeClass rounds n up to the next power of two.
func sizeClass(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func bufBytes(n int) int64 { return int64(n) * 4 }

// Get returns a zeroed buffer of length n. Its capacity is the size class.
func (p *Pool) Get(n int) []float32 {
	class := sizeClass(n)

	p.mu.Lock()
	if b := p.buckets[class]; len(b) > 0 {
		e := b[len(b)-1]
		p.buckets[class] = b[:len(b)-1]
		p.lru.Remove(e)
		p.idle -= bufBytes(class)
		p.hits++
		idle := p.idle
		p.mu.Unlock()

		metrics.PoolHits.Inc()
		metrics.PoolIdleBytes.Set(float64(idle))
		buf := e.Value.(*idleBuffer).buf[:n]
		clear(buf)
		return buf
	}
	p.misses++
	p.live += bufBytes(class)
	live := p.live
	p.mu.Unlock()

	metrics.PoolMisses.Inc()
	metrics.RecordDeviceMemory(live)
	return make([]float32, n, class)
}

// Put parks buf for reuse. Buffers that did not come from Get are dropped.
func (p *Pool) Put(buf []float32) {
	class := cap(buf)
	if class == 0 || class != sizeClass(class) {
		return
	}

	p.mu.Lock()
	e := p.lru.PushFront(&idleBuffer{class: class, buf: buf[:class]})
	p.buckets[class] = append(p.buckets[class], e)
	p.idle += bufBytes(class)
	evicted := p.evictLocked()
	idle, live := p.idle, p.live
	p.mu.Unlock()

	if evicted > 0 {
		metrics.PoolEvictions.Add(float64(evicted))
		metrics.RecordDeviceMemory(live)
	}
	metrics.PoolIdleBytes.Set(float64(idle))
}

// evictLocked drops idle buffers from the cold end until under the limit.
func (p *Pool) evictLocked() int {
	var n int
	for p.idle > p.limit {
		e := p.lru.Back()
		if e == nil {
			break
		}
		ib := e.Value.(*idleBuffer)
		p.lru.Remove(e)
		// the coldest entry of a class is always the first in its bucket
		b := p.buckets[ib.class]
		p.buckets[ib.class] = b[1:]
		if len(b) == 1 {
			delete(p.buckets, ib.class)
		}
		p.idle -= bufBytes(ib.class)
		p.live -= bufBytes(ib.class)
		p.evictions++
		n++
	}
	return n
}

// Drain releases every idle buffer.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.live -= p.idle
	p.idle = 0
	p.lru.Init()
	p.buckets = make(map[int][]*list.Element)
	live := p.live
	p.mu.Unlock()

	metrics.PoolIdleBytes.Set(0)
	metrics.RecordDeviceMemory(live)
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Hits:      p.hits,
		Misses:    p.misses,
		Evictions: p.evictions,
		IdleBytes: p.idle,
		LiveBytes: p.live,
		Limit:     p.limit,
	}
}
