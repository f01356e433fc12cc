// Package modelcache keeps a bounded set of loaded models resident. Loads are
// deduplicated per id and eviction only ever touches models nobody holds.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/metrics"
)

// Resource is anything the cache can hold.
type Resource interface {
	SizeBytes() int64
	Close() error
}

// Loader produces the resource for id. It runs at most once at a time per id.
type Loader[T Resource] func(ctx context.Context, id string) (T, error)

var ErrClosed = errors.New("modelcache: cache closed")

type Options struct {
	// MaxBytes bounds the summed SizeBytes of resident entries; 0 is unbounded.
	MaxBytes int64
	// MaxEntries bounds the number of resident entries; 0 is unbounded.
	MaxEntries int
}

type entry[T Resource] struct {
	id         string
	value      T
	size       int64
	refs       int
	hits       int64
	loadedAt   time.Time
	lastAccess time.Time
	// detached entries were unloaded or evicted from the index while held;
	// they close when the last handle is released.
	detached bool
}

// Cache is safe for concurrent use. Its lock covers index bookkeeping only;
// loading and closing happen outside it.
type Cache[T Resource] struct {
	load  Loader[T]
	opts  Options
	group singleflight.Group
	log   *logger.Logger

	mu       sync.Mutex
	index    *simplelru.LRU[string, *entry[T]]
	resident int64
	closed   bool

	hits, misses, loads, evictions int64
}

func New[T Resource](load Loader[T], opts Options) *Cache[T] {
	// recency order only; capacity is enforced by makeRoom
	index, _ := simplelru.NewLRU[string, *entry[T]](math.MaxInt32, nil)
	return &Cache[T]{
		load:  load,
		opts:  opts,
		index: index,
		log:   logger.Log.With("component", "modelcache"),
	}
}

// Handle pins one entry. Release must be called exactly once; further calls
// are no-ops.
type Handle[T Resource] struct {
	c    *Cache[T]
	e    *entry[T]
	once sync.Once
}

func (h *Handle[T]) Value() T   { return h.e.value }
func (h *Handle[T]) ID() string { return h.e.id }

func (h *Handle[T]) Release() {
	h.once.Do(func() { h.c.release(h.e) })
}

// GetOrLoad returns a handle to id, loading it if it is not resident.
// Concurrent callers for the same id share one load. A canceled ctx stops
// the wait but not a load other callers may still want.
func (c *Cache[T]) GetOrLoad(ctx context.Context, id string) (*Handle[T], error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if e, ok := c.index.Get(id); ok {
			c.acquire(e)
			e.hits++
			c.hits++
			c.mu.Unlock()
			metrics.ModelCacheHits.Inc()
			return &Handle[T]{c: c, e: e}, nil
		}
		c.misses++
		c.mu.Unlock()
		metrics.ModelCacheMisses.Inc()

		ch := c.group.DoChan(id, func() (any, error) {
			return c.loadEntry(context.WithoutCancel(ctx), id)
		})
		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, errs.New(errs.StageLoad, id, ctx.Err())
		case res = <-ch:
		}
		if res.Err != nil {
			return nil, res.Err
		}

		e := res.Val.(*entry[T])
		c.mu.Lock()
		if cur, ok := c.index.Get(id); ok && cur == e {
			c.acquire(e)
			c.mu.Unlock()
			return &Handle[T]{c: c, e: e}, nil
		}
		// evicted between the load and this caller pinning it
		c.mu.Unlock()
	}
}

func (c *Cache[T]) acquire(e *entry[T]) {
	e.refs++
	e.lastAccess = time.Now()
}

func (c *Cache[T]) loadEntry(ctx context.Context, id string) (*entry[T], error) {
	c.mu.Lock()
	if e, ok := c.index.Peek(id); ok {
		// a load finished between our miss and joining the group
		c.mu.Unlock()
		return e, nil
	}
	c.mu.Unlock()

	start := time.Now()
	v, err := c.load(ctx, id)
	if err != nil {
		c.log.Warn("Model load failed", "model", id, "error", err)
		return nil, err
	}
	size := v.SizeBytes()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		v.Close()
		return nil, ErrClosed
	}
	victims, err := c.makeRoom(size)
	if err == nil {
		now := time.Now()
		e := &entry[T]{id: id, value: v, size: size, loadedAt: now, lastAccess: now}
		c.index.Add(id, e)
		c.resident += size
		c.loads++
		resident := c.resident
		c.mu.Unlock()

		c.closeAll(victims)
		metrics.ModelCacheResidentBytes.Set(float64(resident))
		c.log.Info("Model loaded", "model", id, "bytes", size, "resident", resident, "duration", time.Since(start))
		return e, nil
	}
	c.mu.Unlock()
	c.closeAll(victims)
	v.Close()
	return nil, err
}

// makeRoom evicts least recently used unreferenced entries until size more
// bytes and one more entry fit. Evicted entries are returned for closing
// outside the lock.
func (c *Cache[T]) makeRoom(size int64) ([]*entry[T], error) {
	if c.opts.MaxBytes > 0 && size > c.opts.MaxBytes {
		return nil, errs.Newf(errs.StageLoad, errs.ErrInsufficientMemory,
			"model needs %d bytes, cache ceiling is %d", size, c.opts.MaxBytes)
	}
	over := func() bool {
		return (c.opts.MaxBytes > 0 && c.resident+size > c.opts.MaxBytes) ||
			(c.opts.MaxEntries > 0 && c.index.Len()+1 > c.opts.MaxEntries)
	}
	var victims []*entry[T]
	for over() {
		var victim *entry[T]
		for _, id := range c.index.Keys() {
			if e, _ := c.index.Peek(id); e.refs == 0 {
				victim = e
				break
			}
		}
		if victim == nil {
			return victims, errs.Newf(errs.StageLoad, errs.ErrInsufficientMemory,
				"model needs %d bytes, %d of %d resident and in use", size, c.resident, c.opts.MaxBytes)
		}
		c.index.Remove(victim.id)
		c.resident -= victim.size
		c.evictions++
		victims = append(victims, victim)
	}
	return victims, nil
}

func (c *Cache[T]) closeAll(victims []*entry[T]) {
	for _, e := range victims {
		metrics.ModelCacheEvictions.Inc()
		if err := e.value.Close(); err != nil {
			c.log.Warn("Closing evicted model failed", "model", e.id, "error", err)
		}
		c.log.Info("Model evicted", "model", e.id, "bytes", e.size, "hits", e.hits, "idle", time.Since(e.lastAccess))
	}
}

func (c *Cache[T]) release(e *entry[T]) {
	c.mu.Lock()
	e.refs--
	e.lastAccess = time.Now()
	closeNow := e.detached && e.refs == 0
	if closeNow {
		c.resident -= e.size
	}
	resident := c.resident
	c.mu.Unlock()

	if closeNow {
		metrics.ModelCacheResidentBytes.Set(float64(resident))
		if err := e.value.Close(); err != nil {
			c.log.Warn("Closing unloaded model failed", "model", e.id, "error", err)
		}
	}
}

// Unload drops id from the cache. A model still in use is closed when its
// last handle is released. It reports whether id was resident.
func (c *Cache[T]) Unload(id string) bool {
	c.mu.Lock()
	e, ok := c.index.Peek(id)
	if !ok {
		c.mu.Unlock()
		return false
	}
	c.index.Remove(id)
	closeNow := e.refs == 0
	if closeNow {
		c.resident -= e.size
	} else {
		e.detached = true
	}
	resident := c.resident
	c.mu.Unlock()

	metrics.ModelCacheResidentBytes.Set(float64(resident))
	if closeNow {
		if err := e.value.Close(); err != nil {
			c.log.Warn("Closing unloaded model failed", "model", id, "error", err)
		}
	}
	c.log.Info("Model unloaded", "model", id, "in_use", !closeNow)
	return true
}

// Close unloads everything. Models still held close on release.
func (c *Cache[T]) Close() error {
	c.mu.Lock()
	c.closed = true
	var idle []*entry[T]
	for _, id := range c.index.Keys() {
		e, _ := c.index.Peek(id)
		if e.refs == 0 {
			idle = append(idle, e)
			c.resident -= e.size
		} else {
			e.detached = true
		}
	}
	c.index.Purge()
	c.mu.Unlock()

	var errList []error
	for _, e := range idle {
		if err := e.value.Close(); err != nil {
			errList = append(errList, fmt.Errorf("close %s: %w", e.id, err))
		}
	}
	return errors.Join(errList...)
}

type EntryStats struct {
	ID         string    `json:"id"`
	SizeBytes  int64     `json:"size_bytes"`
	Refs       int       `json:"refs"`
	Hits       int64     `json:"hits"`
	LoadedAt   time.Time `json:"loaded_at"`
	LastAccess time.Time `json:"last_access"`
}

type Stats struct {
	Hits          int64        `json:"hits"`
	Misses        int64        `json:"misses"`
	Loads         int64        `json:"loads"`
	Evictions     int64        `json:"evictions"`
	ResidentBytes int64        `json:"resident_bytes"`
	Entries       []EntryStats `json:"entries"`
}

// Stats snapshots the counters; entries are ordered by id.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Hits:          c.hits,
		Misses:        c.misses,
		Loads:         c.loads,
		Evictions:     c.evictions,
		ResidentBytes: c.resident,
	}
	for _, id := range c.index.Keys() {
		e, _ := c.index.Peek(id)
		s.Entries = append(s.Entries, EntryStats{
			ID:         e.id,
			SizeBytes:  e.size,
			Refs:       e.refs,
			Hits:       e.hits,
			LoadedAt:   e.loadedAt,
			LastAccess: e.lastAccess,
		})
	}
	sort.Slice(s.Entries, func(i, j int) bool { return s.Entries[i].ID < s.Entries[j].ID })
	return s
}

// Contains reports whether id is resident, without touching its recency.
func (c *Cache[T]) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Contains(id)
}
