// Package kvcache holds the per-session attention keys and values.
package kvcache

import (
	"errors"
	"fmt"

	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/metrics"
)

// Allocator hands out float32 buffers; device.Scope implements it.
type Allocator interface {
	Buffer(n int) []float32
	Release(buf []float32)
}

var ErrReleased = errors.New("kvcache: cache released")

// Cache stores keys and values for every layer in preallocated contiguous
// buffers of capacity × kvDim. Rows are appended in position order and never
// reallocated. A Cache belongs to one session and is not safe for concurrent use.
type Cache struct {
	alloc    Allocator
	capacity int
	kvDim    int
	k, v     [][]float32
	lens     []int
	released bool
}

// New reserves room for capacity positions in each of layers layers.
func New(alloc Allocator, layers, capacity, kvHeads, headDim int) (*Cache, error) {
	if layers <= 0 || capacity <= 0 || kvHeads <= 0 || headDim <= 0 {
		return nil, errs.Newf(errs.StageForward, errs.ErrDimensionMismatch,
			"kvcache: layers=%d capacity=%d kv_heads=%d head_dim=%d", layers, capacity, kvHeads, headDim)
	}
	c := &Cache{
		alloc:    alloc,
		capacity: capacity,
		kvDim:    kvHeads * headDim,
		k:        make([][]float32, layers),
		v:        make([][]float32, layers),
		lens:     make([]int, layers),
	}
	for l := range c.k {
		c.k[l] = alloc.Buffer(capacity * c.kvDim)
		c.v[l] = alloc.Buffer(capacity * c.kvDim)
	}
	metrics.RecordKVCacheStats(c.bytes(capacity), 0)
	return c, nil
}

func (c *Cache) bytes(positions int) int64 {
	return int64(len(c.k)) * 2 * int64(positions) * int64(c.kvDim) * 4
}

func (c *Cache) Layers() int   { return len(c.k) }
func (c *Cache) Capacity() int { return c.capacity }
func (c *Cache) KVDim() int    { return c.kvDim }

// Len is the number of positions present in every layer.
func (c *Cache) Len() int {
	n := c.capacity
	for _, l := range c.lens {
		n = min(n, l)
	}
	return n
}

// Append stores one position of keys and values for layer.
func (c *Cache) Append(layer int, k, v []float32) error {
	if c.released {
		return ErrReleased
	}
	if layer < 0 || layer >= len(c.k) {
		return fmt.Errorf("kvcache: layer %d out of range [0, %d)", layer, len(c.k))
	}
	if len(k) != c.kvDim || len(v) != c.kvDim {
		return errs.Newf(errs.StageForward, errs.ErrDimensionMismatch,
			"kvcache: k=%d v=%d, want %d", len(k), len(v), c.kvDim)
	}
	n := c.lens[layer]
	if n >= c.capacity {
		metrics.KVCacheOverflows.Inc()
		return errs.Newf(errs.StageForward, errs.ErrContextOverflow,
			"kvcache: %d positions already cached (capacity %d)", n, c.capacity)
	}
	copy(c.k[layer][n*c.kvDim:], k)
	copy(c.v[layer][n*c.kvDim:], v)
	c.lens[layer] = n + 1
	if layer == len(c.k)-1 {
		metrics.RecordKVCacheStats(0, c.bytes(1))
	}
	return nil
}

// Slice returns the cached keys and values of layer with one row of kvDim
// floats per position, and the number of positions.
func (c *Cache) Slice(layer int) (k, v []float32, n int) {
	n = c.lens[layer]
	return c.k[layer][:n*c.kvDim], c.v[layer][:n*c.kvDim], n
}

// Shift drops the oldest n positions.
func (c *Cache) Shift(n int) error {
	return c.Discard(0, n)
}

// Discard drops n positions after the first keep, moving later rows down.
func (c *Cache) Discard(keep, n int) error {
	if c.released {
		return ErrReleased
	}
	cur := c.Len()
	if keep < 0 || n < 0 || keep+n > cur {
		return fmt.Errorf("kvcache: cannot discard %d positions after %d of %d", n, keep, cur)
	}
	if n == 0 {
		return nil
	}
	for l := range c.k {
		lo, hi, end := keep*c.kvDim, (keep+n)*c.kvDim, c.lens[l]*c.kvDim
		copy(c.k[l][lo:], c.k[l][hi:end])
		copy(c.v[l][lo:], c.v[l][hi:end])
		c.lens[l] -= n
	}
	metrics.KVCacheShifts.Inc()
	metrics.RecordKVCacheStats(0, -c.bytes(n))
	return nil
}

// Reset forgets every position but keeps the buffers.
func (c *Cache) Reset() {
	metrics.RecordKVCacheStats(0, -c.bytes(c.Len()))
	clear(c.lens)
}

// Release hands the buffers back to the allocator. The cache is unusable
// afterwards; calling Release again is a no-op.
func (c *Cache) Release() {
	if c.released {
		return
	}
	c.Reset()
	for l := range c.k {
		c.alloc.Release(c.k[l])
		c.alloc.Release(c.v[l])
		c.k[l], c.v[l] = nil, nil
	}
	c.released = true
	metrics.RecordKVCacheStats(-c.bytes(c.capacity), 0)
}
