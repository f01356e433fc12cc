package kvcache

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/casonadams/minerva/internal/device"
	"github.com/casonadams/minerva/internal/errs"
)

func newCache(t testing.TB, layers, capacity, kvHeads, headDim int) (*Cache, *device.Scope) {
	t.Helper()
	d := device.New(device.Options{Threads: 1, PoolBytes: 1 << 20})
	s := d.NewScope()
	c, err := New(s, layers, capacity, kvHeads, headDim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, s
}

func row(kvDim int, val float32) []float32 {
	r := make([]float32, kvDim)
	for i := range r {
		r[i] = val + float32(i)/100
	}
	return r
}

func appendAll(t testing.TB, c *Cache, val float32) error {
	t.Helper()
	for l := 0; l < c.Layers(); l++ {
		if err := c.Append(l, row(c.KVDim(), val), row(c.KVDim(), -val)); err != nil {
			return err
		}
	}
	return nil
}

func TestAppendAndSlice(t *testing.T) {
	c, _ := newCache(t, 2, 4, 2, 2)
	for i := 0; i < 3; i++ {
		if err := appendAll(t, c, float32(i)); err != nil {
			t.Fatal(err)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("Len = %d", c.Len())
	}
	k, v, n := c.Slice(1)
	if n != 3 || len(k) != 12 || len(v) != 12 {
		t.Fatalf("Slice: n=%d len(k)=%d len(v)=%d", n, len(k), len(v))
	}
	if diff := cmp.Diff(row(4, 2), k[8:12]); diff != "" {
		t.Errorf("row 2 keys (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(row(4, -2), v[8:12]); diff != "" {
		t.Errorf("row 2 values (-want +got):\n%s", diff)
	}
}

func TestAppendDoesNotReallocate(t *testing.T) {
	c, _ := newCache(t, 1, 8, 1, 4)
	appendAll(t, c, 1)
	k0, _, _ := c.Slice(0)
	for i := 0; i < 7; i++ {
		appendAll(t, c, float32(i))
	}
	k1, _, _ := c.Slice(0)
	if &k0[0] != &k1[0] {
		t.Error("key buffer moved while appending")
	}
}

func TestOverflow(t *testing.T) {
	c, _ := newCache(t, 2, 2, 1, 2)
	appendAll(t, c, 1)
	appendAll(t, c, 2)
	err := appendAll(t, c, 3)
	if !errors.Is(err, errs.ErrContextOverflow) || !errors.Is(err, errs.KindContextOverflow) {
		t.Fatalf("err = %v, want context overflow", err)
	}
	if c.Len() != 2 {
		t.Errorf("Len after overflow = %d", c.Len())
	}
}

func TestShiftAndDiscard(t *testing.T) {
	c, _ := newCache(t, 1, 8, 1, 2)
	for i := 0; i < 6; i++ {
		appendAll(t, c, float32(i))
	}
	if err := c.Discard(1, 2); err != nil {
		t.Fatal(err)
	}
	k, _, n := c.Slice(0)
	if n != 4 {
		t.Fatalf("n = %d", n)
	}
	var firsts []float32
	for p := 0; p < n; p++ {
		firsts = append(firsts, k[p*2])
	}
	if diff := cmp.Diff([]float32{0, 3, 4, 5}, firsts); diff != "" {
		t.Errorf("positions after discard (-want +got):\n%s", diff)
	}

	if err := c.Shift(3); err != nil {
		t.Fatal(err)
	}
	k, _, n = c.Slice(0)
	if n != 1 || k[0] != 5 {
		t.Errorf("after shift: n=%d first=%v", n, k[0])
	}
	if err := c.Shift(2); err == nil {
		t.Error("shifting past the end succeeded")
	}
}

func TestResetAndRelease(t *testing.T) {
	c, s := newCache(t, 3, 4, 1, 2)
	if s.Held() != 6 {
		t.Fatalf("scope holds %d buffers, want 6", s.Held())
	}
	appendAll(t, c, 1)
	c.Reset()
	if c.Len() != 0 {
		t.Fatalf("Len after reset = %d", c.Len())
	}
	c.Release()
	c.Release()
	if s.Held() != 0 {
		t.Errorf("scope still holds %d buffers", s.Held())
	}
	if err := c.Append(0, row(2, 0), row(2, 0)); !errors.Is(err, ErrReleased) {
		t.Errorf("append after release: %v", err)
	}
}

func TestNewRejectsBadShape(t *testing.T) {
	d := device.New(device.Options{Threads: 1})
	if _, err := New(d.NewScope(), 0, 4, 1, 1); !errors.Is(err, errs.KindDimension) {
		t.Errorf("err = %v", err)
	}
}

// FuzzCacheOps drives a random sequence of appends, shifts and resets against
// a plain slice model.
func FuzzCacheOps(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, 2, 0, 3})
	f.Add([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	f.Add([]byte{2, 1, 0, 3, 0, 1})

	f.Fuzz(func(t *testing.T, ops []byte) {
		const capacity = 6
		c, _ := newCache(t, 2, capacity, 1, 2)
		var model []float32
		for i, op := range ops {
			val := float32(i)
			switch op % 4 {
			case 0, 1:
				err := appendAll(t, c, val)
				if len(model) == capacity {
					if !errors.Is(err, errs.ErrContextOverflow) {
						t.Fatalf("op %d: expected overflow, got %v", i, err)
					}
					continue
				}
				if err != nil {
					t.Fatalf("op %d: %v", i, err)
				}
				model = append(model, val)
			case 2:
				n := int(op/4) % (len(model) + 1)
				if err := c.Shift(n); err != nil {
					t.Fatalf("op %d: shift %d of %d: %v", i, n, len(model), err)
				}
				model = model[n:]
			case 3:
				c.Reset()
				model = model[:0]
			}

			if c.Len() != len(model) {
				t.Fatalf("op %d: Len = %d, want %d", i, c.Len(), len(model))
			}
			for l := 0; l < c.Layers(); l++ {
				k, v, n := c.Slice(l)
				for p := 0; p < n; p++ {
					if k[p*2] != model[p] || v[p*2] != -model[p] {
						t.Fatalf("op %d: layer %d pos %d = (%v, %v), want %v", i, l, p, k[p*2], v[p*2], model[p])
					}
				}
			}
		}
	})
}
