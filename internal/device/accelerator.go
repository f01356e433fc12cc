package device

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Accelerator is an optional execution target for device ops. Shapes are
// checked by the Device before dispatch. An implementation that returns an
// error must leave its outputs untouched so the op can be rerun on the CPU.
type Accelerator interface {
	Name() string
	Available() bool

	MatVec(out, w, x []float32, rows, cols int) error
	Add(out, a, b []float32) error
	RMSNorm(out, x, weight []float32, eps float32) error
	SiLU(out, x []float32) error
	Softmax(x []float32) error
	RMSNormMatVec(out, x, norm []float32, eps float32, w []float32, rows, cols int) error
	SwiGLU(out, x, gate, up, down []float32, dim, hidden int) error
}

// BLAS runs ops through gonum's level 1 and 2 kernels.
type BLAS struct {
	pool *Pool
}

// NewBLAS takes fused-op scratch from pool. A nil pool allocates per call.
func NewBLAS(pool *Pool) *BLAS { return &BLAS{pool: pool} }

func (*BLAS) Name() string    { return "blas" }
func (*BLAS) Available() bool { return true }

func (b *BLAS) scratch(n int) []float32 {
	if b.pool == nil {
		return make([]float32, n)
	}
	return b.pool.Get(n)
}

func (b *BLAS) release(bufs ...[]float32) {
	if b.pool == nil {
		return
	}
	for _, buf := range bufs {
		b.pool.Put(buf)
	}
}

func general(w []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: w}
}

func vector(x []float32) blas32.Vector {
	return blas32.Vector{N: len(x), Inc: 1, Data: x}
}

func (*BLAS) MatVec(out, w, x []float32, rows, cols int) error {
	blas32.Gemv(blas.NoTrans, 1, general(w, rows, cols), vector(x), 0, vector(out))
	return nil
}

func (*BLAS) Add(out, a, b []float32) error {
	if &out[0] == &b[0] {
		a, b = b, a
	}
	if &out[0] != &a[0] {
		blas32.Copy(vector(a), vector(out))
	}
	blas32.Axpy(1, vector(b), vector(out))
	return nil
}

func rmsScale(x []float32, eps float32) (float32, error) {
	nrm := float64(blas32.Nrm2(vector(x)))
	ms := nrm * nrm / float64(len(x))
	s := 1 / math.Sqrt(ms+float64(eps))
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0, fmt.Errorf("blas: rmsnorm scale %v", s)
	}
	return float32(s), nil
}

func (*BLAS) RMSNorm(out, x, weight []float32, eps float32) error {
	s, err := rmsScale(x, eps)
	if err != nil {
		return err
	}
	for i := range out {
		out[i] = x[i] * s * weight[i]
	}
	return nil
}

func (*BLAS) SiLU(out, x []float32) error {
	for i, v := range x {
		out[i] = silu(v)
	}
	return nil
}

func (*BLAS) Softmax(x []float32) error {
	m := x[0]
	for _, v := range x[1:] {
		m = max(m, v)
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - m))
		sum += e
		x[i] = float32(e)
	}
	blas32.Scal(float32(1/sum), vector(x))
	return nil
}

func (b *BLAS) RMSNormMatVec(out, x, norm []float32, eps float32, w []float32, rows, cols int) error {
	s, err := rmsScale(x, eps)
	if err != nil {
		return err
	}
	tmp := b.scratch(cols)
	defer b.release(tmp)
	for i := range tmp {
		tmp[i] = x[i] * s * norm[i]
	}
	return b.MatVec(out, w, tmp, rows, cols)
}

func (b *BLAS) SwiGLU(out, x, gate, up, down []float32, dim, hidden int) error {
	g, u := b.scratch(hidden), b.scratch(hidden)
	defer b.release(g, u)
	blas32.Gemv(blas.NoTrans, 1, general(gate, hidden, dim), vector(x), 0, vector(g))
	blas32.Gemv(blas.NoTrans, 1, general(up, hidden, dim), vector(x), 0, vector(u))
	for i := range g {
		g[i] = silu(g[i]) * u[i]
	}
	return b.MatVec(out, down, g, dim, hidden)
}
