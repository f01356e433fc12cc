// Package device executes the numeric kernels of a forward pass. Each op is
// routed either to an optional accelerator or to a row-parallel CPU path.
package device

import (
	"fmt"
	"runtime"

	"github.com/casonadams/minerva/internal/config"
	"github.com/casonadams/minerva/internal/errs"
	"github.com/casonadams/minerva/internal/logger"
	"github.com/casonadams/minerva/internal/metrics"
)

const (
	TargetCPU         = "cpu"
	TargetAccelerator = "accelerator"
)

type Options struct {
	Threads     int
	Accelerator Accelerator
	// UseAccelerator gates the accelerator even when one is present.
	UseAccelerator bool
	Thresholds     map[config.Op]int
	PoolBytes      int64
	// Pool, when set, is used instead of a new pool of PoolBytes so that
	// an accelerator can share it.
	Pool *Pool
}

// Device is safe for concurrent use. Ops never allocate on the hot path
// except for scratch taken from the pool.
type Device struct {
	threads    int
	acc        Accelerator
	useAcc     bool
	thresholds map[config.Op]int
	pool       *Pool
	log        *logger.Logger
}

func New(opts Options) *Device {
	if opts.Threads <= 0 {
		opts.Threads = runtime.NumCPU()
	}
	th := config.DefaultThresholds()
	for op, n := range opts.Thresholds {
		th[op] = n
	}
	pool := opts.Pool
	if pool == nil {
		pool = NewPool(opts.PoolBytes)
	}
	d := &Device{
		threads:    opts.Threads,
		acc:        opts.Accelerator,
		useAcc:     opts.UseAccelerator && opts.Accelerator != nil,
		thresholds: th,
		pool:       pool,
		log:        logger.Log.With("component", "device"),
	}
	target := TargetCPU
	if d.useAcc {
		target = d.acc.Name()
	}
	d.log.Debug("Device ready", "threads", d.threads, "accelerator", target)
	return d
}

// FromRuntime builds a device from runtime knobs, with the BLAS accelerator
// when acceleration is enabled.
func FromRuntime(rt config.Runtime) *Device {
	th := make(map[config.Op]int)
	for op := range config.DefaultThresholds() {
		th[op] = rt.Threshold(op)
	}
	opts := Options{
		Threads:        rt.Threads,
		UseAccelerator: rt.Accelerator,
		Thresholds:     th,
		Pool:           NewPool(rt.PoolMemoryBytes),
	}
	if rt.Accelerator {
		opts.Accelerator = NewBLAS(opts.Pool)
	}
	return New(opts)
}

func (d *Device) Threads() int     { return d.threads }
func (d *Device) Pool() *Pool      { return d.pool }
func (d *Device) NewScope() *Scope { return newScope(d.pool) }

// Close drains the buffer pool. Outstanding scopes may still be closed
// afterwards; their buffers are parked again and freed by the next drain.
func (d *Device) Close() {
	d.pool.Drain()
}

// Target reports where an op over n elements would run.
func (d *Device) Target(op config.Op, n int) string {
	if d.useAcc && d.acc.Available() && n >= d.thresholds[op] {
		return TargetAccelerator
	}
	return TargetCPU
}

// run dispatches one op. A failing accelerator is retried once on the CPU;
// a failing CPU path is a resource error.
func (d *Device) run(op config.Op, n int, accel func() error, cpu func() error) error {
	if d.Target(op, n) == TargetAccelerator {
		err := accel()
		if err == nil {
			metrics.RecordDeviceOp(string(op), TargetAccelerator)
			return nil
		}
		metrics.RecordAcceleratorFallback(string(op))
		d.log.Warn("Accelerator failed, retrying on cpu", "op", op, "elements", n, "error", err)
	}
	if err := cpu(); err != nil {
		metrics.RecordStageError(string(errs.StageForward), errs.KindResource.String())
		return &errs.Error{Stage: errs.StageForward, Kind: errs.KindResource, Op: string(op), Err: err}
	}
	metrics.RecordDeviceOp(string(op), TargetCPU)
	return nil
}

func shapeErr(op config.Op, format string, args ...any) error {
	err := errs.Newf(errs.StageForward, errs.ErrDimensionMismatch, format, args...)
	err.(*errs.Error).Op = string(op)
	return err
}

// MatVec computes out = W·x for a row-major rows×cols matrix W.
func (d *Device) MatVec(out, w, x []float32, rows, cols int) error {
	if len(w) != rows*cols || len(x) != cols || len(out) != rows {
		return shapeErr(config.OpMatVec, "matvec: w=%d x=%d out=%d for %dx%d", len(w), len(x), len(out), rows, cols)
	}
	if rows == 0 || cols == 0 {
		clear(out)
		return nil
	}
	return d.run(config.OpMatVec, rows*cols,
		func() error { return d.acc.MatVec(out, w, x, rows, cols) },
		func() error { return matVecCPU(out, w, x, rows, cols, d.threads) })
}

// Add computes out = a + b. out may alias either input.
func (d *Device) Add(out, a, b []float32) error {
	if len(a) != len(b) || len(out) != len(a) {
		return shapeErr(config.OpAdd, "add: a=%d b=%d out=%d", len(a), len(b), len(out))
	}
	if len(out) == 0 {
		return nil
	}
	return d.run(config.OpAdd, len(out),
		func() error { return d.acc.Add(out, a, b) },
		func() error {
			return parallelRows(len(out), d.threads, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					out[i] = a[i] + b[i]
				}
			})
		})
}

// RMSNorm computes out = x / sqrt(mean(x²) + eps) * weight.
func (d *Device) RMSNorm(out, x, weight []float32, eps float32) error {
	if len(weight) != len(x) || len(out) != len(x) {
		return shapeErr(config.OpRMSNorm, "rmsnorm: x=%d weight=%d out=%d", len(x), len(weight), len(out))
	}
	if len(x) == 0 {
		return nil
	}
	return d.run(config.OpRMSNorm, len(x),
		func() error { return d.acc.RMSNorm(out, x, weight, eps) },
		func() error {
			rmsNormCPU(out, x, weight, eps)
			return nil
		})
}

// SiLU computes out = x * sigmoid(x).
func (d *Device) SiLU(out, x []float32) error {
	if len(out) != len(x) {
		return shapeErr(config.OpSiLU, "silu: x=%d out=%d", len(x), len(out))
	}
	if len(x) == 0 {
		return nil
	}
	return d.run(config.OpSiLU, len(x),
		func() error { return d.acc.SiLU(out, x) },
		func() error {
			return parallelRows(len(x), d.threads, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					out[i] = silu(x[i])
				}
			})
		})
}

// Softmax normalises x in place after subtracting its maximum.
func (d *Device) Softmax(x []float32) error {
	if len(x) == 0 {
		return nil
	}
	return d.run(config.OpSoftmax, len(x),
		func() error { return d.acc.Softmax(x) },
		func() error {
			softmaxCPU(x)
			return nil
		})
}

// RMSNormMatVec computes out = W·rmsnorm(x, norm) without materialising the
// normalised vector outside a pooled scratch buffer.
func (d *Device) RMSNormMatVec(out, x, norm []float32, eps float32, w []float32, rows, cols int) error {
	if len(x) != cols || len(norm) != cols || len(w) != rows*cols || len(out) != rows {
		return shapeErr(config.OpRMSNormMatVec, "rmsnorm_matvec: x=%d norm=%d w=%d out=%d for %dx%d",
			len(x), len(norm), len(w), len(out), rows, cols)
	}
	if rows == 0 || cols == 0 {
		clear(out)
		return nil
	}
	return d.run(config.OpRMSNormMatVec, rows*cols,
		func() error { return d.acc.RMSNormMatVec(out, x, norm, eps, w, rows, cols) },
		func() error {
			tmp := d.pool.Get(cols)
			defer d.pool.Put(tmp)
			rmsNormCPU(tmp, x, norm, eps)
			return matVecCPU(out, w, tmp, rows, cols, d.threads)
		})
}

// SwiGLU computes the gated feed-forward block
// out = down·(silu(gate·x) ⊙ (up·x)) with gate and up of shape hidden×dim and
// down of shape dim×hidden.
func (d *Device) SwiGLU(out, x, gate, up, down []float32, dim, hidden int) error {
	if len(x) != dim || len(out) != dim || len(gate) != hidden*dim || len(up) != hidden*dim || len(down) != dim*hidden {
		return shapeErr(config.OpSwiGLU, "swiglu: x=%d out=%d gate=%d up=%d down=%d for dim=%d hidden=%d",
			len(x), len(out), len(gate), len(up), len(down), dim, hidden)
	}
	if dim == 0 || hidden == 0 {
		clear(out)
		return nil
	}
	return d.run(config.OpSwiGLU, 3*dim*hidden,
		func() error { return d.acc.SwiGLU(out, x, gate, up, down, dim, hidden) },
		func() error {
			g := d.pool.Get(hidden)
			defer d.pool.Put(g)
			err := parallelRows(hidden, d.threads, func(lo, hi int) {
				for r := lo; r < hi; r++ {
					gv := dot(gate[r*dim:(r+1)*dim], x)
					uv := dot(up[r*dim:(r+1)*dim], x)
					g[r] = silu(gv) * uv
				}
			})
			if err != nil {
				return err
			}
			return matVecCPU(out, down, g, dim, hidden, d.threads)
		})
}

func (d *Device) String() string {
	if d.useAcc {
		return fmt.Sprintf("device(cpu x%d, %s)", d.threads, d.acc.Name())
	}
	return fmt.Sprintf("device(cpu x%d)", d.threads)
}
