package device

import (
	"fmt"
	"math"
	"sync"
)

// minRowsPerWorker keeps tiny ops on the calling goroutine.
const minRowsPerWorker = 16

func silu(v float32) float32 {
	return v / (1 + float32(math.Exp(float64(-v))))
}

// parallelRows splits [0, n) into contiguous chunks across up to threads
// goroutines. A panic inside fn is reported as an error.
func parallelRows(n, threads int, fn func(lo, hi int)) (err error) {
	workers := min(threads, n/minRowsPerWorker)
	if workers <= 1 {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("cpu kernel: %v", r)
			}
		}()
		fn(0, n)
		return nil
	}

	chunk := (n + workers - 1) / workers
	var (
		wg   sync.WaitGroup
		once sync.Once
	)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					once.Do(func() { err = fmt.Errorf("cpu kernel: %v", r) })
				}
			}()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
	return err
}

func dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}

func matVecCPU(out, w, x []float32, rows, cols, threads int) error {
	return parallelRows(rows, threads, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			out[r] = dot(w[r*cols:(r+1)*cols], x)
		}
	})
}

// rmsScaleCPU returns 1/sqrt(mean(x^2)+eps), accumulated in float64.
func rmsScaleCPU(x []float32, eps float32) float32 {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	return float32(1 / math.Sqrt(ss/float64(len(x))+float64(eps)))
}

func rmsNormCPU(out, x, weight []float32, eps float32) {
	s := rmsScaleCPU(x, eps)
	for i := range out {
		out[i] = x[i] * s * weight[i]
	}
}

func softmaxCPU(x []float32) {
	m := x[0]
	for _, v := range x[1:] {
		m = max(m, v)
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - m)))
		sum += x[i]
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range x {
			x[i] *= inv
		}
	}
}
