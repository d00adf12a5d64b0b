package tensor

import (
	"runtime"
	"sync"
)

// Tile sizes over the output columns and the inner dimension.  Variables so
// tests can sweep them.
const (
	defaultTileN = 32
	defaultTileK = 64

	maxTileN = 128
	maxTileK = 256
)

var (
	tileN = defaultTileN
	tileK = defaultTileK
)

// parallelThreshold is the multiply-add count below which MatMulT stays on
// the calling goroutine.
var parallelThreshold = 1 << 16

func clampTile(value, max int) int {
	if value < 1 {
		return 1
	}
	if value > max {
		return max
	}
	return value
}

type gemmTask struct {
	dst, x, w *Mat
	bias      []float32
	rs, re    int
	tn, tk    int
	done      chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

func newGemmPool() *gemmPool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				matMulTRows(task.dst, task.x, task.w, task.bias, task.rs, task.re, task.tn, task.tk)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var (
	gemmOnce     sync.Once
	gemmWorkPool *gemmPool
)

func workPool() *gemmPool {
	gemmOnce.Do(func() { gemmWorkPool = newGemmPool() })
	return gemmWorkPool
}

// MatMulT computes dst = x · wᵀ (+ bias) where x is [N x in] and w is
// [out x in].  dst must be [N x out].  bias may be nil.
func MatMulT(dst, x, w *Mat, bias []float32) {
	MatMulTPar(dst, x, w, bias, 0)
}

// MatMulTPar is MatMulT split across ranges of rows of x.  workers <= 0
// uses GOMAXPROCS; small products run inline regardless.
func MatMulTPar(dst, x, w *Mat, bias []float32, workers int) {
	if x.C != w.C {
		panic("matmul inner dimension mismatch")
	}
	if dst.R != x.R || dst.C != w.R {
		panic("matmul output shape mismatch")
	}
	if dst.R == 0 || dst.C == 0 {
		return
	}
	tn, tk := clampTile(tileN, maxTileN), clampTile(tileK, maxTileK)

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, x.R)
	if workers <= 1 || x.R*x.C*w.R < parallelThreshold {
		matMulTRows(dst, x, w, bias, 0, x.R, tn, tk)
		return
	}
	pool := workPool()
	workers = min(workers, pool.size)
	chunk := (x.R + workers - 1) / workers

	done := <-pool.doneSlots
	n := 0
	for rs := 0; rs < x.R; rs += chunk {
		pool.tasks <- gemmTask{
			dst: dst, x: x, w: w, bias: bias,
			rs: rs, re: min(rs+chunk, x.R),
			tn: tn, tk: tk,
			done: done,
		}
		n++
	}
	for range n {
		<-done
	}
	pool.doneSlots <- done
}

// matMulTRows fills rows [rs, re) of dst, blocking over output columns and
// the inner dimension so a tile of w stays hot across rows.
func matMulTRows(dst, x, w *Mat, bias []float32, rs, re, tn, tk int) {
	for i := rs; i < re; i++ {
		out := dst.Row(i)
		if bias != nil {
			copy(out, bias)
		} else {
			clear(out)
		}
	}
	for j0 := 0; j0 < w.R; j0 += tn {
		jMax := min(j0+tn, w.R)
		for k0 := 0; k0 < x.C; k0 += tk {
			kMax := min(k0+tk, x.C)
			for i := rs; i < re; i++ {
				xr := x.Row(i)[k0:kMax]
				out := dst.Row(i)
				for j := j0; j < jMax; j++ {
					out[j] += Dot(xr, w.Row(j)[k0:kMax])
				}
			}
		}
	}
}
