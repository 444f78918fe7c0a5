package tensor

import (
	"runtime"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
)

// minParallelWork is the number of scalar operations below which a loop is
// not worth splitting across goroutines.
const minParallelWork = 1 << 14

var workers atomic.Int32

func init() {
	workers.Store(int32(detectWorkers()))
}

func detectWorkers() int {
	n := cpuid.CPU.LogicalCores
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return n
}

// Workers returns the number of goroutines used for intra-op parallelism.
func Workers() int {
	return int(workers.Load())
}

// SetWorkers overrides the intra-op worker count. Values below 1 restore the
// detected default.
func SetWorkers(n int) {
	if n < 1 {
		n = detectWorkers()
	}
	workers.Store(int32(n))
}

// parallelFor splits [0, n) into contiguous chunks and runs body on each.
// costPerItem is a rough count of scalar operations per index; small loops
// run inline on the caller's goroutine. Every index is written by exactly one
// chunk, so results do not depend on scheduling.
func parallelFor(n, costPerItem int, body func(start, end int)) {
	w := Workers()
	if n <= 1 || w <= 1 || n*costPerItem < minParallelWork {
		body(0, n)
		return
	}
	if w > n {
		w = n
	}
	chunk := (n + w - 1) / w

	var g errgroup.Group
	g.SetLimit(w)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			body(start, end)
			return nil
		})
	}
	_ = g.Wait()
}
