package rll

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

//parallelFor splits [0, n) into contiguous per-worker chunks and runs body on
//each chunk concurrently. Workers write to disjoint output ranges; reductions
//over per-worker results happen after the call, in worker order, so the
//outcome does not depend on scheduling. workers <= 0 selects one worker per
//CPU.
func parallelFor(workers, n int, body func(worker, begin, end int) error) error {
	if n <= 0 {
		return nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}
	if workers == 1 {
		return body(0, 0, n)
	}

	chunk := (n + workers - 1) / workers
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		begin := w * chunk
		end := begin + chunk
		if begin >= n {
			break
		}
		if end > n {
			end = n
		}
		eg.Go(func() error {
			return body(w, begin, end)
		})
	}
	return eg.Wait()
}
