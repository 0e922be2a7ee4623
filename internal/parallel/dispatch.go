// Package parallel dispatches independent work units over a fixed set of
// worker goroutines.
package parallel

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Workers returns n, or the number of CPUs when n is not positive.
func Workers(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// For runs fn(i) for every i in [0, n) on up to workers goroutines.
// The first error stops the hand-out of further units and is returned
// once the running units finish. Units carry no ordering guarantee.
func For(n, workers int, fn func(i int) error) error {
	if n == 0 {
		return nil
	}
	workers = min(Workers(workers), n)
	if workers == 1 {
		for i := range n {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	g, ctx := errgroup.WithContext(context.Background())
	unitChan := make(chan int, workers*2)

	for range workers {
		g.Go(func() error {
			for i := range unitChan {
				if err := fn(i); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(unitChan)
		for i := range n {
			select {
			case <-ctx.Done():
				return nil
			case unitChan <- i:
			}
		}
		return nil
	})

	return g.Wait()
}

// Counter sums per-unit tallies across workers.
type Counter struct {
	done atomic.Int64
}

// Add adds n.
func (c *Counter) Add(n int) { c.done.Add(int64(n)) }

// Load returns the current total.
func (c *Counter) Load() int64 { return c.done.Load() }
