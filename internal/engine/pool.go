package engine

import (
	"context"
	"sync"

	"github.com/mbd888/siterisk/internal/metrics"
)

// runPool runs fn over jobs with at most workers in flight and returns the
// first error. Remaining jobs are skipped once ctx is done.
func runPool[T any](ctx context.Context, workers int, jobs []T, fn func(context.Context, T) error) error {
	if workers < 1 {
		workers = 1
	}
	queue := make(chan T, len(jobs))
	for _, j := range jobs {
		queue <- j
	}
	close(queue)
	metrics.QueueDepth.Add(float64(len(jobs)))

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	for range min(workers, len(jobs)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range queue {
				metrics.QueueDepth.Dec()
				if ctx.Err() != nil {
					errOnce.Do(func() { firstErr = ctx.Err() })
					continue
				}
				if err := fn(ctx, j); err != nil {
					errOnce.Do(func() { firstErr = err })
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}
