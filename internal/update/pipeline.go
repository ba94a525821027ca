package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/arc/internal/arctype"
	"github.com/meigma/arc/internal/sizing"
)

// workerCount determines the number of encode workers for a pass.
func (e *Engine) workerCount(steps []step) int {
	n := countEncode(steps)
	if n < 2 || e.workers < 0 {
		return 1
	}
	workers := e.workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return max(min(workers, n), 1)
}

// encodeTask is an opened host input waiting for a worker.
type encodeTask struct {
	pos    int
	step   *step
	r      io.ReadCloser
	weight int64
}

// encodeResult is an encoded body waiting for its turn to commit.
type encodeResult struct {
	pos    int
	body   *Body
	weight int64
}

// runPipelined overlaps encoding with the ordered commit.
//
// A single producer opens host inputs in output order, so the host sees
// OpenInput calls in the same order as a sequential pass. Workers encode
// into memory; the committer writes results strictly in output order.
// Buffered bodies are bounded by the engine byte budget, charged by the
// declared size of each input.
//
//nolint:gocognit // pipeline coordination between producer, workers and committer
func (e *Engine) runPipelined(ctx context.Context, steps []step, cb Callback, commit func(*step, *Body) error, workers int) error {
	limit, err := sizing.ToInt64(e.budget, arctype.ErrSizeOverflow)
	if err != nil {
		return err
	}
	budget := semaphore.NewWeighted(limit)

	taskCh := make(chan encodeTask)
	readyCh := make(chan encodeResult, workers)
	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(taskCh)
		for i := range steps {
			s := &steps[i]
			if s.action != actionEncode {
				continue
			}
			weight := limit
			if s.declared < uint64(limit) {
				weight = max(int64(s.declared), 1) //nolint:gosec // bounded by limit
			}
			if err := budget.Acquire(gctx, weight); err != nil {
				return err
			}
			rc, err := cb.OpenInput(s.index)
			if err != nil {
				budget.Release(weight)
				return fmt.Errorf("item %d: open input: %w", s.index, err)
			}
			select {
			case taskCh <- encodeTask{pos: i, step: s, r: rc, weight: weight}:
			case <-gctx.Done():
				rc.Close()
				budget.Release(weight)
				return gctx.Err()
			}
		}
		return nil
	})

	var encodeWg sync.WaitGroup
	encodeWg.Add(workers)
	for range workers {
		eg.Go(func() error {
			defer encodeWg.Done()
			for task := range taskCh {
				body, err := e.encode(task.step, task.r)
				task.r.Close()
				if err != nil {
					budget.Release(task.weight)
					return err
				}
				select {
				case readyCh <- encodeResult{pos: task.pos, body: body, weight: task.weight}:
				case <-gctx.Done():
					budget.Release(task.weight)
					return gctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		encodeWg.Wait()
		close(readyCh)
	}()

	eg.Go(func() error {
		pending := make(map[int]encodeResult, workers)
		for i := range steps {
			s := &steps[i]
			if s.action != actionEncode {
				if err := commit(s, nil); err != nil {
					return err
				}
				continue
			}
			for {
				if _, ok := pending[i]; ok {
					break
				}
				select {
				case res, ok := <-readyCh:
					if !ok {
						if err := gctx.Err(); err != nil {
							return err
						}
						return errors.New("update: encode pipeline ended unexpectedly")
					}
					pending[res.pos] = res
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			res := pending[i]
			delete(pending, i)
			err := commit(s, res.body)
			budget.Release(res.weight)
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		if ctx.Err() != nil && !errors.Is(err, arctype.ErrAborted) {
			return fmt.Errorf("%w: %w", arctype.ErrAborted, err)
		}
		return err
	}
	return nil
}
