package convolve

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/convolve/internal/parallel"
)

// PoolBackend convolves row bands concurrently on a fixed-size worker pool.
//
// The output buffer is pre-filled with a copy of the input, then each task
// overwrites only the rows its Partition owns. Write ranges are disjoint by
// construction (see CheckCoverage), so tasks share the output without locks.
//
// Thread safety: Run may be called from several goroutines; their batches
// share the same workers.
type PoolBackend struct {
	pool *parallel.WorkerPool
	opts options
}

// NewPoolBackend starts a pool of workers goroutines. workers must be >= 1.
// Call Close to stop the workers.
func NewPoolBackend(workers int, opts ...Option) (*PoolBackend, error) {
	if workers < 1 {
		return nil, fmt.Errorf("%w: worker count %d", ErrInvalidArgument, workers)
	}
	return &PoolBackend{
		pool: parallel.NewWorkerPool(workers),
		opts: applyOptions(opts),
	}, nil
}

// Name returns "pool".
func (b *PoolBackend) Name() string {
	return "pool"
}

// Workers returns the number of worker goroutines.
func (b *PoolBackend) Workers() int {
	return b.pool.Workers()
}

// Close stops the worker goroutines. Run fails after Close.
func (b *PoolBackend) Close() {
	b.pool.Close()
}

// Run convolves img with k using the worker pool. It blocks until every
// partition is written. If any task fails, Run returns the joined errors
// and no image.
func (b *PoolBackend) Run(ctx context.Context, img *PixelBuffer, k *Kernel) (*PixelBuffer, error) {
	start := time.Now()
	if err := checkRun(img, k); err != nil {
		observe(b.opts.observer, b.Name(), 0, start, err)
		return nil, err
	}

	out := img.Clone()
	h := k.HalfWidth()
	lo, hi := h, img.height-h
	if hi <= lo {
		observe(b.opts.observer, b.Name(), 0, start, nil)
		return out, nil
	}

	parts, err := RowBands(lo, hi, b.opts.rowsPerTask, h, img.height)
	if err == nil {
		err = CheckCoverage(parts, lo, hi)
	}
	if err == nil {
		Logger().Debug("convolve: pool dispatch",
			"tasks", len(parts), "workers", b.pool.Workers(), "rows_per_task", b.opts.rowsPerTask)
		err = b.runPartitions(ctx, img, out, k, parts)
	}
	if err != nil {
		observe(b.opts.observer, b.Name(), 0, start, err)
		return nil, err
	}

	observe(b.opts.observer, b.Name(), hi-lo, start, nil)
	return out, nil
}

// runPartitions dispatches one task per partition and waits for all of them.
func (b *PoolBackend) runPartitions(ctx context.Context, src, dst *PixelBuffer, k *Kernel, parts []Partition) error {
	tasks := make([]parallel.Task, len(parts))
	for i, p := range parts {
		tasks[i] = func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := p.check(src.height); err != nil {
				return err
			}
			if p.HaloAbove < k.HalfWidth() && p.ReadStart() > 0 ||
				p.HaloBelow < k.HalfWidth() && p.ReadEnd() < src.height {
				return fmt.Errorf("%w: partition %v halo narrower than kernel half-width %d",
					ErrInvalidArgument, p, k.HalfWidth())
			}
			convolveRows(src, dst, k, p.RowStart, p.RowEnd())
			return nil
		}
	}
	if err := b.pool.ExecuteAll(tasks); err != nil {
		return fmt.Errorf("convolve: pool run: %w", err)
	}
	return nil
}
