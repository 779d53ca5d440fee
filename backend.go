package convolve

import (
	"context"
	"fmt"
	"time"
)

// Backend drives the convolution of a pre-padded image.
//
// Run never pads: callers extend the image by the kernel half-width first
// (see Extend and Filter). Pixels within half-width of an edge are copied
// from the input unchanged, so the output always has the input's shape.
// The input is read-only for the duration of Run and is not retained.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Run convolves img with k and returns a new buffer.
	Run(ctx context.Context, img *PixelBuffer, k *Kernel) (*PixelBuffer, error)
}

// Observer receives one call per completed or failed Run.
// rows is the number of image rows this process convolved.
type Observer interface {
	ObserveRun(backend string, rows int, elapsed time.Duration, err error)
}

// Option configures a backend during creation.
type Option func(*options)

// options holds optional backend configuration.
type options struct {
	observer    Observer
	rowsPerTask int
	local       Backend
}

// defaultBackendOptions returns the defaults shared by all backends.
func defaultBackendOptions() options {
	return options{
		rowsPerTask: 1,
	}
}

func applyOptions(opts []Option) options {
	o := defaultBackendOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithObserver reports every Run to obs, e.g. a Prometheus recorder.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithRowsPerTask sets how many output rows one worker-pool task owns.
// The default of 1 dispatches one task per row. Values below 1 are ignored.
func WithRowsPerTask(n int) Option {
	return func(o *options) {
		if n >= 1 {
			o.rowsPerTask = n
		}
	}
}

// WithLocalBackend sets the backend each rank of a distributed run uses on
// its own slice. The default is Sequential. A PoolBackend gives a hybrid
// of processes and threads.
func WithLocalBackend(b Backend) Option {
	return func(o *options) {
		o.local = b
	}
}

// checkRun validates the arguments shared by every backend.
func checkRun(img *PixelBuffer, k *Kernel) error {
	if k == nil || k.size == 0 {
		return fmt.Errorf("%w: nil kernel", ErrInvalidArgument)
	}
	return img.valid()
}

// observe reports a finished run to the observer and the package logger.
func observe(obs Observer, backend string, rows int, start time.Time, err error) {
	elapsed := time.Since(start)
	if obs != nil {
		obs.ObserveRun(backend, rows, elapsed, err)
	}
	if err != nil {
		Logger().Debug("convolve: run failed", "backend", backend, "error", err)
		return
	}
	Logger().Info("convolve: run complete", "backend", backend, "rows", rows, "elapsed", elapsed)
}

// Sequential is the single-threaded baseline backend. Every other backend
// must reproduce its output byte for byte.
type Sequential struct {
	opts options
}

// NewSequential creates a sequential backend.
func NewSequential(opts ...Option) *Sequential {
	return &Sequential{opts: applyOptions(opts)}
}

// Name returns "sequential".
func (s *Sequential) Name() string {
	return "sequential"
}

// Run copies img and overwrites rows [h, height-h) with the convolution.
// ctx is checked before every row.
func (s *Sequential) Run(ctx context.Context, img *PixelBuffer, k *Kernel) (*PixelBuffer, error) {
	start := time.Now()
	if err := checkRun(img, k); err != nil {
		observe(s.opts.observer, s.Name(), 0, start, err)
		return nil, err
	}

	out := img.Clone()
	h := k.HalfWidth()
	for y := h; y < img.height-h; y++ {
		if err := ctx.Err(); err != nil {
			observe(s.opts.observer, s.Name(), 0, start, err)
			return nil, err
		}
		convolveRows(img, out, k, y, y+1)
	}

	observe(s.opts.observer, s.Name(), convolvedRowCount(img.height, k), start, nil)
	return out, nil
}
