// Package metrics exports convolution run statistics to Prometheus.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Recorder implements convolve.Observer on a Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	rowsProcessed *prometheus.CounterVec
}

// NewRecorder registers the convolve collectors on a fresh registry.
func NewRecorder() *Recorder {
	return NewRecorderWith(prometheus.NewRegistry())
}

// NewRecorderWith registers the convolve collectors on reg.
func NewRecorderWith(reg *prometheus.Registry) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convolve_runs_total",
				Help: "Total number of convolution runs",
			},
			[]string{"backend", "status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convolve_run_duration_seconds",
				Help:    "Convolution run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		rowsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convolve_rows_processed_total",
				Help: "Total number of output rows convolved",
			},
			[]string{"backend"},
		),
	}
}

// Registry returns the registry the collectors live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRun records one backend run.
func (r *Recorder) ObserveRun(backend string, rows int, elapsed time.Duration, err error) {
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	r.runsTotal.WithLabelValues(backend, status).Inc()
	r.runDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
	if rows > 0 {
		r.rowsProcessed.WithLabelValues(backend).Add(float64(rows))
	}
}

// WriteTextfile writes every collected metric to path in the text
// exposition format, for the node_exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
