// Package metrics provides Prometheus instrumentation for batch runs.
//
// The collectors here track the externally observable shape of a batch:
// how many records went through, how many chunks were executed, how often
// chunks were retried, and how long individual chunks took. Per-run
// accounting (partial failures, error records) lives on batch.Metrics;
// this package is the aggregate, cross-run view.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsProcessed tracks the total number of records processed.
	// Labels: operation (get/insert/update/...), strategy, status (success/failure)
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uno_batch_records_processed_total",
			Help: "Total number of records processed by the batch engine",
		},
		[]string{"operation", "strategy", "status"},
	)

	// ChunksProcessed tracks the total number of chunks executed.
	ChunksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uno_batch_chunks_processed_total",
			Help: "Total number of chunks executed",
		},
		[]string{"operation", "strategy"},
	)

	// Retries tracks chunk retry attempts.
	Retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uno_batch_retries_total",
			Help: "Total number of chunk retry attempts",
		},
		[]string{"operation", "strategy"},
	)

	// ChunkDuration tracks the distribution of per-chunk execution times.
	ChunkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "uno_batch_chunk_duration_seconds",
			Help: "Per-chunk execution time in seconds",
			Buckets: []float64{
				0.001, // 1ms - in-memory operations
				0.01,  // 10ms - fast queries
				0.1,   // 100ms - standard bulk statements
				0.5,
				1,
				5,
				30, // long-running bulk loads
			},
		},
		[]string{"operation", "strategy"},
	)

	// Throughput tracks records per second for the most recent run.
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uno_batch_throughput_records_per_second",
			Help: "Throughput of the most recent batch run",
		},
		[]string{"operation", "strategy"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop stops the timer and returns the elapsed duration since creation.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveChunk records one chunk execution in the aggregate collectors.
func ObserveChunk(operation, strategy string, d time.Duration) {
	ChunksProcessed.WithLabelValues(operation, strategy).Inc()
	ChunkDuration.WithLabelValues(operation, strategy).Observe(d.Seconds())
}

// ObserveRun records the final accounting of a batch run.
func ObserveRun(operation, strategy string, processed, failed int64, recordsPerSecond float64) {
	RecordsProcessed.WithLabelValues(operation, strategy, "success").Add(float64(processed))
	if failed > 0 {
		RecordsProcessed.WithLabelValues(operation, strategy, "failure").Add(float64(failed))
	}
	Throughput.WithLabelValues(operation, strategy).Set(recordsPerSecond)
}
