package batch

import (
	"sync"
	"sync/atomic"
	"time"
)

// ErrorRecord is one structured failure entry in a run's error log.
type ErrorRecord struct {
	// Message is the failed operation's error text.
	Message string

	// Context discriminates where the failure happened, e.g.
	// "single_query_execution" or "chunk_execution".
	Context string

	// Stage is set for pipeline per-item failures: "preprocessing" or
	// "postprocessing".
	Stage string

	// ChunkIndex and ChunkSize identify the failing chunk for chunk-level
	// failures. ChunkIndex is -1 when not applicable.
	ChunkIndex int
	ChunkSize  int

	// Attempt is the zero-based attempt number that failed.
	Attempt int

	Time time.Time
}

// Metrics is the accounting record of one batch run. A fresh Metrics is
// created per Process call and owned by it until the run finishes; callers
// read it afterward, or concurrently through the atomic accessors.
//
// Chunks of a parallel run execute on separate goroutines, so all counters
// are atomics and the error log is mutex-guarded.
type Metrics struct {
	totalRecords int64
	startTime    time.Time

	processedRecords  atomic.Int64
	successfulRecords atomic.Int64
	failedRecords     atomic.Int64
	chunksProcessed   atomic.Int64
	retries           atomic.Int64

	// end time as unix nanoseconds, 0 while the run is in flight
	endNanos atomic.Int64

	mu     sync.Mutex
	errors []ErrorRecord
}

func newMetrics(total int) *Metrics {
	return &Metrics{
		totalRecords: int64(total),
		startTime:    time.Now(),
	}
}

// TotalRecords returns the size of the input record set.
func (m *Metrics) TotalRecords() int64 { return m.totalRecords }

// ProcessedRecords returns the number of records whose chunk completed.
func (m *Metrics) ProcessedRecords() int64 { return m.processedRecords.Load() }

// SuccessfulRecords returns the size of the final result list.
func (m *Metrics) SuccessfulRecords() int64 { return m.successfulRecords.Load() }

// FailedRecords returns the number of records in chunks that exhausted
// their retries under StrategyParallel.
func (m *Metrics) FailedRecords() int64 { return m.failedRecords.Load() }

// ChunksProcessed returns the number of successfully completed chunks.
func (m *Metrics) ChunksProcessed() int64 { return m.chunksProcessed.Load() }

// Retries returns the total number of failed operation attempts.
func (m *Metrics) Retries() int64 { return m.retries.Load() }

// StartTime returns when the run began.
func (m *Metrics) StartTime() time.Time { return m.startTime }

// EndTime returns when the run finished, or the zero time while it is
// still in flight.
func (m *Metrics) EndTime() time.Time {
	n := m.endNanos.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Elapsed returns the run duration, measured against the wall clock while
// the run is still in flight.
func (m *Metrics) Elapsed() time.Duration {
	if n := m.endNanos.Load(); n != 0 {
		return time.Unix(0, n).Sub(m.startTime)
	}
	return time.Since(m.startTime)
}

// RecordsPerSecond returns the processing rate, or 0 when no time has
// elapsed yet.
func (m *Metrics) RecordsPerSecond() float64 {
	elapsed := m.Elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.ProcessedRecords()) / elapsed
}

// Errors returns a copy of the ordered error log.
func (m *Metrics) Errors() []ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ErrorRecord, len(m.errors))
	copy(out, m.errors)
	return out
}

func (m *Metrics) addError(rec ErrorRecord) {
	m.mu.Lock()
	m.errors = append(m.errors, rec)
	m.mu.Unlock()
}

func (m *Metrics) finish() {
	m.endNanos.CompareAndSwap(0, time.Now().UnixNano())
}
