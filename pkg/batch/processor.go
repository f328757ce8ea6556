// Package batch implements the Uno batch-operation execution engine: size-aware
// chunking of an input record set and five execution strategies with per-chunk
// retry, progress tracking, and partial-failure accounting.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	unoerrors "github.com/richarddahl/uno-batch/pkg/errors"
	"github.com/richarddahl/uno-batch/pkg/metrics"
)

// Processor drives one configured batch workload. T is the input record
// type and R the per-record result type of the operation function.
//
// A Processor's configuration is fixed at construction; callers needing
// different settings per call build a new Processor, which keeps concurrent
// use of independent calls safe by construction. The Metrics of the most
// recent Process call are retained for inspection.
type Processor[T, R any] struct {
	cfg    Config[T, R]
	logger *zap.Logger

	mu          sync.Mutex
	lastMetrics *Metrics
}

// NewProcessor creates a processor for the given configuration.
func NewProcessor[T, R any](cfg Config[T, R], logger *zap.Logger) *Processor[T, R] {
	if cfg.Name == "" {
		cfg.Name = "batch"
	}
	return &Processor[T, R]{
		cfg:    cfg,
		logger: logger.With(zap.String("batch", cfg.Name)),
	}
}

// Config returns the processor's configuration.
func (p *Processor[T, R]) Config() Config[T, R] {
	return p.cfg
}

// Metrics returns the metrics of the most recent Process call, or nil if
// the processor has not run yet.
func (p *Processor[T, R]) Metrics() *Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMetrics
}

// Process partitions records and executes op over them according to the
// configured strategy, returning the flattened results and the run's
// metrics.
//
// SingleQuery and Chunked runs return an error when a chunk exhausts its
// retries; Parallel runs record failed chunks in the metrics and return
// nil. Callers of Parallel (and of the Import façade) must inspect
// Metrics.FailedRecords or Metrics.Errors to detect partial failure.
func (p *Processor[T, R]) Process(ctx context.Context, records []T, op OperationFunc[T, R]) ([]R, *Metrics, error) {
	m := newMetrics(len(records))
	p.mu.Lock()
	p.lastMetrics = m
	p.mu.Unlock()

	if len(records) == 0 {
		m.finish()
		return []R{}, m, nil
	}

	size := p.effectiveBatchSize(records)

	work := records
	if p.cfg.PreProcess != nil {
		var err error
		work, err = p.cfg.PreProcess(work)
		if err != nil {
			m.finish()
			return nil, m, unoerrors.Wrap(err, unoerrors.ErrorTypeData, "batch pre-process hook failed")
		}
	}

	var (
		results []R
		err     error
	)
	switch p.cfg.Strategy {
	case StrategySingleQuery:
		results, err = p.executeSingleQuery(ctx, work, op, m)
	case StrategyChunked, "":
		results, err = p.executeChunked(ctx, work, op, m, size)
	case StrategyParallel:
		results, err = p.executeParallel(ctx, work, op, m, size)
	case StrategyPipelined:
		results, err = p.executePipelined(ctx, work, op, m, size)
	case StrategyOptimistic:
		results, err = p.executeOptimistic(ctx, work, op, m, size)
	default:
		err = unoerrors.Newf(unoerrors.ErrorTypeValidation, "unknown execution strategy %q", p.cfg.Strategy)
	}
	if err != nil {
		m.finish()
		p.publishRun(m)
		return nil, m, err
	}

	if p.cfg.PostProcess != nil {
		results, err = p.cfg.PostProcess(results)
		if err != nil {
			m.finish()
			p.publishRun(m)
			return nil, m, unoerrors.Wrap(err, unoerrors.ErrorTypeData, "batch post-process hook failed")
		}
	}

	m.successfulRecords.Store(int64(len(results)))
	m.finish()
	p.publishRun(m)

	return results, m, nil
}

// effectiveBatchSize returns the chunk size for this input. With
// OptimizeForSize enabled it samples up to 10 records, estimates their
// average JSON-encoded size, and caps the configured batch size with the
// matching tier. Estimation failure falls back to the configured size.
func (p *Processor[T, R]) effectiveBatchSize(records []T) int {
	if !p.cfg.OptimizeForSize {
		return p.cfg.BatchSize
	}

	sample := len(records)
	if sample > 10 {
		sample = 10
	}
	if sample == 0 {
		return p.cfg.BatchSize
	}

	total := 0
	for i := 0; i < sample; i++ {
		encoded, err := gojson.Marshal(records[i])
		if err != nil {
			return p.cfg.BatchSize
		}
		total += len(encoded)
	}
	avg := total / sample

	var tier int
	switch {
	case avg > 10000:
		tier = SizeTierSmall
	case avg > 5000:
		tier = SizeTierMedium
	case avg > 1000:
		tier = SizeTierLarge
	default:
		tier = SizeTierXLarge
	}

	if tier < p.cfg.BatchSize {
		p.logger.Debug("adaptive batch size selected",
			zap.Int("avg_record_bytes", avg),
			zap.Int("tier", tier),
			zap.Int("configured", p.cfg.BatchSize))
		return tier
	}
	return p.cfg.BatchSize
}

// chunkify partitions records into consecutive slices of at most size
// records. An invalid size surfaces here rather than at configuration time.
func chunkify[T any](records []T, size int) ([][]T, error) {
	if size <= 0 {
		return nil, unoerrors.Newf(unoerrors.ErrorTypeValidation, "invalid batch size %d", size)
	}
	chunks := make([][]T, 0, (len(records)+size-1)/size)
	for i := 0; i < len(records); i += size {
		end := i + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[i:end])
	}
	return chunks, nil
}

// invoke runs one operation attempt, applying the per-invocation timeout.
func (p *Processor[T, R]) invoke(ctx context.Context, chunk []T, op OperationFunc[T, R]) ([]R, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	results, err := op(ctx, chunk)
	if p.cfg.CollectMetrics {
		metrics.ObserveChunk(p.cfg.Name, string(p.cfg.Strategy), time.Since(start))
	}
	return results, err
}

// executeSingleQuery runs the whole record set as one operation call.
// There is no retry and no partial-result recovery: a failure is recorded
// and propagated.
func (p *Processor[T, R]) executeSingleQuery(ctx context.Context, records []T, op OperationFunc[T, R], m *Metrics) ([]R, error) {
	results, err := p.invoke(ctx, records, op)
	if err != nil {
		rec := ErrorRecord{
			Message:    err.Error(),
			Context:    "single_query_execution",
			ChunkIndex: -1,
			ChunkSize:  len(records),
			Time:       time.Now(),
		}
		m.addError(rec)
		if p.cfg.OnError != nil {
			p.cfg.OnError(err, rec)
		}
		return nil, unoerrors.Wrap(err, unoerrors.ErrorTypeBatch, "single-query execution failed")
	}

	m.processedRecords.Add(int64(len(records)))
	m.chunksProcessed.Add(1)
	return results, nil
}

// executeChunked runs chunks sequentially. A chunk that exhausts its
// retries aborts the run; chunks after it never execute.
func (p *Processor[T, R]) executeChunked(ctx context.Context, records []T, op OperationFunc[T, R], m *Metrics, size int) ([]R, error) {
	chunks, err := chunkify(records, size)
	if err != nil {
		return nil, err
	}

	results := make([]R, 0, len(records))
	for idx, chunk := range chunks {
		chunkResults, err := p.runChunkWithRetry(ctx, idx, chunk, op, m)
		if err != nil {
			return nil, err
		}

		results = append(results, chunkResults...)
		m.processedRecords.Add(int64(len(chunk)))
		m.chunksProcessed.Add(1)

		if p.cfg.LogProgress {
			processed := m.ProcessedRecords()
			p.logger.Info("batch progress",
				zap.Int64("processed", processed),
				zap.Int64("total", m.TotalRecords()),
				zap.Float64("percent", float64(processed)/float64(m.TotalRecords())*100))
		}
	}
	return results, nil
}

// executeParallel runs chunks concurrently, bounded by MaxWorkers. A chunk
// that exhausts its retries is recorded as failed and its results dropped;
// the run itself succeeds. Results are appended in completion order.
func (p *Processor[T, R]) executeParallel(ctx context.Context, records []T, op OperationFunc[T, R], m *Metrics, size int) ([]R, error) {
	if p.cfg.MaxWorkers <= 0 {
		return nil, unoerrors.Newf(unoerrors.ErrorTypeValidation, "invalid max workers %d", p.cfg.MaxWorkers)
	}

	chunks, err := chunkify(records, size)
	if err != nil {
		return nil, err
	}

	type chunkOutcome struct {
		index   int
		size    int
		results []R
		err     error
	}

	sem := make(chan struct{}, p.cfg.MaxWorkers)
	outcomes := make(chan chunkOutcome, len(chunks))

	var wg sync.WaitGroup
	for idx, chunk := range chunks {
		wg.Add(1)
		go func(idx int, chunk []T) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			chunkResults, err := p.runChunkWithRetry(ctx, idx, chunk, op, m)
			outcomes <- chunkOutcome{index: idx, size: len(chunk), results: chunkResults, err: err}
		}(idx, chunk)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	// Completion order, not input order: callers of the parallel strategy
	// must not assume positional correspondence with the input.
	results := make([]R, 0, len(records))
	for outcome := range outcomes {
		if outcome.err != nil {
			m.failedRecords.Add(int64(outcome.size))
			p.logger.Error("chunk failed after retries",
				zap.Int("chunk_index", outcome.index),
				zap.Int("chunk_size", outcome.size),
				zap.Error(outcome.err))
			continue
		}

		results = append(results, outcome.results...)
		m.processedRecords.Add(int64(outcome.size))
		m.chunksProcessed.Add(1)

		if p.cfg.LogProgress {
			processed := m.ProcessedRecords()
			p.logger.Info("batch progress",
				zap.Int64("processed", processed),
				zap.Int64("total", m.TotalRecords()),
				zap.Float64("percent", float64(processed)/float64(m.TotalRecords())*100))
		}
	}
	return results, nil
}

// executePipelined runs per-record preprocess and filter stages, the
// chunked core, and a per-result postprocess stage. Stage failures are
// isolated per item and recorded; only the chunked core can abort the run.
func (p *Processor[T, R]) executePipelined(ctx context.Context, records []T, op OperationFunc[T, R], m *Metrics, size int) ([]R, error) {
	pl := p.cfg.Pipeline
	work := records

	if pl != nil && pl.Preprocess != nil {
		kept := make([]T, 0, len(work))
		for _, record := range work {
			out, ok, err := pl.Preprocess(record)
			if err != nil {
				rec := ErrorRecord{
					Message:    err.Error(),
					Context:    "pipeline",
					Stage:      "preprocessing",
					ChunkIndex: -1,
					Time:       time.Now(),
				}
				m.addError(rec)
				if p.cfg.OnError != nil {
					p.cfg.OnError(err, rec)
				}
				continue
			}
			if !ok {
				continue
			}
			kept = append(kept, out)
		}
		work = kept
	}

	if pl != nil && pl.Filter != nil {
		kept := make([]T, 0, len(work))
		for _, record := range work {
			if pl.Filter(record) {
				kept = append(kept, record)
			}
		}
		work = kept
	}

	results, err := p.executeChunked(ctx, work, op, m, size)
	if err != nil {
		return nil, err
	}

	if pl != nil && pl.Postprocess != nil {
		kept := make([]R, 0, len(results))
		for _, result := range results {
			out, ok, err := pl.Postprocess(result)
			if err != nil {
				rec := ErrorRecord{
					Message:    err.Error(),
					Context:    "pipeline",
					Stage:      "postprocessing",
					ChunkIndex: -1,
					Time:       time.Now(),
				}
				m.addError(rec)
				if p.cfg.OnError != nil {
					p.cfg.OnError(err, rec)
				}
				continue
			}
			if !ok {
				continue
			}
			kept = append(kept, out)
		}
		results = kept
	}
	return results, nil
}

// executeOptimistic attempts single-query execution and falls back to
// chunked execution over the full original input when it fails.
func (p *Processor[T, R]) executeOptimistic(ctx context.Context, records []T, op OperationFunc[T, R], m *Metrics, size int) ([]R, error) {
	results, err := p.executeSingleQuery(ctx, records, op, m)
	if err == nil {
		return results, nil
	}

	p.logger.Warn("single-query execution failed, falling back to chunked",
		zap.Int("records", len(records)),
		zap.Error(err))
	return p.executeChunked(ctx, records, op, m, size)
}

// runChunkWithRetry executes one chunk with up to RetryCount+1 attempts and
// a constant delay between them. Every failed attempt is counted as a retry
// and appended to the error log.
func (p *Processor[T, R]) runChunkWithRetry(ctx context.Context, index int, chunk []T, op OperationFunc[T, R], m *Metrics) ([]R, error) {
	attempts := p.cfg.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		results, err := p.invoke(ctx, chunk, op)
		if err == nil {
			return results, nil
		}
		lastErr = err

		m.retries.Add(1)
		if p.cfg.CollectMetrics {
			metrics.Retries.WithLabelValues(p.cfg.Name, string(p.cfg.Strategy)).Inc()
		}

		rec := ErrorRecord{
			Message:    err.Error(),
			Context:    "chunk_execution",
			ChunkIndex: index,
			ChunkSize:  len(chunk),
			Attempt:    attempt,
			Time:       time.Now(),
		}
		m.addError(rec)
		if p.cfg.OnError != nil {
			p.cfg.OnError(err, rec)
		}

		p.logger.Warn("chunk attempt failed",
			zap.Int("chunk_index", index),
			zap.Int("chunk_size", len(chunk)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt < attempts-1 {
			if err := sleepContext(ctx, p.cfg.RetryDelay); err != nil {
				return nil, unoerrors.Wrap(err, unoerrors.ErrorTypeBatch, "retry cancelled")
			}
		}
	}

	return nil, unoerrors.Wrap(lastErr, unoerrors.ErrorTypeBatch,
		fmt.Sprintf("chunk %d failed after %d attempts", index, attempts))
}

// publishRun pushes the run's final accounting to the Prometheus
// collectors when metrics collection is enabled.
func (p *Processor[T, R]) publishRun(m *Metrics) {
	if !p.cfg.CollectMetrics {
		return
	}
	metrics.ObserveRun(p.cfg.Name, string(p.cfg.Strategy),
		m.ProcessedRecords(), m.FailedRecords(), m.RecordsPerSecond())
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
