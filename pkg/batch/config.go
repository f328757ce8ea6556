package batch

import (
	"context"
	"time"
)

// Batch size tiers. When size-adaptive batching is enabled, the average
// serialized record size of a sample maps to one of these tiers, which then
// caps the configured batch size.
const (
	SizeTierSmall  = 100
	SizeTierMedium = 500
	SizeTierLarge  = 1000
	SizeTierXLarge = 5000
)

// OperationFunc performs the actual work for one chunk of records. It must
// not mutate the chunk slice. Any returned error marks the chunk as failed;
// how that failure is handled depends on the strategy in effect.
type OperationFunc[T, R any] func(ctx context.Context, chunk []T) ([]R, error)

// ErrorCallback is invoked once per recorded failure with the structured
// error record. Callbacks run synchronously on the executing goroutine and
// should be fast; a panicking callback aborts the run.
type ErrorCallback func(err error, info ErrorRecord)

// Settings holds the scalar knobs of a batch run. The zero value is not
// useful; start from DefaultSettings.
type Settings struct {
	// Name labels the run in logs and metrics.
	Name string

	// BatchSize is the chunk size, and the upper bound on the effective
	// chunk size when OptimizeForSize is enabled.
	BatchSize int

	// MaxWorkers bounds concurrent chunk execution for StrategyParallel.
	MaxWorkers int

	// Strategy selects the execution strategy.
	Strategy Strategy

	// RetryCount is the number of additional attempts after the first
	// failure of a chunk, so each chunk gets RetryCount+1 attempts total.
	RetryCount int

	// RetryDelay is the constant wait between attempts. No backoff growth.
	RetryDelay time.Duration

	// Timeout, when positive, bounds each individual operation invocation
	// via context deadline. Zero disables the bound.
	Timeout time.Duration

	// CollectMetrics publishes per-chunk and per-run Prometheus metrics.
	CollectMetrics bool

	// LogProgress logs completion percentage after every chunk.
	LogProgress bool

	// OptimizeForSize enables adaptive batch sizing from a record-size
	// sample of the input.
	OptimizeForSize bool
}

// DefaultSettings returns the standard configuration: medium chunks,
// chunked execution, three retries at a constant half-second delay, and
// size-adaptive batching enabled.
func DefaultSettings(name string) Settings {
	return Settings{
		Name:            name,
		BatchSize:       SizeTierMedium,
		MaxWorkers:      4,
		Strategy:        StrategyChunked,
		RetryCount:      3,
		RetryDelay:      500 * time.Millisecond,
		Timeout:         0,
		CollectMetrics:  false,
		LogProgress:     false,
		OptimizeForSize: true,
	}
}

// Pipeline holds the per-item stages of StrategyPipelined.
//
// Preprocess and Postprocess isolate failures per item: an item whose stage
// function returns an error is recorded and dropped, and the run continues.
// Returning ok=false drops the item silently.
type Pipeline[T, R any] struct {
	Preprocess  func(record T) (out T, ok bool, err error)
	Filter      func(record T) bool
	Postprocess func(result R) (out R, ok bool, err error)
}

// Config is the full per-run configuration: scalar settings plus the typed
// hooks that surround a run.
//
// PreProcess and PostProcess wrap the whole batch, before chunking and
// after flattening. Unlike Pipeline stages they are not isolated: an error
// from either aborts the run.
type Config[T, R any] struct {
	Settings

	PreProcess  func(records []T) ([]T, error)
	PostProcess func(results []R) ([]R, error)
	OnError     ErrorCallback
	Pipeline    *Pipeline[T, R]
}

// NewConfig builds a Config from settings with no hooks attached.
func NewConfig[T, R any](s Settings) Config[T, R] {
	return Config[T, R]{Settings: s}
}
