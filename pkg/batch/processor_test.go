package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testSettings() Settings {
	s := DefaultSettings("test")
	s.OptimizeForSize = false
	s.RetryDelay = time.Millisecond
	return s
}

func identityOp(ctx context.Context, chunk []int) ([]int, error) {
	out := make([]int, len(chunk))
	copy(out, chunk)
	return out, nil
}

func sequence(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func TestProcessEmptyInput(t *testing.T) {
	for _, strategy := range []Strategy{StrategySingleQuery, StrategyChunked, StrategyParallel, StrategyPipelined, StrategyOptimistic} {
		t.Run(string(strategy), func(t *testing.T) {
			s := testSettings()
			s.Strategy = strategy

			var calls atomic.Int64
			cfg := NewConfig[int, int](s)
			cfg.PreProcess = func(records []int) ([]int, error) {
				t.Fatal("pre-process hook must not run for empty input")
				return records, nil
			}
			proc := NewProcessor(cfg, zaptest.NewLogger(t))

			results, m, err := proc.Process(context.Background(), nil, func(ctx context.Context, chunk []int) ([]int, error) {
				calls.Add(1)
				return chunk, nil
			})

			require.NoError(t, err)
			assert.Empty(t, results)
			assert.Equal(t, int64(0), m.TotalRecords())
			assert.Equal(t, int64(0), calls.Load())
			assert.False(t, m.EndTime().IsZero())
		})
	}
}

func TestChunkedPreservesOrder(t *testing.T) {
	s := testSettings()
	s.BatchSize = 5
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	input := sequence(20)
	results, m, err := proc.Process(context.Background(), input, identityOp)

	require.NoError(t, err)
	assert.Equal(t, input, results)
	assert.Equal(t, int64(20), m.ProcessedRecords())
	assert.Equal(t, int64(4), m.ChunksProcessed())
	assert.Equal(t, int64(20), m.SuccessfulRecords())
}

func TestSingleQueryPreservesOrder(t *testing.T) {
	s := testSettings()
	s.Strategy = StrategySingleQuery
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	input := sequence(20)
	results, m, err := proc.Process(context.Background(), input, identityOp)

	require.NoError(t, err)
	assert.Equal(t, input, results)
	assert.Equal(t, int64(1), m.ChunksProcessed())
}

func TestParallelResultMultiset(t *testing.T) {
	s := testSettings()
	s.Strategy = StrategyParallel
	s.BatchSize = 5
	s.MaxWorkers = 4
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	input := sequence(20)
	// Later chunks finish first, so completion order differs from input
	// order. Only multiset equality is guaranteed.
	results, m, err := proc.Process(context.Background(), input, func(ctx context.Context, chunk []int) ([]int, error) {
		delay := time.Duration(25-chunk[0]) * time.Millisecond
		time.Sleep(delay)
		return chunk, nil
	})

	require.NoError(t, err)
	assert.ElementsMatch(t, input, results)
	assert.Equal(t, int64(20), m.ProcessedRecords())
	assert.Equal(t, int64(4), m.ChunksProcessed())
	assert.Equal(t, int64(0), m.FailedRecords())
}

func TestChunkedRetryAccounting(t *testing.T) {
	s := testSettings()
	s.BatchSize = 5
	s.RetryCount = 2
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	// Each chunk fails on its first two attempts, then succeeds.
	var mu sync.Mutex
	attempts := make(map[int]int)

	input := sequence(20)
	results, m, err := proc.Process(context.Background(), input, func(ctx context.Context, chunk []int) ([]int, error) {
		mu.Lock()
		attempts[chunk[0]]++
		n := attempts[chunk[0]]
		mu.Unlock()
		if n <= 2 {
			return nil, errors.New("transient failure")
		}
		return chunk, nil
	})

	require.NoError(t, err)
	assert.Equal(t, input, results)
	assert.Equal(t, int64(2*4), m.Retries())
	assert.Equal(t, int64(4), m.ChunksProcessed())
}

func TestChunkedRetryExhaustionPropagates(t *testing.T) {
	s := testSettings()
	s.BatchSize = 5
	s.RetryCount = 1
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	var calls atomic.Int64
	_, m, err := proc.Process(context.Background(), sequence(20), func(ctx context.Context, chunk []int) ([]int, error) {
		calls.Add(1)
		return nil, errors.New("permanent failure")
	})

	require.Error(t, err)
	// Two attempts for the first chunk, then the run aborts: no chunk
	// after the failing one executes.
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, int64(0), m.ChunksProcessed())
	assert.Equal(t, int64(0), m.ProcessedRecords())
	assert.Len(t, m.Errors(), 2)
	assert.Equal(t, "chunk_execution", m.Errors()[0].Context)
}

func TestAdaptiveBatchSizeSmallTier(t *testing.T) {
	s := DefaultSettings("test")
	s.BatchSize = 5000
	s.OptimizeForSize = true
	s.RetryDelay = time.Millisecond
	proc := NewProcessor(NewConfig[map[string]any, int](s), zaptest.NewLogger(t))

	// ~11KB serialized per record puts the sample in the small tier.
	payload := strings.Repeat("x", 11000)
	records := make([]map[string]any, 250)
	for i := range records {
		records[i] = map[string]any{"payload": payload}
	}

	var maxChunk atomic.Int64
	_, _, err := proc.Process(context.Background(), records, func(ctx context.Context, chunk []map[string]any) ([]int, error) {
		if int64(len(chunk)) > maxChunk.Load() {
			maxChunk.Store(int64(len(chunk)))
		}
		return make([]int, len(chunk)), nil
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, maxChunk.Load(), int64(SizeTierSmall))
}

func TestAdaptiveBatchSizeCapsAtConfigured(t *testing.T) {
	s := DefaultSettings("test")
	s.BatchSize = 50
	s.OptimizeForSize = true
	s.RetryDelay = time.Millisecond
	proc := NewProcessor(NewConfig[map[string]any, int](s), zaptest.NewLogger(t))

	// Tiny records map to the xlarge tier, which never raises the
	// configured size.
	records := make([]map[string]any, 120)
	for i := range records {
		records[i] = map[string]any{"n": i}
	}

	var chunkSizes []int
	var mu sync.Mutex
	_, _, err := proc.Process(context.Background(), records, func(ctx context.Context, chunk []map[string]any) ([]int, error) {
		mu.Lock()
		chunkSizes = append(chunkSizes, len(chunk))
		mu.Unlock()
		return make([]int, len(chunk)), nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{50, 50, 20}, chunkSizes)
}

func TestAdaptiveSizeEstimationFallback(t *testing.T) {
	s := DefaultSettings("test")
	s.BatchSize = 2
	s.OptimizeForSize = true
	s.RetryDelay = time.Millisecond
	proc := NewProcessor(NewConfig[any, int](s), zaptest.NewLogger(t))

	// Channels are not JSON-serializable; estimation fails and the
	// configured size is used unchanged.
	records := []any{make(chan int), make(chan int), make(chan int), make(chan int)}

	var chunks atomic.Int64
	_, _, err := proc.Process(context.Background(), records, func(ctx context.Context, chunk []any) ([]int, error) {
		chunks.Add(1)
		require.LessOrEqual(t, len(chunk), 2)
		return make([]int, len(chunk)), nil
	})

	require.NoError(t, err)
	assert.Equal(t, int64(2), chunks.Load())
}

func TestSingleQueryFailurePropagates(t *testing.T) {
	s := testSettings()
	s.Strategy = StrategySingleQuery

	var callbackErrs []ErrorRecord
	cfg := NewConfig[int, int](s)
	cfg.OnError = func(err error, info ErrorRecord) {
		callbackErrs = append(callbackErrs, info)
	}
	proc := NewProcessor(cfg, zaptest.NewLogger(t))

	var calls atomic.Int64
	_, m, err := proc.Process(context.Background(), sequence(10), func(ctx context.Context, chunk []int) ([]int, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})

	require.Error(t, err)
	// Single-query has no retry.
	assert.Equal(t, int64(1), calls.Load())
	require.Len(t, m.Errors(), 1)
	assert.Equal(t, "single_query_execution", m.Errors()[0].Context)
	require.Len(t, callbackErrs, 1)
	assert.Equal(t, 10, callbackErrs[0].ChunkSize)
}

func TestOptimisticFallback(t *testing.T) {
	s := testSettings()
	s.Strategy = StrategyOptimistic
	s.BatchSize = 5
	s.RetryCount = 0
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	input := sequence(20)
	var singleAttempts atomic.Int64
	results, m, err := proc.Process(context.Background(), input, func(ctx context.Context, chunk []int) ([]int, error) {
		if len(chunk) == len(input) {
			singleAttempts.Add(1)
			return nil, errors.New("too large for one statement")
		}
		out := make([]int, len(chunk))
		copy(out, chunk)
		return out, nil
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), singleAttempts.Load())
	assert.Equal(t, input, results)
	assert.Equal(t, int64(4), m.ChunksProcessed())
	// The failed single-query attempt remains visible in the error log.
	require.NotEmpty(t, m.Errors())
	assert.Equal(t, "single_query_execution", m.Errors()[0].Context)
}

func TestParallelPartialFailure(t *testing.T) {
	s := testSettings()
	s.Strategy = StrategyParallel
	s.BatchSize = 3
	s.RetryCount = 0
	s.MaxWorkers = 2
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	// 7 records in chunks of 3: [1 2 3] [4 5 6] [7]. The short last chunk
	// fails terminally; the run still succeeds with partial results.
	results, m, err := proc.Process(context.Background(), sequence(7), func(ctx context.Context, chunk []int) ([]int, error) {
		if chunk[0] == 7 {
			return nil, errors.New("chunk rejected")
		}
		out := make([]int, len(chunk))
		copy(out, chunk)
		return out, nil
	})

	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6}, results)
	assert.Equal(t, int64(6), m.ProcessedRecords())
	// Failed-record accounting uses the actual chunk length.
	assert.Equal(t, int64(1), m.FailedRecords())
	assert.Equal(t, int64(2), m.ChunksProcessed())
	require.Len(t, m.Errors(), 1)
}

func TestPipelinedStages(t *testing.T) {
	s := testSettings()
	s.Strategy = StrategyPipelined
	s.BatchSize = 4

	cfg := NewConfig[int, int](s)
	cfg.Pipeline = &Pipeline[int, int]{
		Preprocess: func(record int) (int, bool, error) {
			if record == 3 {
				return 0, false, errors.New("bad record")
			}
			if record == 4 {
				return 0, false, nil // dropped silently
			}
			return record * 10, true, nil
		},
		Filter: func(record int) bool {
			return record != 50
		},
		Postprocess: func(result int) (int, bool, error) {
			if result == 20 {
				return 0, false, errors.New("bad result")
			}
			return result + 1, true, nil
		},
	}
	proc := NewProcessor(cfg, zaptest.NewLogger(t))

	results, m, err := proc.Process(context.Background(), sequence(6), identityOp)

	require.NoError(t, err)
	// 1..6 -> preprocess drops 3 (error) and 4 (not ok) -> 10,20,50,60
	// -> filter drops 50 -> chunked identity -> postprocess drops 20
	// (error), increments the rest.
	assert.Equal(t, []int{11, 61}, results)

	errs := m.Errors()
	require.Len(t, errs, 2)
	assert.Equal(t, "preprocessing", errs[0].Stage)
	assert.Equal(t, "postprocessing", errs[1].Stage)
}

func TestPipelinedWithoutPipelineConfigActsChunked(t *testing.T) {
	s := testSettings()
	s.Strategy = StrategyPipelined
	s.BatchSize = 5
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	input := sequence(12)
	results, _, err := proc.Process(context.Background(), input, identityOp)
	require.NoError(t, err)
	assert.Equal(t, input, results)
}

func TestPreProcessHookErrorAborts(t *testing.T) {
	s := testSettings()
	cfg := NewConfig[int, int](s)
	cfg.PreProcess = func(records []int) ([]int, error) {
		return nil, errors.New("hook rejected batch")
	}
	proc := NewProcessor(cfg, zaptest.NewLogger(t))

	var calls atomic.Int64
	_, _, err := proc.Process(context.Background(), sequence(5), func(ctx context.Context, chunk []int) ([]int, error) {
		calls.Add(1)
		return chunk, nil
	})

	require.Error(t, err)
	assert.Equal(t, int64(0), calls.Load())
}

func TestHooksWrapRun(t *testing.T) {
	s := testSettings()
	s.BatchSize = 3
	cfg := NewConfig[int, int](s)
	cfg.PreProcess = func(records []int) ([]int, error) {
		out := make([]int, len(records))
		for i, r := range records {
			out[i] = r * 2
		}
		return out, nil
	}
	cfg.PostProcess = func(results []int) ([]int, error) {
		out := make([]int, len(results))
		for i, r := range results {
			out[i] = r + 1
		}
		return out, nil
	}
	proc := NewProcessor(cfg, zaptest.NewLogger(t))

	results, m, err := proc.Process(context.Background(), []int{1, 2, 3}, identityOp)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5, 7}, results)
	assert.Equal(t, int64(3), m.SuccessfulRecords())
}

func TestTimeoutBoundsOperation(t *testing.T) {
	s := testSettings()
	s.Timeout = 20 * time.Millisecond
	s.RetryCount = 0
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	_, _, err := proc.Process(context.Background(), sequence(5), func(ctx context.Context, chunk []int) ([]int, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return chunk, nil
		}
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryCancelledByContext(t *testing.T) {
	s := testSettings()
	s.RetryCount = 5
	s.RetryDelay = time.Second
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := proc.Process(ctx, sequence(5), func(ctx context.Context, chunk []int) ([]int, error) {
		return nil, errors.New("always fails")
	})
	require.Error(t, err)
}

func TestUnknownStrategyRejected(t *testing.T) {
	s := testSettings()
	s.Strategy = Strategy("bogus")
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	_, _, err := proc.Process(context.Background(), sequence(5), identityOp)
	require.Error(t, err)
}

func TestInvalidBatchSizeSurfacesOnUse(t *testing.T) {
	s := testSettings()
	s.BatchSize = 0
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	_, _, err := proc.Process(context.Background(), sequence(5), identityOp)
	require.Error(t, err)
}

func TestMetricsMonotonicity(t *testing.T) {
	s := testSettings()
	s.BatchSize = 4
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	input := sequence(10)
	_, m, err := proc.Process(context.Background(), input, identityOp)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.ProcessedRecords(), int64(0))
	assert.LessOrEqual(t, m.ProcessedRecords(), m.TotalRecords())
	assert.False(t, m.EndTime().Before(m.StartTime()))
	assert.GreaterOrEqual(t, m.Elapsed(), time.Duration(0))
}

func TestLastMetricsRetained(t *testing.T) {
	s := testSettings()
	proc := NewProcessor(NewConfig[int, int](s), zaptest.NewLogger(t))

	assert.Nil(t, proc.Metrics())

	_, m, err := proc.Process(context.Background(), sequence(3), identityOp)
	require.NoError(t, err)
	assert.Same(t, m, proc.Metrics())
}
