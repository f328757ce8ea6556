package batch

// Strategy selects how a batch run partitions and executes its chunks.
type Strategy string

const (
	// StrategySingleQuery executes the whole record set as one operation
	// call. No retries, no partial results: a failure propagates directly.
	StrategySingleQuery Strategy = "single_query"

	// StrategyChunked executes consecutive chunks sequentially with
	// per-chunk retries. A chunk that exhausts its retries aborts the run.
	StrategyChunked Strategy = "chunked"

	// StrategyParallel executes chunks concurrently, bounded by
	// Settings.MaxWorkers. Chunks that exhaust their retries are recorded
	// as failed and skipped; the run itself does not fail. Results are
	// concatenated in completion order, not input order.
	StrategyParallel Strategy = "parallel"

	// StrategyPipelined runs per-record preprocess/filter stages, a
	// chunked core, and a per-result postprocess stage. Stage failures are
	// isolated per item; the chunked core keeps chunked failure semantics.
	StrategyPipelined Strategy = "pipelined"

	// StrategyOptimistic attempts single-query execution first and falls
	// back to chunked execution over the full input if it fails.
	StrategyOptimistic Strategy = "optimistic"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySingleQuery, StrategyChunked, StrategyParallel, StrategyPipelined, StrategyOptimistic:
		return true
	default:
		return false
	}
}

func (s Strategy) String() string {
	return string(s)
}
