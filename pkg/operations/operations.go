// Package operations provides the typed batch-operation façade: named bulk
// operations for one entity type, executed through the batch processor and
// delegating per-chunk work to a storage backend.
package operations

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/richarddahl/uno-batch/pkg/batch"
	unoerrors "github.com/richarddahl/uno-batch/pkg/errors"
	"github.com/richarddahl/uno-batch/pkg/storage"
)

// inlineExecLimit is the chunk size at or below which raw SQL parameter
// sets execute as individual statements instead of one pipelined batch.
const inlineExecLimit = 10

// Operations is the batch façade for one entity type. Every call builds
// its own processor from a per-call copy of the default settings, so one
// Operations value is safe for concurrent use.
type Operations[T any] struct {
	entity   string
	store    storage.Store[T]
	sqlExec  storage.SQLExecutor
	defaults batch.Settings
	logger   *zap.Logger

	mu          sync.Mutex
	lastMetrics *batch.Metrics
}

// New creates the batch façade for an entity type. sqlExec may be nil when
// ExecuteSQL is not needed.
func New[T any](entity string, store storage.Store[T], sqlExec storage.SQLExecutor, defaults batch.Settings, logger *zap.Logger) *Operations[T] {
	return &Operations[T]{
		entity:   entity,
		store:    store,
		sqlExec:  sqlExec,
		defaults: defaults,
		logger:   logger.With(zap.String("entity", entity)),
	}
}

// LastMetrics returns the metrics of the most recent operation, or nil.
func (o *Operations[T]) LastMetrics() *batch.Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastMetrics
}

func (o *Operations[T]) setMetrics(m *batch.Metrics) {
	o.mu.Lock()
	o.lastMetrics = m
	o.mu.Unlock()
}

// CallOption adjusts one operation call.
type CallOption func(*callSettings)

type callSettings struct {
	batchSize    int
	parallel     *bool
	strategy     *batch.Strategy
	returnModels bool
	idField      string
}

// WithBatchSize overrides the chunk size for this call.
func WithBatchSize(n int) CallOption {
	return func(cs *callSettings) { cs.batchSize = n }
}

// WithParallel selects parallel (true) or chunked (false) execution for
// this call.
func WithParallel(parallel bool) CallOption {
	return func(cs *callSettings) { cs.parallel = &parallel }
}

// WithStrategy selects an explicit execution strategy, overriding
// WithParallel.
func WithStrategy(s batch.Strategy) CallOption {
	return func(cs *callSettings) { cs.strategy = &s }
}

// WithReturnModels controls whether mutation operations materialize and
// return the stored entities. When false, only counts are returned.
func WithReturnModels(returnModels bool) CallOption {
	return func(cs *callSettings) { cs.returnModels = returnModels }
}

// WithIDField overrides the primary-key field name used by Update.
// Defaults to "id".
func WithIDField(field string) CallOption {
	return func(cs *callSettings) { cs.idField = field }
}

// settingsFor builds the per-call processor settings from the façade
// defaults and the call options.
func (o *Operations[T]) settingsFor(opName string, opts []CallOption) (batch.Settings, callSettings) {
	cs := callSettings{returnModels: true, idField: "id"}
	for _, opt := range opts {
		opt(&cs)
	}

	s := o.defaults
	s.Name = o.entity + "_" + opName
	if cs.batchSize > 0 {
		s.BatchSize = cs.batchSize
	}
	switch {
	case cs.strategy != nil:
		s.Strategy = *cs.strategy
	case cs.parallel != nil && *cs.parallel:
		s.Strategy = batch.StrategyParallel
	case cs.parallel != nil:
		s.Strategy = batch.StrategyChunked
	}
	return s, cs
}

// Get fetches entities by primary key in batches.
func (o *Operations[T]) Get(ctx context.Context, ids []any, opts ...CallOption) ([]T, error) {
	if len(ids) == 0 {
		return []T{}, nil
	}

	s, _ := o.settingsFor("get", opts)
	proc := batch.NewProcessor(batch.NewConfig[any, T](s), o.logger)

	results, m, err := proc.Process(ctx, ids, func(ctx context.Context, chunk []any) ([]T, error) {
		return o.store.GetByIDs(ctx, chunk)
	})
	o.setMetrics(m)
	return results, err
}

// Insert writes rows in batches. It returns the stored entities when
// return-models is enabled (the default), and always returns the number of
// rows processed.
func (o *Operations[T]) Insert(ctx context.Context, rows []storage.Row, opts ...CallOption) ([]T, int64, error) {
	if len(rows) == 0 {
		return []T{}, 0, nil
	}

	s, cs := o.settingsFor("insert", opts)
	proc := batch.NewProcessor(batch.NewConfig[storage.Row, T](s), o.logger)

	results, m, err := proc.Process(ctx, rows, func(ctx context.Context, chunk []storage.Row) ([]T, error) {
		return o.store.Insert(ctx, chunk)
	})
	o.setMetrics(m)
	if err != nil {
		return nil, m.ProcessedRecords(), err
	}
	if !cs.returnModels {
		return nil, m.ProcessedRecords(), nil
	}
	return results, m.ProcessedRecords(), nil
}

// Update applies per-record field updates in batches. fields names the
// columns to write; when empty, every field of a row except its ID field
// is written.
//
// Chunking governs the outer iteration only: within a chunk the store is
// called once per record, so an update over N rows issues N statements.
// Callers with a bulk-update statement available should prefer ExecuteSQL.
func (o *Operations[T]) Update(ctx context.Context, rows []storage.Row, fields []string, opts ...CallOption) ([]T, int64, error) {
	if len(rows) == 0 {
		return []T{}, 0, nil
	}

	s, cs := o.settingsFor("update", opts)
	proc := batch.NewProcessor(batch.NewConfig[storage.Row, T](s), o.logger)

	results, m, err := proc.Process(ctx, rows, func(ctx context.Context, chunk []storage.Row) ([]T, error) {
		updated := make([]T, 0, len(chunk))
		for _, row := range chunk {
			id, ok := row[cs.idField]
			if !ok {
				return nil, unoerrors.Newf(unoerrors.ErrorTypeValidation, "record missing %q field", cs.idField)
			}

			toWrite := make(storage.Row, len(row))
			if len(fields) > 0 {
				for _, f := range fields {
					if v, ok := row[f]; ok {
						toWrite[f] = v
					}
				}
			} else {
				for k, v := range row {
					if k != cs.idField {
						toWrite[k] = v
					}
				}
			}

			entity, err := o.store.UpdateFields(ctx, id, toWrite)
			if err != nil {
				return nil, err
			}
			updated = append(updated, entity)
		}
		return updated, nil
	})
	o.setMetrics(m)
	if err != nil {
		return nil, m.ProcessedRecords(), err
	}
	if !cs.returnModels {
		return nil, m.ProcessedRecords(), nil
	}
	return results, m.ProcessedRecords(), nil
}

type upsertCounts struct {
	inserted int64
	updated  int64
}

// Upsert inserts rows in batches, updating on unique-key conflict. It
// returns how many rows were newly inserted and how many updated existing
// rows.
func (o *Operations[T]) Upsert(ctx context.Context, rows []storage.Row, uniqueFields, updateFields []string, opts ...CallOption) (inserted, updated int64, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}

	s, _ := o.settingsFor("upsert", opts)
	proc := batch.NewProcessor(batch.NewConfig[storage.Row, upsertCounts](s), o.logger)

	counts, m, err := proc.Process(ctx, rows, func(ctx context.Context, chunk []storage.Row) ([]upsertCounts, error) {
		ins, upd, err := o.store.Upsert(ctx, chunk, uniqueFields, updateFields)
		if err != nil {
			return nil, err
		}
		return []upsertCounts{{inserted: ins, updated: upd}}, nil
	})
	o.setMetrics(m)
	if err != nil {
		return 0, 0, err
	}
	for _, c := range counts {
		inserted += c.inserted
		updated += c.updated
	}
	return inserted, updated, nil
}

// Delete removes entities by primary key in batches and returns the number
// of rows removed.
func (o *Operations[T]) Delete(ctx context.Context, ids []any, opts ...CallOption) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s, _ := o.settingsFor("delete", opts)
	proc := batch.NewProcessor(batch.NewConfig[any, int64](s), o.logger)

	counts, m, err := proc.Process(ctx, ids, func(ctx context.Context, chunk []any) ([]int64, error) {
		n, err := o.store.Delete(ctx, chunk)
		if err != nil {
			return nil, err
		}
		return []int64{n}, nil
	})
	o.setMetrics(m)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// ExecuteSQL runs a parameterized statement once per parameter set, in
// batches. Chunks of up to ten parameter sets execute as individual
// statements; larger chunks go through the executor's pipelined batch
// path. Returns the total rows affected.
func (o *Operations[T]) ExecuteSQL(ctx context.Context, query string, paramSets [][]any, opts ...CallOption) (int64, error) {
	if len(paramSets) == 0 {
		return 0, nil
	}
	if o.sqlExec == nil {
		return 0, unoerrors.New(unoerrors.ErrorTypeConfig, "no SQL executor configured")
	}

	s, _ := o.settingsFor("execute_sql", opts)
	proc := batch.NewProcessor(batch.NewConfig[[]any, int64](s), o.logger)

	counts, m, err := proc.Process(ctx, paramSets, func(ctx context.Context, chunk [][]any) ([]int64, error) {
		if len(chunk) <= inlineExecLimit {
			var affected int64
			for _, params := range chunk {
				n, err := o.sqlExec.Exec(ctx, query, params...)
				if err != nil {
					return nil, err
				}
				affected += n
			}
			return []int64{affected}, nil
		}

		n, err := o.sqlExec.ExecBatch(ctx, query, chunk)
		if err != nil {
			return nil, err
		}
		return []int64{n}, nil
	})
	o.setMetrics(m)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// Compute runs an arbitrary per-chunk computation over typed records
// through o's batch settings. It lives at package level because methods
// cannot introduce the result type parameter.
func Compute[T, R any](ctx context.Context, o *Operations[T], records []T, fn batch.OperationFunc[T, R], opts ...CallOption) ([]R, error) {
	if len(records) == 0 {
		return []R{}, nil
	}

	s, _ := o.settingsFor("compute", opts)
	proc := batch.NewProcessor(batch.NewConfig[T, R](s), o.logger)

	results, m, err := proc.Process(ctx, records, fn)
	o.setMetrics(m)
	return results, err
}

// ImportStats is the aggregate outcome of an Import call. Errors counts
// rows dropped by preprocessing plus records in chunks that failed
// terminally; a zero-error import is the only kind that touched every row.
type ImportStats struct {
	Total    int64         `json:"total"`
	Inserted int64         `json:"inserted"`
	Updated  int64         `json:"updated"`
	Skipped  int64         `json:"skipped"`
	Errors   int64         `json:"errors"`
	Elapsed  time.Duration `json:"elapsed"`
}

// ImportOptions configures an Import call.
type ImportOptions struct {
	// UpdateOnConflict upserts rows instead of skipping ones whose
	// unique-field combination already exists.
	UpdateOnConflict bool

	// UpdateFields limits which columns an upsert conflict overwrites.
	UpdateFields []string

	// Preprocess transforms each row before import. A row whose
	// preprocessing fails is logged, counted as an error, and dropped;
	// the import continues.
	Preprocess func(storage.Row) (storage.Row, error)

	// BatchSize overrides the default chunk size.
	BatchSize int

	// Parallel selects parallel chunk execution.
	Parallel bool
}

type importCounts struct {
	inserted int64
	updated  int64
	skipped  int64
}

// Import loads rows with conflict policy and returns aggregate statistics.
// With UpdateOnConflict the rows are upserted keyed by uniqueFields;
// otherwise each row whose unique-field combination already exists is
// skipped and the rest are batch-inserted.
func (o *Operations[T]) Import(ctx context.Context, rows []storage.Row, uniqueFields []string, opts ImportOptions) (*ImportStats, error) {
	stats := &ImportStats{Total: int64(len(rows))}
	start := time.Now()
	if len(rows) == 0 {
		return stats, nil
	}
	if len(uniqueFields) == 0 {
		return nil, unoerrors.New(unoerrors.ErrorTypeValidation, "import requires unique fields")
	}

	work := rows
	if opts.Preprocess != nil {
		work = make([]storage.Row, 0, len(rows))
		for _, row := range rows {
			out, err := opts.Preprocess(row)
			if err != nil {
				stats.Errors++
				o.logger.Warn("import preprocess dropped record", zap.Error(err))
				continue
			}
			work = append(work, out)
		}
	}

	callOpts := []CallOption{WithParallel(opts.Parallel)}
	if opts.BatchSize > 0 {
		callOpts = append(callOpts, WithBatchSize(opts.BatchSize))
	}
	s, _ := o.settingsFor("import", callOpts)
	proc := batch.NewProcessor(batch.NewConfig[storage.Row, importCounts](s), o.logger)

	var op batch.OperationFunc[storage.Row, importCounts]
	if opts.UpdateOnConflict {
		op = func(ctx context.Context, chunk []storage.Row) ([]importCounts, error) {
			ins, upd, err := o.store.Upsert(ctx, chunk, uniqueFields, opts.UpdateFields)
			if err != nil {
				return nil, err
			}
			return []importCounts{{inserted: ins, updated: upd}}, nil
		}
	} else {
		op = func(ctx context.Context, chunk []storage.Row) ([]importCounts, error) {
			var counts importCounts
			toInsert := make([]storage.Row, 0, len(chunk))

			for _, row := range chunk {
				conds := make(storage.Row, len(uniqueFields))
				for _, f := range uniqueFields {
					conds[f] = row[f]
				}

				existing, err := o.store.FindByFields(ctx, conds)
				if err != nil {
					return nil, err
				}
				if len(existing) > 0 {
					counts.skipped++
					continue
				}
				toInsert = append(toInsert, row)
			}

			if len(toInsert) > 0 {
				inserted, err := o.store.Insert(ctx, toInsert)
				if err != nil {
					return nil, err
				}
				counts.inserted = int64(len(inserted))
			}
			return []importCounts{counts}, nil
		}
	}

	counts, m, err := proc.Process(ctx, work, op)
	o.setMetrics(m)
	if err != nil {
		return nil, err
	}

	for _, c := range counts {
		stats.Inserted += c.inserted
		stats.Updated += c.updated
		stats.Skipped += c.skipped
	}
	stats.Errors += m.FailedRecords()
	stats.Elapsed = time.Since(start)
	return stats, nil
}
