// Package unobatch provides the Uno batch-operation engine: bulk database
// operations executed over chunked record sets with adaptive batch sizing,
// per-chunk retries, and selectable execution strategies.
//
// The engine splits large record sets into chunks and drives an operation
// function over them under one of five strategies:
//
//   - single_query: the whole set in one call, no retries
//   - chunked: sequential chunks with per-chunk retry; a failed chunk
//     aborts the run
//   - parallel: concurrent chunks bounded by a worker limit; failed chunks
//     are recorded and skipped, the run continues
//   - pipelined: per-record preprocess/filter/postprocess stages wrapped
//     around a chunked core, with per-item failure isolation
//   - optimistic: single-query first, chunked fallback on failure
//
// # Quick Start
//
// Run a typed bulk fetch against PostgreSQL:
//
//	import (
//	    "context"
//	    "github.com/jackc/pgx/v5/pgxpool"
//	    "github.com/richarddahl/uno-batch/pkg/batch"
//	    "github.com/richarddahl/uno-batch/pkg/operations"
//	    "github.com/richarddahl/uno-batch/pkg/storage/pgstore"
//	)
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	store := pgstore.New[User](pool, "users", "id", logger)
//	ops := operations.New("users", store, pgstore.NewExecutor(pool),
//	    batch.DefaultSettings("users"), logger)
//
//	users, err := ops.Get(ctx, ids, operations.WithParallel(true))
//
// Or drive the processor directly with an arbitrary operation:
//
//	cfg := batch.NewConfig[Record, Result](batch.DefaultSettings("reindex"))
//	proc := batch.NewProcessor(cfg, logger)
//	results, metrics, err := proc.Process(ctx, records, reindexChunk)
//
// # Key Packages
//
//	pkg/batch      - Core processor: chunking, strategies, retry, metrics
//	pkg/operations - Typed bulk operations (get/insert/update/upsert/delete,
//	                 raw SQL, imports) for one entity type
//	pkg/storage    - Storage contracts; pgstore implements them on pgx
//	pkg/config     - YAML engine configuration
//	pkg/errors     - Structured error handling
//	pkg/logger     - Structured logging
//	pkg/metrics    - Prometheus instrumentation
//
// # Adaptive Batching
//
// With size optimization enabled the engine samples the input, estimates the
// average serialized record size, and caps the chunk size accordingly: very
// large records run in chunks of 100, small ones in chunks of up to 5000.
// The configured batch size is always an upper bound.
//
// # Failure Semantics
//
// Strategies differ deliberately in how they fail. Sequential strategies
// propagate the first exhausted chunk and abort. The parallel strategy never
// fails the run: failed chunks are dropped and recorded in the run's
// Metrics, which callers must inspect for partial failure.
package unobatch
