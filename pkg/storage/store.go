// Package storage defines the narrow persistence contracts the batch
// operations façade consumes. Implementations live in subpackages; the
// batch engine itself never depends on a concrete database.
package storage

import "context"

// Row is an untyped record, keyed by column or field name.
type Row = map[string]any

// Store exposes the bulk persistence primitives for one entity type.
// Implementations must be safe for concurrent use: the parallel execution
// strategy invokes them from multiple goroutines.
type Store[T any] interface {
	// GetByIDs fetches the entities with the given primary keys. Missing
	// IDs are simply absent from the result.
	GetByIDs(ctx context.Context, ids []any) ([]T, error)

	// Insert writes the given rows and returns the stored entities.
	Insert(ctx context.Context, rows []Row) ([]T, error)

	// UpdateFields updates the named fields of a single entity and
	// returns the stored result.
	UpdateFields(ctx context.Context, id any, fields Row) (T, error)

	// Upsert inserts rows, updating on unique-key conflict. updateFields
	// limits which columns the conflict branch overwrites; empty means all
	// non-unique columns. Returns how many rows were newly inserted and
	// how many updated an existing row.
	Upsert(ctx context.Context, rows []Row, uniqueFields, updateFields []string) (inserted, updated int64, err error)

	// Delete removes the entities with the given primary keys and returns
	// the number of rows removed.
	Delete(ctx context.Context, ids []any) (int64, error)

	// FindByFields fetches entities matching all of the given field
	// values.
	FindByFields(ctx context.Context, conds Row) ([]T, error)
}

// SQLExecutor runs raw parameterized statements. It is the collaborator
// behind the batch SQL-execution operation.
type SQLExecutor interface {
	// Exec runs one statement with one parameter set and returns the
	// number of rows affected.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)

	// ExecBatch runs the same statement once per parameter set, pipelined
	// as a single round trip where the backend supports it, and returns
	// the total rows affected.
	ExecBatch(ctx context.Context, sql string, paramSets [][]any) (int64, error)
}
