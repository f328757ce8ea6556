// Package pgstore implements the storage contracts on PostgreSQL using
// pgx. One Store serves one table; rows are scanned into the entity type
// by column name.
package pgstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	unoerrors "github.com/richarddahl/uno-batch/pkg/errors"
	"github.com/richarddahl/uno-batch/pkg/storage"
)

// Store is a pgx-backed storage.Store for one table. T must be a struct
// whose fields map to the table's columns by db/json tag or name, as
// understood by pgx.RowToStructByName.
type Store[T any] struct {
	pool     *pgxpool.Pool
	table    string
	idColumn string
	rowTo    pgx.RowToFunc[T]
	logger   *zap.Logger
}

// New creates a store bound to a table and its primary-key column.
func New[T any](pool *pgxpool.Pool, table, idColumn string, logger *zap.Logger) *Store[T] {
	return &Store[T]{
		pool:     pool,
		table:    table,
		idColumn: idColumn,
		rowTo:    pgx.RowToStructByName[T],
		logger:   logger.With(zap.String("table", table)),
	}
}

// NewRowStore creates a store whose entities are plain rows, for callers
// that do not model the table as a struct (e.g. the import CLI).
func NewRowStore(pool *pgxpool.Pool, table, idColumn string, logger *zap.Logger) *Store[storage.Row] {
	s := New[storage.Row](pool, table, idColumn, logger)
	s.rowTo = pgx.RowToMap
	return s
}

// GetByIDs fetches entities whose primary key is in ids.
func (s *Store[T]) GetByIDs(ctx context.Context, ids []any) ([]T, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = ANY($1)",
		pgx.Identifier{s.table}.Sanitize(), pgx.Identifier{s.idColumn}.Sanitize())

	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, unoerrors.Wrap(err, unoerrors.ErrorTypeQuery, "get by ids failed")
	}

	entities, err := pgx.CollectRows(rows, s.rowTo)
	if err != nil {
		return nil, unoerrors.Wrap(err, unoerrors.ErrorTypeData, "row scan failed")
	}
	return entities, nil
}

// Insert writes rows in one pipelined round trip and returns the stored
// entities in input order.
func (s *Store[T]) Insert(ctx context.Context, rows []storage.Row) ([]T, error) {
	if len(rows) == 0 {
		return []T{}, nil
	}

	var b pgx.Batch
	for _, row := range rows {
		cols, args := columnsAndArgs(row)
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
			pgx.Identifier{s.table}.Sanitize(), joinIdentifiers(cols), placeholders(len(cols), 1))
		b.Queue(query, args...)
	}

	results := make([]T, 0, len(rows))
	br := s.pool.SendBatch(ctx, &b)
	defer br.Close()

	for range rows {
		qr, err := br.Query()
		if err != nil {
			return nil, unoerrors.Wrap(err, unoerrors.ErrorTypeQuery, "bulk insert failed")
		}
		entity, err := pgx.CollectOneRow(qr, s.rowTo)
		if err != nil {
			return nil, unoerrors.Wrap(err, unoerrors.ErrorTypeData, "insert row scan failed")
		}
		results = append(results, entity)
	}
	return results, nil
}

// UpdateFields updates the named fields of one entity.
func (s *Store[T]) UpdateFields(ctx context.Context, id any, fields storage.Row) (T, error) {
	var zero T
	if len(fields) == 0 {
		return zero, unoerrors.New(unoerrors.ErrorTypeValidation, "no fields to update")
	}

	cols, args := columnsAndArgs(fields)
	assignments := make([]string, len(cols))
	for i, col := range cols {
		assignments[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i+2)
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1 RETURNING *",
		pgx.Identifier{s.table}.Sanitize(), strings.Join(assignments, ", "),
		pgx.Identifier{s.idColumn}.Sanitize())

	rows, err := s.pool.Query(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return zero, unoerrors.Wrap(err, unoerrors.ErrorTypeQuery, "update failed")
	}

	entity, err := pgx.CollectOneRow(rows, s.rowTo)
	if err != nil {
		return zero, unoerrors.Wrap(err, unoerrors.ErrorTypeData, "update row scan failed")
	}
	return entity, nil
}

// Upsert inserts rows, updating on unique-key conflict. The xmax system
// column distinguishes freshly inserted rows from updated ones.
func (s *Store[T]) Upsert(ctx context.Context, rows []storage.Row, uniqueFields, updateFields []string) (int64, int64, error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}
	if len(uniqueFields) == 0 {
		return 0, 0, unoerrors.New(unoerrors.ErrorTypeValidation, "upsert requires unique fields")
	}

	cols, _ := columnsAndArgs(rows[0])

	if len(updateFields) == 0 {
		unique := make(map[string]bool, len(uniqueFields))
		for _, f := range uniqueFields {
			unique[f] = true
		}
		for _, col := range cols {
			if !unique[col] {
				updateFields = append(updateFields, col)
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ",
		pgx.Identifier{s.table}.Sanitize(), joinIdentifiers(cols))

	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(" + placeholders(len(cols), len(args)+1) + ")")
		for _, col := range cols {
			args = append(args, row[col])
		}
	}

	conflictCols := make([]string, len(uniqueFields))
	for i, f := range uniqueFields {
		conflictCols[i] = pgx.Identifier{f}.Sanitize()
	}
	assignments := make([]string, len(updateFields))
	for i, f := range updateFields {
		ident := pgx.Identifier{f}.Sanitize()
		assignments[i] = fmt.Sprintf("%s = EXCLUDED.%s", ident, ident)
	}

	fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET %s RETURNING (xmax = 0) AS inserted",
		strings.Join(conflictCols, ", "), strings.Join(assignments, ", "))

	result, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return 0, 0, unoerrors.Wrap(err, unoerrors.ErrorTypeQuery, "upsert failed")
	}

	flags, err := pgx.CollectRows(result, pgx.RowTo[bool])
	if err != nil {
		return 0, 0, unoerrors.Wrap(err, unoerrors.ErrorTypeData, "upsert result scan failed")
	}

	var inserted, updated int64
	for _, wasInsert := range flags {
		if wasInsert {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, nil
}

// Delete removes entities by primary key.
func (s *Store[T]) Delete(ctx context.Context, ids []any) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)",
		pgx.Identifier{s.table}.Sanitize(), pgx.Identifier{s.idColumn}.Sanitize())

	tag, err := s.pool.Exec(ctx, query, ids)
	if err != nil {
		return 0, unoerrors.Wrap(err, unoerrors.ErrorTypeQuery, "delete failed")
	}
	return tag.RowsAffected(), nil
}

// FindByFields fetches entities matching all of conds.
func (s *Store[T]) FindByFields(ctx context.Context, conds storage.Row) ([]T, error) {
	cols, args := columnsAndArgs(conds)

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT * FROM %s", pgx.Identifier{s.table}.Sanitize())
	for i, col := range cols {
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		fmt.Fprintf(&sb, "%s = $%d", pgx.Identifier{col}.Sanitize(), i+1)
	}

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, unoerrors.Wrap(err, unoerrors.ErrorTypeQuery, "find by fields failed")
	}

	entities, err := pgx.CollectRows(rows, s.rowTo)
	if err != nil {
		return nil, unoerrors.Wrap(err, unoerrors.ErrorTypeData, "row scan failed")
	}
	return entities, nil
}

// Executor runs raw parameterized statements on the pool.
type Executor struct {
	pool *pgxpool.Pool
}

// NewExecutor creates an executor for raw SQL batch operations.
func NewExecutor(pool *pgxpool.Pool) *Executor {
	return &Executor{pool: pool}
}

// Exec runs one statement with one parameter set.
func (e *Executor) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := e.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, unoerrors.Wrap(err, unoerrors.ErrorTypeQuery, "exec failed")
	}
	return tag.RowsAffected(), nil
}

// ExecBatch runs the same statement once per parameter set in one
// pipelined round trip.
func (e *Executor) ExecBatch(ctx context.Context, sql string, paramSets [][]any) (int64, error) {
	var b pgx.Batch
	for _, params := range paramSets {
		b.Queue(sql, params...)
	}

	br := e.pool.SendBatch(ctx, &b)
	defer br.Close()

	var affected int64
	for range paramSets {
		tag, err := br.Exec()
		if err != nil {
			return affected, unoerrors.Wrap(err, unoerrors.ErrorTypeQuery, "batched exec failed")
		}
		affected += tag.RowsAffected()
	}
	return affected, nil
}

// columnsAndArgs returns the row's columns in sorted order with their
// values. Sorting keeps generated statements deterministic across rows.
func columnsAndArgs(row storage.Row) ([]string, []any) {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]any, len(cols))
	for i, col := range cols {
		args[i] = row[col]
	}
	return cols, args
}

func joinIdentifiers(cols []string) string {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = pgx.Identifier{col}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

// placeholders renders "$start, $start+1, ..." for n parameters.
func placeholders(n, start int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", start+i)
	}
	return sb.String()
}
