package executor

import (
	"context"
	"database/sql"

	"datacore/internal/platform/dialect"
)

// Shape selects how a request is executed and what its Result carries.
type Shape int

const (
	// Rows reads every row into Result.Rows.
	Rows Shape = iota
	// Scalar reads the first column of the first row into Result.Scalar.
	Scalar
	// Affected executes a statement and reports Result.Affected.
	Affected
	// Batch executes one statement per argument set in a single transaction.
	Batch
	// Tx runs a caller function inside a transaction.
	Tx
)

func (s Shape) String() string {
	switch s {
	case Rows:
		return "query"
	case Scalar:
		return "scalar"
	case Affected:
		return "exec"
	case Batch:
		return "batch"
	case Tx:
		return "tx"
	default:
		return "unknown"
	}
}

// TxFunc is the body of a Tx request. Returning an error rolls back.
type TxFunc func(ctx context.Context, tx *Txn) (any, error)

// Request is one unit of work. SQL uses `?` placeholders and is rebound to
// the dialect's syntax unless Native is set.
type Request struct {
	SQL    string
	Args   []any
	Shape  Shape
	Sets   [][]any
	Fn     TxFunc
	Native bool
}

// Query reads all rows.
func Query(query string, args ...any) Request {
	return Request{SQL: query, Args: args, Shape: Rows}
}

// QueryScalar reads one value.
func QueryScalar(query string, args ...any) Request {
	return Request{SQL: query, Args: args, Shape: Scalar}
}

// Exec runs a statement and reports affected rows.
func Exec(query string, args ...any) Request {
	return Request{SQL: query, Args: args, Shape: Affected}
}

// ExecBatch runs query once per argument set inside one transaction.
func ExecBatch(query string, sets [][]any) Request {
	return Request{SQL: query, Sets: sets, Shape: Batch}
}

// InTx runs fn inside a transaction on a worker.
func InTx(fn TxFunc) Request {
	return Request{Fn: fn, Shape: Tx}
}

// FromStatement wraps a builder statement, which is already in native syntax.
func FromStatement(st dialect.Statement, shape Shape) Request {
	return Request{SQL: st.SQL, Args: st.Args, Shape: shape, Native: true}
}

// Txn is the transaction handed to a TxFunc. Queries use `?` placeholders.
type Txn struct {
	tx *sql.Tx
	b  dialect.Builder
}

// Builder returns the statement builder of the data source.
func (t *Txn) Builder() dialect.Builder { return t.b }

// ExecContext executes a `?` template.
func (t *Txn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.b.Rebind(query), args...)
}

// QueryContext runs a `?` template.
func (t *Txn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.b.Rebind(query), args...)
}

// QueryRowContext runs a `?` template expected to return one row.
func (t *Txn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.b.Rebind(query), args...)
}

// Exec runs a builder statement.
func (t *Txn) Exec(ctx context.Context, st dialect.Statement) (sql.Result, error) {
	return t.tx.ExecContext(ctx, st.SQL, st.Args...)
}

// RowSet is a fully read result set.
type RowSet struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (r *RowSet) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Map returns row i keyed by column name.
func (r *RowSet) Map(i int) map[string]any {
	out := make(map[string]any, len(r.Columns))
	for j, c := range r.Columns {
		out[c] = r.Rows[i][j]
	}
	return out
}

// Result is the outcome of a successful request. Only the fields of the
// request's shape are set.
type Result struct {
	Rows         *RowSet
	Scalar       any
	Affected     int64
	LastInsertID int64
	Batch        []int64
	Value        any
}
