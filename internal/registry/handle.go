package registry

import (
	"context"
	"database/sql"
	"fmt"

	"datacore/internal/executor"
	"datacore/internal/mainthread"
	"datacore/internal/platform/dialect"
	"datacore/internal/pool"
	"datacore/internal/shared"
)

// Handle is the caller-facing surface of one active data source. Every
// method that runs SQL returns a Future and never blocks; ExecSync and
// QuerySync are for worker goroutines only.
type Handle struct {
	name  string
	desc  dialect.Descriptor
	exec  *executor.Executor
	pool  *pool.Pool[*sql.Conn]
	entry *entry
}

// Name returns the data source name.
func (h *Handle) Name() string { return h.name }

// Dialect describes the backend.
func (h *Handle) Dialect() dialect.Descriptor { return h.desc }

// Builder returns the statement builder of the backend.
func (h *Handle) Builder() dialect.Builder { return h.exec.Builder() }

// Ready reports whether the data source still accepts submissions.
func (h *Handle) Ready() bool { return h.entry.ready.Load() }

// Submit queues req.
func (h *Handle) Submit(ctx context.Context, req executor.Request) *executor.Future {
	return h.exec.Submit(ctx, req)
}

// SubmitAfter queues req once prev completes.
func (h *Handle) SubmitAfter(ctx context.Context, prev *executor.Future, req executor.Request) *executor.Future {
	return h.exec.SubmitAfter(ctx, prev, req)
}

// Exec runs a `?` template and reports affected rows.
func (h *Handle) Exec(ctx context.Context, query string, args ...any) *executor.Future {
	return h.Submit(ctx, executor.Exec(query, args...))
}

// Query runs a `?` template and reads every row.
func (h *Handle) Query(ctx context.Context, query string, args ...any) *executor.Future {
	return h.Submit(ctx, executor.Query(query, args...))
}

// Scalar runs a `?` template and reads the first column of the first row.
func (h *Handle) Scalar(ctx context.Context, query string, args ...any) *executor.Future {
	return h.Submit(ctx, executor.QueryScalar(query, args...))
}

// Batch runs query once per argument set in a single transaction.
func (h *Handle) Batch(ctx context.Context, query string, sets [][]any) *executor.Future {
	return h.Submit(ctx, executor.ExecBatch(query, sets))
}

// Tx runs fn inside a transaction on a worker.
func (h *Handle) Tx(ctx context.Context, fn executor.TxFunc) *executor.Future {
	return h.Submit(ctx, executor.InTx(fn))
}

// Insert inserts one row.
func (h *Handle) Insert(ctx context.Context, table string, cols ...dialect.Column) *executor.Future {
	return h.Submit(ctx, executor.FromStatement(h.Builder().Insert(table, cols...), executor.Affected))
}

// Select reads columns of table rows matching where. limit <= 0 means no limit.
func (h *Handle) Select(ctx context.Context, table string, columns []string, where []dialect.Column, limit int) *executor.Future {
	return h.Submit(ctx, executor.FromStatement(h.Builder().Select(table, columns, where, limit), executor.Rows))
}

// Update sets columns of table rows matching where.
func (h *Handle) Update(ctx context.Context, table string, set, where []dialect.Column) *executor.Future {
	return h.Submit(ctx, executor.FromStatement(h.Builder().Update(table, set, where), executor.Affected))
}

// Delete removes table rows matching where.
func (h *Handle) Delete(ctx context.Context, table string, where []dialect.Column) *executor.Future {
	return h.Submit(ctx, executor.FromStatement(h.Builder().Delete(table, where), executor.Affected))
}

// ExecSync is Exec for callers that may block. It refuses a ctx marked by
// mainthread.WithMain with shared.ErrMainThreadBlocking.
func (h *Handle) ExecSync(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := h.await(ctx, executor.Exec(query, args...))
	return res.Affected, err
}

// QuerySync is Query for callers that may block. It refuses a ctx marked by
// mainthread.WithMain with shared.ErrMainThreadBlocking.
func (h *Handle) QuerySync(ctx context.Context, query string, args ...any) (*executor.RowSet, error) {
	res, err := h.await(ctx, executor.Query(query, args...))
	return res.Rows, err
}

func (h *Handle) await(ctx context.Context, req executor.Request) (executor.Result, error) {
	if mainthread.IsMain(ctx) {
		return executor.Result{}, shared.WrapDataSource(h.name, req.Shape.String(), shared.ErrMainThreadBlocking)
	}
	f := h.Submit(ctx, req)
	select {
	case <-f.Done():
	case <-ctx.Done():
		f.Cancel()
		<-f.Done()
	}
	return f.Wait(context.Background())
}

// Ping leases a connection and pings the server.
func (h *Handle) Ping(ctx context.Context) error {
	l, err := h.pool.Acquire(ctx, 0)
	if err != nil {
		return shared.WrapDataSource(h.name, "ping", err)
	}
	err = l.Conn().PingContext(ctx)
	if err != nil {
		l.Invalidate()
		err = fmt.Errorf("%w: %w", shared.ErrConnectionUnavailable, err)
	}
	_ = l.Release()
	return shared.WrapDataSource(h.name, "ping", err)
}

// HandleStats is a snapshot of the data source behind a handle.
type HandleStats struct {
	Pool     pool.Stats
	Executor executor.Stats
}

// Stats returns pool and executor counters. They stay readable after deactivation.
func (h *Handle) Stats() HandleStats {
	return HandleStats{Pool: h.pool.Stats(), Executor: h.exec.Stats()}
}
