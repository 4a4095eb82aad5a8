// Package executor runs data-access requests for one data source on a
// bounded set of worker goroutines. Each execution leases a pooled
// connection, runs one request shape and releases the lease exactly once.
package executor

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"datacore/internal/config"
	"datacore/internal/events"
	"datacore/internal/platform/dialect"
	"datacore/internal/pool"
	"datacore/internal/shared"
)

// Leaser hands out pooled connections.
type Leaser interface {
	Acquire(ctx context.Context, timeout time.Duration) (*pool.Lease[*sql.Conn], error)
}

// Config sizes an executor.
type Config struct {
	Name           string
	Workers        int
	QueueSize      int
	AcquireTimeout time.Duration
}

// ConfigFrom extracts executor settings from a data source configuration.
func ConfigFrom(ds config.DataSource) Config {
	return Config{
		Name:           ds.Name,
		Workers:        ds.Workers,
		QueueSize:      ds.QueueSize,
		AcquireTimeout: ds.Pool.AcquireTimeout,
	}
}

// Option configures an Executor.
type Option func(*Executor)

// WithSink sets the event sink.
func WithSink(s events.Sink) Option {
	return func(e *Executor) { e.sink = events.OrNop(s) }
}

// WithGate installs a readiness check run on every submission. A non-nil
// error fails the submission without queuing it.
func WithGate(gate func() error) Option {
	return func(e *Executor) { e.gate = gate }
}

// Executor is a bounded worker pool bound to one data source.
type Executor struct {
	cfg    Config
	d      dialect.Dialect
	b      dialect.Builder
	leaser Leaser
	sink   events.Sink
	gate   func() error

	jobs    chan *Future
	workers sync.WaitGroup

	// base is cancelled when a drain runs out of time.
	base     context.Context
	abort    context.CancelFunc
	aborting atomic.Bool

	mu     sync.RWMutex
	closed bool

	busy      atomic.Int64
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64
}

// New starts cfg.Workers goroutines.
func New(cfg Config, d dialect.Dialect, leaser Leaser, opts ...Option) (*Executor, error) {
	if err := shared.InvariantF(cfg.Workers > 0, "executor %s: workers must be positive", cfg.Name); err != nil {
		return nil, err
	}
	if err := shared.InvariantF(cfg.QueueSize > 0, "executor %s: queue size must be positive", cfg.Name); err != nil {
		return nil, err
	}
	base, abort := context.WithCancel(context.Background())
	e := &Executor{
		cfg:    cfg,
		d:      d,
		b:      dialect.NewBuilder(d.Descriptor()),
		leaser: leaser,
		sink:   events.Nop,
		jobs:   make(chan *Future, cfg.QueueSize),
		base:   base,
		abort:  abort,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go e.worker()
	}
	return e, nil
}

// Builder returns the statement builder for the executor's dialect.
func (e *Executor) Builder() dialect.Builder { return e.b }

// Submit queues req and returns its future. It never blocks and never runs
// req on the calling goroutine. A full queue fails the future with
// shared.ErrConnectionUnavailable.
func (e *Executor) Submit(ctx context.Context, req Request) *Future {
	f := newFuture(ctx, e.cfg.Name, req)
	e.enqueue(f)
	return f
}

// SubmitAfter queues req once prev completes, whatever its outcome, so the
// pair executes in order.
func (e *Executor) SubmitAfter(ctx context.Context, prev *Future, req Request) *Future {
	f := newFuture(ctx, e.cfg.Name, req)
	if prev == nil {
		e.enqueue(f)
		return f
	}
	prev.onComplete(func() { e.enqueue(f) })
	return f
}

func (e *Executor) enqueue(f *Future) {
	e.submitted.Add(1)
	op := f.req.Shape.String()

	if err := f.ctx.Err(); err != nil {
		e.cancelled.Add(1)
		f.finish(Result{}, f.cancelledErr(err))
		return
	}
	if err := validate(f.req); err != nil {
		e.reject(f, shared.WrapDataSource(e.cfg.Name, op, err))
		return
	}
	if e.gate != nil {
		if err := e.gate(); err != nil {
			e.reject(f, shared.WrapDataSource(e.cfg.Name, op, err))
			return
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.reject(f, shared.WrapDataSource(e.cfg.Name, op,
			fmt.Errorf("%w: executor is draining", shared.ErrDataSourceNotReady)))
		return
	}
	select {
	case e.jobs <- f:
	default:
		e.sink.Emit(f.ctx, events.Event{
			Kind:       events.QueueFull,
			DataSource: e.cfg.Name,
			Level:      slog.LevelWarn,
			Message:    "executor queue full",
			Attrs:      []slog.Attr{slog.Int("queue_size", e.cfg.QueueSize)},
		})
		e.reject(f, shared.WrapDataSource(e.cfg.Name, op,
			fmt.Errorf("%w: executor queue full (%d)", shared.ErrConnectionUnavailable, e.cfg.QueueSize)))
	}
}

func (e *Executor) reject(f *Future, err error) {
	e.rejected.Add(1)
	e.failed.Add(1)
	f.finish(Result{}, err)
}

func validate(req Request) error {
	switch req.Shape {
	case Rows, Scalar, Affected:
		return shared.Invariant(req.SQL != "", "request has no SQL")
	case Batch:
		if err := shared.Invariant(req.SQL != "", "batch request has no SQL"); err != nil {
			return err
		}
		return shared.Invariant(len(req.Sets) > 0, "batch request has no argument sets")
	case Tx:
		return shared.Invariant(req.Fn != nil, "tx request has no function")
	default:
		return shared.InvariantF(false, "unknown request shape %d", req.Shape)
	}
}

func (e *Executor) worker() {
	defer e.workers.Done()
	for f := range e.jobs {
		e.run(f)
	}
}

func (e *Executor) run(f *Future) {
	if e.aborting.Load() {
		if f.finish(Result{}, f.cancelledErr(errors.New("executor drain timed out"))) {
			e.cancelled.Add(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	stop := context.AfterFunc(e.base, cancel)
	defer stop()

	if !f.start(cancel) {
		e.cancelled.Add(1)
		return
	}
	e.busy.Add(1)
	res, err := e.execute(ctx, f)
	e.busy.Add(-1)

	switch {
	case err == nil:
		e.completed.Add(1)
	case shared.IsCancelled(err):
		e.cancelled.Add(1)
	default:
		e.failed.Add(1)
	}
	f.finish(res, err)
}

func (e *Executor) execute(ctx context.Context, f *Future) (res Result, err error) {
	op := f.req.Shape.String()

	lease, err := e.leaser.Acquire(ctx, e.cfg.AcquireTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, f.cancelledErr(ctx.Err())
		}
		return Result{}, shared.WrapDataSource(e.cfg.Name, op, shared.MarkKind(err, shared.KindConnectionUnavailable))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in %s: %v", shared.ErrInternal, op, r)
			res = Result{}
			lease.Invalidate()
		}
		if ctx.Err() != nil || errors.Is(err, driver.ErrBadConn) {
			lease.Invalidate()
		}
		if rerr := lease.Release(); rerr != nil {
			e.sink.Emit(context.Background(), events.Event{
				Kind:       events.ConnectionDiscarded,
				DataSource: e.cfg.Name,
				Level:      slog.LevelError,
				Message:    "lease release failed",
				Err:        rerr,
			})
		}
		err = e.classify(ctx, f, op, err)
	}()

	conn := lease.Conn()
	query := f.req.SQL
	if !f.req.Native {
		query = e.b.Rebind(query)
	}

	switch f.req.Shape {
	case Rows:
		return e.queryRows(ctx, conn, query, f.req.Args)
	case Scalar:
		var v any
		err := conn.QueryRowContext(ctx, query, f.req.Args...).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, nil
		}
		return Result{Scalar: normalize(v)}, err
	case Affected:
		r, err := conn.ExecContext(ctx, query, f.req.Args...)
		if err != nil {
			return Result{}, err
		}
		n, _ := r.RowsAffected()
		id, _ := r.LastInsertId()
		return Result{Affected: n, LastInsertID: id}, nil
	case Batch:
		return e.batch(ctx, conn, query, f.req.Sets)
	default:
		return e.tx(ctx, conn, f.req.Fn)
	}
}

// classify maps the raw outcome of an execution to the error taxonomy.
func (e *Executor) classify(ctx context.Context, f *Future, op string, err error) error {
	if err == nil {
		return nil
	}
	if f.wasCancelled() || (ctx.Err() != nil && shared.IsCancelled(ctx.Err())) {
		return f.cancelledErr(err)
	}
	var dsErr *shared.DataSourceError
	if errors.As(err, &dsErr) {
		return err
	}
	return shared.WrapDataSource(e.cfg.Name, op, dialect.Classify(e.d, err))
}

func (e *Executor) queryRows(ctx context.Context, conn *sql.Conn, query string, args []any) (Result, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()

	set, err := readRows(rows)
	if err != nil {
		return Result{}, err
	}
	return Result{Rows: set}, nil
}

func readRows(rows *sql.Rows) (*RowSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	set := &RowSet{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		set.Rows = append(set.Rows, vals)
	}
	return set, rows.Err()
}

// normalize copies driver-owned byte slices.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v
}

func (e *Executor) batch(ctx context.Context, conn *sql.Conn, query string, sets [][]any) (Result, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return Result{}, err
	}
	defer stmt.Close()

	res := Result{Batch: make([]int64, 0, len(sets))}
	for i, args := range sets {
		r, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return Result{}, fmt.Errorf("batch set %d: %w", i, err)
		}
		n, _ := r.RowsAffected()
		res.Batch = append(res.Batch, n)
		res.Affected += n
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (e *Executor) tx(ctx context.Context, conn *sql.Conn, fn TxFunc) (Result, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = tx.Rollback() }()

	v, err := fn(ctx, &Txn{tx: tx, b: e.b})
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Value: v}, nil
}

// Drain stops accepting work and lets workers finish the queue. Work still
// queued or running after timeout is cancelled and the returned error wraps
// shared.ErrForcedShutdown. Calling Drain again returns nil.
func (e *Executor) Drain(timeout time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		e.abort()
		return nil
	case <-timer.C:
	}

	pending := len(e.jobs)
	running := e.busy.Load()
	e.aborting.Store(true)
	e.abort()
	<-done
	return fmt.Errorf("%w: executor %s: cancelled %d queued and %d running requests after %s",
		shared.ErrForcedShutdown, e.cfg.Name, pending, running, timeout)
}

// Stats is a snapshot of executor counters.
type Stats struct {
	Workers   int
	Busy      int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
	Rejected  uint64
}

// Stats returns a snapshot.
func (e *Executor) Stats() Stats {
	return Stats{
		Workers:   e.cfg.Workers,
		Busy:      int(e.busy.Load()),
		Queued:    len(e.jobs),
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
		Cancelled: e.cancelled.Load(),
		Rejected:  e.rejected.Load(),
	}
}
