package executor

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/config"
	"datacore/internal/events"
	"datacore/internal/mainthread"
	"datacore/internal/platform/dialect"
	"datacore/internal/platform/sqlite"
	"datacore/internal/pool"
	"datacore/internal/shared"
)

type fixture struct {
	cfg  config.DataSource
	db   *sql.DB
	pool *pool.Pool[*sql.Conn]
	exec *Executor
	rec  *events.Recorder
}

func newFixture(t *testing.T, mutate func(*config.DataSource), opts ...Option) *fixture {
	t.Helper()
	cfg := sqlite.TestDataSource(t, "players")
	if mutate != nil {
		mutate(&cfg)
	}
	db := sqlite.TestDB(t, cfg)
	sqlite.MustExec(t, db, `CREATE TABLE players (id INTEGER PRIMARY KEY, name TEXT NOT NULL, level INTEGER NOT NULL DEFAULT 1)`)

	rec := &events.Recorder{}
	p, err := pool.New(pool.ConfigFrom(cfg), dialect.Connector(sqlite.Dialect{}, db, cfg), pool.WithSink(rec))
	require.NoError(t, err)

	ex, err := New(ConfigFrom(cfg), sqlite.Dialect{}, p, append([]Option{WithSink(rec)}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = ex.Drain(time.Second)
		_ = p.Shutdown(time.Second)
	})
	return &fixture{cfg: cfg, db: db, pool: p, exec: ex, rec: rec}
}

func (fx *fixture) wait(t *testing.T, f *Future) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

// blockingTx holds a lease until release is closed or the execution is cancelled.
func blockingTx(started chan<- struct{}, release <-chan struct{}) TxFunc {
	return func(ctx context.Context, _ *Txn) (any, error) {
		close(started)
		select {
		case <-release:
			return "released", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func TestSubmit_Shapes(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	res, err := fx.wait(t, fx.exec.Submit(ctx, Exec(`INSERT INTO players (id, name) VALUES (?, ?)`, 1, "Ari")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)
	assert.Equal(t, int64(1), res.LastInsertID)

	b := fx.exec.Builder()
	_, err = fx.wait(t, fx.exec.Submit(ctx, FromStatement(b.Insert("players", dialect.Col("id", 2), dialect.Col("name", "Bo")), Affected)))
	require.NoError(t, err)

	res, err = fx.wait(t, fx.exec.Submit(ctx, Query(`SELECT id, name, level FROM players ORDER BY id`)))
	require.NoError(t, err)
	require.Equal(t, 2, res.Rows.Len())
	assert.Equal(t, []string{"id", "name", "level"}, res.Rows.Columns)
	assert.Equal(t, map[string]any{"id": int64(1), "name": "Ari", "level": int64(1)}, res.Rows.Map(0))

	res, err = fx.wait(t, fx.exec.Submit(ctx, QueryScalar(`SELECT COUNT(*) FROM players`)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Scalar)

	res, err = fx.wait(t, fx.exec.Submit(ctx, QueryScalar(`SELECT name FROM players WHERE id = ?`, 99)))
	require.NoError(t, err)
	assert.Nil(t, res.Scalar, "no row yields a nil scalar")

	st := b.Select("players", []string{"name"}, []dialect.Column{dialect.Col("id", 2)}, 1)
	res, err = fx.wait(t, fx.exec.Submit(ctx, FromStatement(st, Scalar)))
	require.NoError(t, err)
	assert.Equal(t, "Bo", res.Scalar)

	stats := fx.exec.Stats()
	assert.Equal(t, uint64(6), stats.Completed)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, fx.pool.Stats().Leased)
}

func TestSubmit_StatementError(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.wait(t, fx.exec.Submit(ctx, Exec(`INSERT INTO players (id, name) VALUES (1, 'Ari')`)))
	require.NoError(t, err)

	_, err = fx.wait(t, fx.exec.Submit(ctx, Exec(`INSERT INTO players (id, name) VALUES (1, 'Dup')`)))
	require.Error(t, err)
	assert.Equal(t, shared.KindStatement, shared.KindOf(err))

	var stmtErr *shared.StatementError
	require.True(t, errors.As(err, &stmtErr))
	assert.Equal(t, sqlite.Name, stmtErr.Dialect)
	assert.NotEmpty(t, stmtErr.Code)

	var dsErr *shared.DataSourceError
	require.True(t, errors.As(err, &dsErr))
	assert.Equal(t, "players", dsErr.Name)
	assert.Equal(t, "exec", dsErr.Op)

	assert.Zero(t, fx.pool.Stats().Leased)
	assert.Zero(t, fx.pool.Stats().Discarded, "statement errors keep the connection")
}

func TestSubmit_Batch(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	res, err := fx.wait(t, fx.exec.Submit(ctx, ExecBatch(`INSERT INTO players (id, name) VALUES (?, ?)`, [][]any{
		{1, "Ari"}, {2, "Bo"}, {3, "Cy"},
	})))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, 1}, res.Batch)
	assert.Equal(t, int64(3), res.Affected)

	_, err = fx.wait(t, fx.exec.Submit(ctx, ExecBatch(`INSERT INTO players (id, name) VALUES (?, ?)`, [][]any{
		{4, "Di"}, {1, "Dup"},
	})))
	require.Error(t, err)
	assert.Equal(t, shared.KindStatement, shared.KindOf(err))
	assert.Equal(t, 3, sqlite.CountRows(t, fx.db, "players"), "failed batch is rolled back")
}

func TestSubmit_Tx(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	res, err := fx.wait(t, fx.exec.Submit(ctx, InTx(func(ctx context.Context, tx *Txn) (any, error) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO players (id, name) VALUES (?, ?)`, 1, "Ari"); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, tx.Builder().Update("players", []dialect.Column{dialect.Col("level", 5)}, []dialect.Column{dialect.Col("id", 1)})); err != nil {
			return nil, err
		}
		var level int
		err := tx.QueryRowContext(ctx, `SELECT level FROM players WHERE id = ?`, 1).Scan(&level)
		return level, err
	})))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Value)

	boom := errors.New("boom")
	_, err = fx.wait(t, fx.exec.Submit(ctx, InTx(func(ctx context.Context, tx *Txn) (any, error) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO players (id, name) VALUES (2, 'Bo')`); err != nil {
			return nil, err
		}
		return nil, boom
	})))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, sqlite.CountRows(t, fx.db, "players"), "failed tx is rolled back")
}

func TestSubmit_PanicReleasesLease(t *testing.T) {
	fx := newFixture(t, nil)

	_, err := fx.wait(t, fx.exec.Submit(context.Background(), InTx(func(context.Context, *Txn) (any, error) {
		panic("handler bug")
	})))
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrInternal))
	assert.Contains(t, err.Error(), "handler bug")

	st := fx.pool.Stats()
	assert.Zero(t, st.Leased)
	assert.Equal(t, uint64(1), st.Discarded)
}

func TestSubmit_Rejections(t *testing.T) {
	notReady := func() error { return shared.ErrDataSourceNotReady }

	tests := []struct {
		name string
		opts []Option
		req  Request
		ctx  func() context.Context
		kind shared.Kind
	}{
		{"empty sql", nil, Exec(""), context.Background, shared.KindValidation},
		{"batch without sets", nil, ExecBatch("INSERT INTO players (id) VALUES (?)", nil), context.Background, shared.KindValidation},
		{"tx without fn", nil, InTx(nil), context.Background, shared.KindValidation},
		{"gate closed", []Option{WithGate(notReady)}, Exec("SELECT 1"), context.Background, shared.KindDataSourceNotReady},
		{"context already cancelled", nil, Exec("SELECT 1"), func() context.Context {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx
		}, shared.KindCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, nil, tt.opts...)

			f := fx.exec.Submit(tt.ctx(), tt.req)
			require.True(t, f.Completed(), "rejection happens on submit")
			_, err := f.Wait(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.kind, shared.KindOf(err))
			assert.Zero(t, fx.pool.Stats().Created, "rejected request never reaches the pool")
		})
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	fx := newFixture(t, func(c *config.DataSource) {
		c.Workers = 1
		c.QueueSize = 1
	})
	ctx := context.Background()

	started, release := make(chan struct{}), make(chan struct{})
	blocker := fx.exec.Submit(ctx, InTx(blockingTx(started, release)))
	<-started

	queued := fx.exec.Submit(ctx, Exec(`INSERT INTO players (id, name) VALUES (1, 'Ari')`))
	overflow := fx.exec.Submit(ctx, Exec(`INSERT INTO players (id, name) VALUES (2, 'Bo')`))

	require.True(t, overflow.Completed())
	_, err := overflow.Wait(ctx)
	assert.Equal(t, shared.KindConnectionUnavailable, shared.KindOf(err))
	assert.Equal(t, 1, fx.rec.Count(events.QueueFull))

	close(release)
	_, err = fx.wait(t, blocker)
	require.NoError(t, err)
	_, err = fx.wait(t, queued)
	require.NoError(t, err)
	assert.Equal(t, 1, sqlite.CountRows(t, fx.db, "players"))
}

func TestCancel_BeforeExecutionNeverTouchesDriver(t *testing.T) {
	fx := newFixture(t, func(c *config.DataSource) { c.Workers = 1 })
	ctx := context.Background()

	started, release := make(chan struct{}), make(chan struct{})
	blocker := fx.exec.Submit(ctx, InTx(blockingTx(started, release)))
	<-started

	pending := fx.exec.Submit(ctx, Exec(`INSERT INTO players (id, name) VALUES (1, 'Ari')`))
	assert.Equal(t, Pending, pending.State())
	assert.True(t, pending.Cancel())
	assert.False(t, pending.Cancel(), "second cancel is a no-op")

	_, err := pending.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, shared.KindCancelled, shared.KindOf(err))
	assert.Equal(t, Cancelled, pending.State())

	close(release)
	_, err = fx.wait(t, blocker)
	require.NoError(t, err)
	require.NoError(t, fx.exec.Drain(time.Second))

	assert.Zero(t, sqlite.CountRows(t, fx.db, "players"))
	assert.Equal(t, uint64(1), fx.pool.Stats().Created, "only the blocker leased a connection")
	assert.Equal(t, uint64(1), fx.exec.Stats().Cancelled)
}

func TestCancel_WhileRunningReleasesOnce(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	started := make(chan struct{})
	f := fx.exec.Submit(ctx, InTx(blockingTx(started, nil)))
	<-started
	assert.Equal(t, Running, f.State())

	assert.True(t, f.Cancel())
	_, err := fx.wait(t, f)
	require.Error(t, err)
	assert.Equal(t, shared.KindCancelled, shared.KindOf(err))
	assert.Equal(t, Cancelled, f.State())

	st := fx.pool.Stats()
	assert.Zero(t, st.Leased)
	assert.Equal(t, uint64(1), st.Discarded, "interrupted connection is not reused")
	for _, e := range fx.rec.Events() {
		assert.NotEqual(t, "lease release failed", e.Message)
	}
}

func TestSubmit_AcquireTimeout(t *testing.T) {
	fx := newFixture(t, func(c *config.DataSource) {
		c.Pool.MaxTotal = 1
		c.Pool.MinIdle = 1
		c.Pool.AcquireTimeout = 50 * time.Millisecond
	})
	ctx := context.Background()

	started, release := make(chan struct{}), make(chan struct{})
	blocker := fx.exec.Submit(ctx, InTx(blockingTx(started, release)))
	<-started

	_, err := fx.wait(t, fx.exec.Submit(ctx, Exec(`INSERT INTO players (id, name) VALUES (1, 'Ari')`)))
	require.Error(t, err)
	assert.Equal(t, shared.KindConnectionUnavailable, shared.KindOf(err))
	assert.True(t, errors.Is(err, shared.ErrPoolExhausted))
	assert.True(t, shared.IsRetryable(err))

	close(release)
	_, err = fx.wait(t, blocker)
	require.NoError(t, err)
}

func TestSubmitAfter_PreservesOrder(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	started, release := make(chan struct{}), make(chan struct{})
	first := fx.exec.Submit(ctx, InTx(func(ctx context.Context, tx *Txn) (any, error) {
		close(started)
		<-release
		_, err := tx.ExecContext(ctx, `INSERT INTO players (id, name) VALUES (1, 'first')`)
		return nil, err
	}))
	<-started
	second := fx.exec.SubmitAfter(ctx, first, Exec(`UPDATE players SET name = 'second' WHERE id = 1`))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Pending, second.State(), "chained request waits for its predecessor")

	close(release)
	res, err := fx.wait(t, second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Affected)

	var name string
	require.NoError(t, fx.db.QueryRow(`SELECT name FROM players WHERE id = 1`).Scan(&name))
	assert.Equal(t, "second", name)
}

func TestDeliver_PostsToMainThread(t *testing.T) {
	fx := newFixture(t, nil)
	q := mainthread.New()

	var got Result
	delivered := false
	f := fx.exec.Submit(context.Background(), QueryScalar(`SELECT 41 + 1`))
	f.Deliver(q, func(res Result, err error) {
		require.NoError(t, err)
		got = res
		delivered = true
	})

	require.Eventually(t, func() bool { return q.Len() == 1 }, 5*time.Second, time.Millisecond)
	assert.False(t, delivered, "callback runs only when the host drains the queue")
	assert.Equal(t, 1, q.Drain(10))
	assert.True(t, delivered)
	assert.Equal(t, int64(42), got.Scalar)

	// Delivering an already completed future posts immediately.
	f.Deliver(q, func(Result, error) {})
	assert.Equal(t, 1, q.Len())
}

func TestDrain_CompletesQueuedWork(t *testing.T) {
	fx := newFixture(t, func(c *config.DataSource) { c.Workers = 1 })
	ctx := context.Background()

	futures := make([]*Future, 0, 5)
	for i := 1; i <= 5; i++ {
		futures = append(futures, fx.exec.Submit(ctx, Exec(`INSERT INTO players (id, name) VALUES (?, 'p')`, i)))
	}
	require.NoError(t, fx.exec.Drain(5*time.Second))
	for _, f := range futures {
		assert.True(t, f.Completed())
	}
	assert.Equal(t, 5, sqlite.CountRows(t, fx.db, "players"))

	_, err := fx.exec.Submit(ctx, Exec(`SELECT 1`)).Wait(ctx)
	assert.Equal(t, shared.KindDataSourceNotReady, shared.KindOf(err))
	assert.NoError(t, fx.exec.Drain(time.Second), "drain is idempotent")
}

func TestDrain_CancelsAfterTimeout(t *testing.T) {
	fx := newFixture(t, func(c *config.DataSource) { c.Workers = 1 })
	ctx := context.Background()

	started := make(chan struct{})
	running := fx.exec.Submit(ctx, InTx(blockingTx(started, nil)))
	<-started
	queued := fx.exec.Submit(ctx, Exec(`INSERT INTO players (id, name) VALUES (1, 'Ari')`))

	err := fx.exec.Drain(30 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrForcedShutdown))

	for _, f := range []*Future{running, queued} {
		_, err := fx.wait(t, f)
		assert.Equal(t, shared.KindCancelled, shared.KindOf(err))
	}
	assert.Zero(t, sqlite.CountRows(t, fx.db, "players"))
	assert.Zero(t, fx.pool.Stats().Leased)
}

func TestShape_String(t *testing.T) {
	tests := map[Shape]string{Rows: "query", Scalar: "scalar", Affected: "exec", Batch: "batch", Tx: "tx", Shape(42): "unknown"}
	for shape, want := range tests {
		assert.Equal(t, want, shape.String())
	}
}
