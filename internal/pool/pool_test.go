package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/events"
	"datacore/internal/shared"
)

type fakeConn struct {
	n      int
	broken atomic.Bool
	closed atomic.Bool
	inUse  atomic.Bool
	pings  atomic.Int32
}

func (c *fakeConn) PingContext(ctx context.Context) error {
	c.pings.Add(1)
	if c.broken.Load() {
		return errors.New("broken pipe")
	}
	return ctx.Err()
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  atomic.Bool
}

func (f *fakeFactory) open(ctx context.Context) (*fakeConn, error) {
	if f.fail.Load() {
		return nil, errors.New("connection refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{n: len(f.conns) + 1}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		Name:              "players",
		MinIdle:           0,
		MaxTotal:          2,
		AcquireTimeout:    time.Second,
		IdleTimeout:       time.Minute,
		MaxLifetime:       time.Hour,
		LeakThreshold:     30 * time.Second,
		ValidationTimeout: time.Second,
		ValidationBypass:  0,
	}
}

func newTestPool(t *testing.T, cfg Config, opts ...Option) (*Pool[*fakeConn], *fakeFactory, *events.Recorder) {
	t.Helper()
	f := &fakeFactory{}
	rec := &events.Recorder{}
	p, err := New(cfg, f.open, append([]Option{WithSink(rec)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(time.Second) })
	return p, f, rec
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero max", func(c *Config) { c.MaxTotal = 0 }},
		{"min above max", func(c *Config) { c.MinIdle = 3 }},
		{"negative min", func(c *Config) { c.MinIdle = -1 }},
		{"no acquire timeout", func(c *Config) { c.AcquireTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mut(&cfg)
			_, err := New(cfg, (&fakeFactory{}).open)
			require.Error(t, err)
			assert.True(t, errors.Is(err, shared.ErrValidation))
		})
	}
}

func TestAcquire_ReleaseThenAcquireReusesConnection(t *testing.T) {
	p, f, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	l1, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	first := l1.Conn()
	connID := l1.ConnID()
	require.NoError(t, l1.Release())

	l2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Same(t, first, l2.Conn())
	assert.Equal(t, connID, l2.ConnID())
	assert.NotEqual(t, l1.ID(), l2.ID(), "every lease has its own id")
	assert.Equal(t, 1, f.count())
	require.NoError(t, l2.Release())
}

func TestAcquire_ExhaustedAfterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	p, _, rec := newTestPool(t, cfg)
	ctx := context.Background()

	held, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(ctx, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrPoolExhausted))
	assert.Equal(t, shared.KindPoolExhausted, shared.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	assert.Equal(t, 1, rec.Count(events.PoolExhausted))
	st := p.Stats()
	assert.Equal(t, uint64(1), st.Timeouts)
	assert.Zero(t, st.Waiters, "timed out waiter must leave the queue")

	require.NoError(t, held.Release())
}

func TestAcquire_ContextCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	p, _, _ := newTestPool(t, cfg)

	held, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, shared.KindCancelled, shared.KindOf(err))
}

func TestAcquire_WaitersServedFIFO(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	p, _, _ := newTestPool(t, cfg)
	ctx := context.Background()

	held, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := p.Acquire(ctx, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			order <- i
			time.Sleep(5 * time.Millisecond)
			assert.NoError(t, l.Release())
		}(i)
		require.Eventually(t, func() bool { return p.Stats().Waiters == i }, time.Second, time.Millisecond)
	}

	require.NoError(t, held.Release())
	wg.Wait()
	close(order)

	var got []int
	for i := range order {
		got = append(got, i)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestAcquire_ConcurrentBeyondMaxNeverShares(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 3
	cfg.ValidationBypass = time.Hour
	p, f, _ := newTestPool(t, cfg)
	ctx := context.Background()

	var (
		wg           sync.WaitGroup
		ok           atomic.Int32
		exhausted    atomic.Int32
		doubleLeased atomic.Int32
	)
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(ctx, 150*time.Millisecond)
			if err != nil {
				if errors.Is(err, shared.ErrPoolExhausted) {
					exhausted.Add(1)
				}
				return
			}
			if !l.Conn().inUse.CompareAndSwap(false, true) {
				doubleLeased.Add(1)
			}
			time.Sleep(10 * time.Millisecond)
			l.Conn().inUse.Store(false)
			assert.NoError(t, l.Release())
			ok.Add(1)
		}()
	}
	wg.Wait()

	assert.Zero(t, doubleLeased.Load(), "a connection was leased to two borrowers")
	assert.Equal(t, int32(24), ok.Load()+exhausted.Load())
	assert.LessOrEqual(t, f.count(), 3)

	st := p.Stats()
	assert.Zero(t, st.Leased)
	assert.LessOrEqual(t, st.Total, 3)
}

func TestRelease_InvalidatedLeaseIsDiscarded(t *testing.T) {
	p, f, rec := newTestPool(t, testConfig())
	ctx := context.Background()

	l, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	broken := l.Conn()
	l.Invalidate()
	require.NoError(t, l.Release())

	assert.Eventually(t, broken.closed.Load, time.Second, time.Millisecond)
	assert.Equal(t, 1, rec.Count(events.ConnectionDiscarded))

	l2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.NotSame(t, broken, l2.Conn())
	assert.Equal(t, 2, f.count())
	assert.Equal(t, uint64(1), p.Stats().Discarded)
	require.NoError(t, l2.Release())
}

func TestRelease_Twice(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig())

	l, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.NoError(t, l.Release())

	err = l.Release()
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrValidation))
	assert.Equal(t, 1, p.Stats().Idle, "double release must not duplicate the idle entry")
}

func TestRelease_HandsSlotToWaiterAfterDiscard(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	p, f, _ := newTestPool(t, cfg)
	ctx := context.Background()

	held, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	got := make(chan *fakeConn, 1)
	go func() {
		l, err := p.Acquire(ctx, 2*time.Second)
		if assert.NoError(t, err) {
			got <- l.Conn()
			_ = l.Release()
		}
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	held.Invalidate()
	require.NoError(t, held.Release())

	select {
	case c := <-got:
		assert.NotSame(t, held.Conn(), c)
		assert.Equal(t, 2, f.count())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served after discard")
	}
}

func TestAcquire_ValidationFailureReplacesConnection(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	l, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	stale := l.Conn()
	require.NoError(t, l.Release())

	stale.broken.Store(true)
	l2, err := p.Acquire(ctx, 0)
	require.NoError(t, err, "validation failures are handled inside acquire")
	assert.NotSame(t, stale, l2.Conn())
	assert.Eventually(t, stale.closed.Load, time.Second, time.Millisecond)
	require.NoError(t, l2.Release())
}

func TestAcquire_ValidationBypassForRecentlyUsed(t *testing.T) {
	cfg := testConfig()
	cfg.ValidationBypass = time.Hour
	p, _, _ := newTestPool(t, cfg)
	ctx := context.Background()

	l, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	c := l.Conn()
	require.NoError(t, l.Release())

	l2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.Same(t, c, l2.Conn())
	assert.Zero(t, c.pings.Load())
	require.NoError(t, l2.Release())
}

func TestAcquire_MaxLifetime(t *testing.T) {
	clock := newClock()
	cfg := testConfig()
	cfg.MaxLifetime = 10 * time.Minute
	cfg.ValidationBypass = time.Hour
	p, _, _ := newTestPool(t, cfg, WithClock(clock.Now))
	ctx := context.Background()

	l, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	old := l.Conn()
	require.NoError(t, l.Release())

	clock.Advance(11 * time.Minute)
	l2, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	assert.NotSame(t, old, l2.Conn())
	require.NoError(t, l2.Release())
}

func TestAcquire_CreateFailure(t *testing.T) {
	p, f, rec := newTestPool(t, testConfig())
	f.fail.Store(true)

	_, err := p.Acquire(context.Background(), 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, shared.KindConnectionUnavailable, shared.KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 1, rec.Count(events.ConnectionCreateFailed))

	st := p.Stats()
	assert.Zero(t, st.Total, "failed creation must give back its slot")
	assert.Equal(t, uint64(1), st.CreateFailures)
}

func TestAcquire_SlowCreateTimesOutAsExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	rec := &events.Recorder{}
	hang := func(ctx context.Context) (*fakeConn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p, err := New(cfg, hang, WithSink(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(time.Second) })

	_, err = p.Acquire(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrPoolExhausted)
	assert.Equal(t, shared.KindPoolExhausted, shared.KindOf(err))
	assert.Equal(t, 1, rec.Count(events.PoolExhausted))

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Timeouts)
	assert.Zero(t, st.Total, "abandoned creation must give back its slot")
}

func TestAcquire_CreateFailureWaitsForExisting(t *testing.T) {
	p, f, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	held, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	f.fail.Store(true)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release()
	}()

	l, err := p.Acquire(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Same(t, held.Conn(), l.Conn())
	require.NoError(t, l.Release())
}

func TestShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 1
	p, _, rec := newTestPool(t, cfg)
	ctx := context.Background()

	l, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx, 5*time.Second)
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = l.Release()
	}()
	require.NoError(t, p.Shutdown(time.Second))

	assert.True(t, errors.Is(<-waitErr, shared.ErrPoolClosed))
	assert.True(t, l.Conn().closed.Load(), "released connection is closed after shutdown")

	_, err = p.Acquire(ctx, 0)
	assert.True(t, errors.Is(err, shared.ErrPoolClosed))

	assert.NoError(t, p.Shutdown(time.Second), "shutdown is idempotent")
	assert.Equal(t, 1, rec.Count(events.PoolClosed))
	st := p.Stats()
	assert.True(t, st.Closed)
	assert.Zero(t, st.Total)
}

func TestShutdown_ClosesIdle(t *testing.T) {
	p, _, _ := newTestPool(t, testConfig())
	ctx := context.Background()

	l, err := p.Acquire(ctx, 0)
	require.NoError(t, err)
	c := l.Conn()
	require.NoError(t, l.Release())

	require.NoError(t, p.Shutdown(time.Second))
	assert.True(t, c.closed.Load())
}

func TestShutdown_Forced(t *testing.T) {
	p, _, rec := newTestPool(t, testConfig())

	l, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)

	err = p.Shutdown(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrForcedShutdown))
	assert.True(t, l.Conn().closed.Load())
	assert.Equal(t, 1, rec.Count(events.ForcedShutdown))

	assert.NoError(t, l.Release(), "late release of a revoked lease is tolerated")
	assert.Zero(t, p.Stats().Leased)
}

func TestSweep_RetiresIdleKeepingMinIdle(t *testing.T) {
	clock := newClock()
	cfg := testConfig()
	cfg.MaxTotal = 3
	cfg.MinIdle = 1
	p, _, _ := newTestPool(t, cfg, WithClock(clock.Now))
	ctx := context.Background()

	leases := make([]*Lease[*fakeConn], 0, 3)
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(ctx, 0)
		require.NoError(t, err)
		leases = append(leases, l)
	}
	for _, l := range leases {
		require.NoError(t, l.Release())
	}
	require.Equal(t, 3, p.Stats().Idle)

	clock.Advance(30 * time.Second)
	assert.Zero(t, p.Sweep(ctx, clock.Now()).Retired, "nothing idle long enough")

	clock.Advance(time.Minute)
	res := p.Sweep(ctx, clock.Now())
	assert.Equal(t, 2, res.Retired)
	assert.Zero(t, res.Created)

	st := p.Stats()
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, 1, st.Total)
	assert.Same(t, leases[2].Conn(), p.idle[0].res, "the most recently used connection survives")
}

func TestSweep_TopsUpToMinIdle(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotal = 4
	cfg.MinIdle = 2
	p, f, _ := newTestPool(t, cfg)

	res := p.Sweep(context.Background(), time.Now())
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 2, f.count())
	assert.Equal(t, 2, p.Stats().Idle)

	res = p.Sweep(context.Background(), time.Now())
	assert.Zero(t, res.Created)
}

func TestSweep_ReportsLeakOnce(t *testing.T) {
	clock := newClock()
	p, _, rec := newTestPool(t, testConfig(), WithClock(clock.Now))
	ctx := context.Background()

	l, err := p.Acquire(ctx, 0)
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, p.Sweep(ctx, clock.Now()).LeaksFlagged)
	assert.Zero(t, p.Sweep(ctx, clock.Now()).LeaksFlagged)
	assert.Equal(t, 1, rec.Count(events.LeakSuspected))
	assert.Equal(t, uint64(1), p.Stats().Leaks)

	require.NoError(t, l.Release())
}

func TestSweep_AfterShutdownIsNoop(t *testing.T) {
	cfg := testConfig()
	cfg.MinIdle = 1
	p, f, _ := newTestPool(t, cfg)
	require.NoError(t, p.Shutdown(time.Second))

	assert.Equal(t, SweepResult{}, p.Sweep(context.Background(), time.Now()))
	assert.Zero(t, f.count())
}
