package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"datacore/internal/config"
	"datacore/internal/events"
	"datacore/internal/shared"
)

// Resource is a physical connection managed by the pool. *sql.Conn satisfies it.
type Resource interface {
	PingContext(ctx context.Context) error
	Close() error
}

// Factory opens a new physical connection.
type Factory[T Resource] func(ctx context.Context) (T, error)

// Config holds pool bounds and timings.
type Config struct {
	Name              string
	MinIdle           int
	MaxTotal          int
	AcquireTimeout    time.Duration
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	LeakThreshold     time.Duration
	ValidationTimeout time.Duration
	ValidationBypass  time.Duration
}

// ConfigFrom extracts pool settings from a data source configuration.
func ConfigFrom(ds config.DataSource) Config {
	p := ds.Pool
	return Config{
		Name:              ds.Name,
		MinIdle:           p.MinIdle,
		MaxTotal:          p.MaxTotal,
		AcquireTimeout:    p.AcquireTimeout,
		IdleTimeout:       p.IdleTimeout,
		MaxLifetime:       p.MaxLifetime,
		LeakThreshold:     p.LeakThreshold,
		ValidationTimeout: p.ValidationTimeout,
		ValidationBypass:  p.ValidationBypass,
	}
}

func (c Config) validate() error {
	if err := shared.Invariant(c.MaxTotal > 0, "pool max_total must be positive"); err != nil {
		return err
	}
	if err := shared.InvariantF(c.MinIdle >= 0 && c.MinIdle <= c.MaxTotal,
		"pool min_idle %d must be within [0, %d]", c.MinIdle, c.MaxTotal); err != nil {
		return err
	}
	return shared.Invariant(c.AcquireTimeout > 0, "pool acquire_timeout must be positive")
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	sink events.Sink
	now  func() time.Time
}

// WithSink sets the event sink. Defaults to events.Nop.
func WithSink(s events.Sink) Option {
	return func(o *options) { o.sink = events.OrNop(s) }
}

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// conn is one physical connection and its bookkeeping.
type conn[T Resource] struct {
	res      T
	id       uuid.UUID
	created  time.Time
	lastUsed time.Time
}

// grant is what a waiter receives: a connection, permission to create one
// (c == nil), or an error.
type grant[T Resource] struct {
	c   *conn[T]
	err error
}

type waiter[T Resource] struct {
	ch chan grant[T]
}

// Pool is a bounded pool of exclusive leases.
type Pool[T Resource] struct {
	cfg     Config
	factory Factory[T]
	sink    events.Sink
	now     func() time.Time

	mu      sync.Mutex
	idle    []*conn[T] // most recently used last
	leased  map[*Lease[T]]struct{}
	waiters []*waiter[T]
	total   int // idle + leased + creations in flight
	closed  bool
	drained chan struct{}
	stats   counters

	closers sync.WaitGroup
}

type counters struct {
	created        uint64
	discarded      uint64
	timeouts       uint64
	createFailures uint64
	leaks          uint64
}

// New creates an empty pool. No connection is opened until the first
// Acquire or Sweep.
func New[T Resource](cfg Config, factory Factory[T], opts ...Option) (*Pool[T], error) {
	if err := cfg.validate(); err != nil {
		return nil, shared.WrapDataSource(cfg.Name, "pool", err)
	}
	if factory == nil {
		return nil, shared.WrapDataSource(cfg.Name, "pool", shared.Invariant(false, "connection factory is nil"))
	}
	o := options{sink: events.Nop, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Pool[T]{
		cfg:     cfg,
		factory: factory,
		sink:    o.sink,
		now:     o.now,
		leased:  make(map[*Lease[T]]struct{}),
		drained: make(chan struct{}),
	}, nil
}

// Name returns the data source name the pool belongs to.
func (p *Pool[T]) Name() string { return p.cfg.Name }

// Acquire leases a connection. It waits at most timeout (AcquireTimeout when
// timeout <= 0) and then fails with shared.ErrPoolExhausted. A cancelled ctx
// ends the wait early with the context error.
func (p *Pool[T]) Acquire(ctx context.Context, timeout time.Duration) (*Lease[T], error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	noCreate := false
	for {
		c, w, err := p.take(noCreate)
		if err != nil {
			return nil, err
		}

		if w != nil {
			select {
			case g := <-w.ch:
				if g.err != nil {
					return nil, g.err
				}
				c = g.c
			case <-ctx.Done():
				p.abandon(w)
				return nil, fmt.Errorf("acquire %s: %w", p.cfg.Name, ctx.Err())
			case <-timer.C:
				p.abandon(w)
				return nil, p.exhausted(ctx, timeout)
			}
		}

		if c == nil {
			c, err = p.create(cctx)
			if err != nil {
				if others := p.releaseSlot(); others > 0 && cctx.Err() == nil {
					noCreate = true
					continue
				}
				if ctx.Err() != nil {
					return nil, fmt.Errorf("acquire %s: %w", p.cfg.Name, ctx.Err())
				}
				if errors.Is(cctx.Err(), context.DeadlineExceeded) {
					return nil, p.exhausted(ctx, timeout)
				}
				return nil, fmt.Errorf("%w: %s: %w", shared.ErrConnectionUnavailable, p.cfg.Name, err)
			}
			return p.lease(c)
		}

		if reason, ok := p.usable(cctx, c); !ok {
			p.discard(c, reason)
			continue
		}
		return p.lease(c)
	}
}

// take pops an idle connection, reserves a creation slot (nil conn, nil
// waiter) or enqueues a waiter.
func (p *Pool[T]) take(noCreate bool) (*conn[T], *waiter[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, fmt.Errorf("%w: %s", shared.ErrPoolClosed, p.cfg.Name)
	}
	if len(p.waiters) == 0 {
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			return c, nil, nil
		}
		if !noCreate && p.total < p.cfg.MaxTotal {
			p.total++
			return nil, nil, nil
		}
	}
	w := &waiter[T]{ch: make(chan grant[T], 1)}
	p.waiters = append(p.waiters, w)
	return nil, w, nil
}

// abandon removes a waiter that stopped waiting. If it was granted in the
// meantime the grant is passed on.
func (p *Pool[T]) abandon(w *waiter[T]) {
	p.mu.Lock()
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	g := <-w.ch
	switch {
	case g.err != nil:
	case g.c != nil:
		p.putBack(g.c)
	default:
		p.releaseSlot()
	}
}

func (p *Pool[T]) exhausted(ctx context.Context, timeout time.Duration) error {
	st := p.Stats()
	p.mu.Lock()
	p.stats.timeouts++
	p.mu.Unlock()

	p.sink.Emit(ctx, events.Event{
		Kind:       events.PoolExhausted,
		DataSource: p.cfg.Name,
		Level:      slog.LevelWarn,
		Message:    "connection pool exhausted",
		Attrs: []slog.Attr{
			slog.Duration("timeout", timeout),
			slog.Int("total", st.Total),
			slog.Int("leased", st.Leased),
			slog.Int("waiters", st.Waiters),
		},
	})
	return fmt.Errorf("%w: %s: no connection within %s", shared.ErrPoolExhausted, p.cfg.Name, timeout)
}

func (p *Pool[T]) create(ctx context.Context) (*conn[T], error) {
	res, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.stats.createFailures++
		p.mu.Unlock()
		p.sink.Emit(ctx, events.Event{
			Kind:       events.ConnectionCreateFailed,
			DataSource: p.cfg.Name,
			Level:      slog.LevelError,
			Message:    "failed to open connection",
			Err:        err,
		})
		return nil, err
	}
	now := p.now()
	p.mu.Lock()
	p.stats.created++
	p.mu.Unlock()
	return &conn[T]{res: res, id: uuid.New(), created: now, lastUsed: now}, nil
}

// usable runs lazy validation of a reused idle connection.
func (p *Pool[T]) usable(ctx context.Context, c *conn[T]) (string, bool) {
	now := p.now()
	if p.expired(c, now) {
		return "max lifetime reached", false
	}
	if p.cfg.ValidationBypass > 0 && now.Sub(c.lastUsed) < p.cfg.ValidationBypass {
		return "", true
	}
	vctx := ctx
	if p.cfg.ValidationTimeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, p.cfg.ValidationTimeout)
		defer cancel()
	}
	if err := c.res.PingContext(vctx); err != nil {
		return "validation failed: " + err.Error(), false
	}
	return "", true
}

func (p *Pool[T]) expired(c *conn[T], now time.Time) bool {
	return p.cfg.MaxLifetime > 0 && now.Sub(c.created) >= p.cfg.MaxLifetime
}

func (p *Pool[T]) lease(c *conn[T]) (*Lease[T], error) {
	now := p.now()
	p.mu.Lock()
	if p.closed {
		p.total--
		p.closeAsync(c)
		p.signalDrainedLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", shared.ErrPoolClosed, p.cfg.Name)
	}
	l := &Lease[T]{pool: p, c: c, id: uuid.New(), start: now}
	p.leased[l] = struct{}{}
	p.mu.Unlock()
	return l, nil
}

// Release returns a lease. A valid connection goes to the oldest waiter or
// back to idle; an invalidated one is discarded. Releasing the same lease
// twice is an error. Releasing a lease revoked by a forced shutdown is a no-op.
func (p *Pool[T]) Release(l *Lease[T]) error {
	if l == nil || l.pool != p {
		return shared.InvariantF(false, "lease does not belong to pool %s", p.cfg.Name)
	}
	now := p.now()

	p.mu.Lock()
	switch l.state {
	case leaseReleased:
		p.mu.Unlock()
		return shared.InvariantF(false, "lease %s released twice", l.id)
	case leaseRevoked:
		l.state = leaseReleased
		p.mu.Unlock()
		return nil
	}
	l.state = leaseReleased
	delete(p.leased, l)
	c := l.c
	c.lastUsed = now
	p.mu.Unlock()

	switch {
	case !l.valid():
		p.discard(c, "invalidated by borrower")
	case p.expired(c, now):
		p.discard(c, "max lifetime reached")
	default:
		p.putBack(c)
	}
	return nil
}

// putBack hands a healthy connection to the oldest waiter or parks it idle.
func (p *Pool[T]) putBack(c *conn[T]) {
	p.mu.Lock()
	if p.closed {
		p.total--
		p.closeAsync(c)
		p.signalDrainedLocked()
		p.mu.Unlock()
		return
	}
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- grant[T]{c: c}
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// releaseSlot gives up one unit of capacity. The oldest waiter, if any,
// inherits it as permission to create. Returns the remaining total.
func (p *Pool[T]) releaseSlot() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed && len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		w.ch <- grant[T]{}
		return p.total
	}
	p.total--
	p.signalDrainedLocked()
	return p.total
}

func (p *Pool[T]) discard(c *conn[T], reason string) {
	p.mu.Lock()
	p.stats.discarded++
	p.mu.Unlock()
	p.closeAsync(c)
	p.sink.Emit(context.Background(), events.Event{
		Kind:       events.ConnectionDiscarded,
		DataSource: p.cfg.Name,
		Level:      slog.LevelDebug,
		Message:    "connection discarded",
		Attrs:      []slog.Attr{slog.String("conn_id", c.id.String()), slog.String("reason", reason)},
	})
	p.releaseSlot()
}

// closeAsync never takes p.mu, so callers may hold it. Calling it before the
// pool drains guarantees Shutdown waits for the close.
func (p *Pool[T]) closeAsync(c *conn[T]) {
	p.closers.Add(1)
	go func() {
		defer p.closers.Done()
		_ = c.res.Close()
	}()
}

func (p *Pool[T]) signalDrainedLocked() {
	if p.closed && p.total <= 0 {
		select {
		case <-p.drained:
		default:
			close(p.drained)
		}
	}
}

// Shutdown stops the pool. Subsequent acquisitions fail with
// shared.ErrPoolClosed. It waits up to drainTimeout for leases to come back;
// the rest are force-closed and the returned error wraps
// shared.ErrForcedShutdown. Calling Shutdown again returns nil.
func (p *Pool[T]) Shutdown(drainTimeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	closedErr := fmt.Errorf("%w: %s", shared.ErrPoolClosed, p.cfg.Name)
	for _, w := range waiters {
		w.ch <- grant[T]{err: closedErr}
	}
	p.signalDrainedLocked()
	p.mu.Unlock()

	for _, c := range idle {
		_ = c.res.Close()
	}

	var forced error
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-p.drained:
	case <-timer.C:
		forced = p.forceClose(drainTimeout)
	}
	p.closers.Wait()

	p.sink.Emit(context.Background(), events.Event{
		Kind:       events.PoolClosed,
		DataSource: p.cfg.Name,
		Level:      slog.LevelInfo,
		Message:    "connection pool closed",
	})
	return forced
}

func (p *Pool[T]) forceClose(drainTimeout time.Duration) error {
	p.mu.Lock()
	revoked := make([]*conn[T], 0, len(p.leased))
	for l := range p.leased {
		l.state = leaseRevoked
		revoked = append(revoked, l.c)
		delete(p.leased, l)
	}
	p.total -= len(revoked)
	p.mu.Unlock()

	for _, c := range revoked {
		_ = c.res.Close()
	}

	err := fmt.Errorf("%w: %s: %d leases still held after %s", shared.ErrForcedShutdown, p.cfg.Name, len(revoked), drainTimeout)
	p.sink.Emit(context.Background(), events.Event{
		Kind:       events.ForcedShutdown,
		DataSource: p.cfg.Name,
		Level:      slog.LevelWarn,
		Message:    "pool drain timed out, leases force-closed",
		Err:        err,
		Attrs:      []slog.Attr{slog.Int("revoked", len(revoked))},
	})
	return err
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Total          int
	Idle           int
	Leased         int
	Waiters        int
	Created        uint64
	Discarded      uint64
	Timeouts       uint64
	CreateFailures uint64
	Leaks          uint64
	Closed         bool
}

// Stats returns a snapshot.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:          p.total,
		Idle:           len(p.idle),
		Leased:         len(p.leased),
		Waiters:        len(p.waiters),
		Created:        p.stats.created,
		Discarded:      p.stats.discarded,
		Timeouts:       p.stats.timeouts,
		CreateFailures: p.stats.createFailures,
		Leaks:          p.stats.leaks,
		Closed:         p.closed,
	}
}
