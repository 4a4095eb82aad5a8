// Package registry owns the named data sources of a host process. It turns a
// validated configuration into an active data source: pool, migrated schema,
// executor and handle. It tears all of that down again on deactivation.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"datacore/internal/config"
	"datacore/internal/events"
	"datacore/internal/executor"
	"datacore/internal/platform/dialect"
	"datacore/internal/platform/scheduler"
	"datacore/internal/pool"
	"datacore/internal/schema"
	"datacore/internal/shared"
)

// Option configures a Registry.
type Option func(*Registry)

// WithSink sets the event sink shared by every component of every data source.
func WithSink(s events.Sink) Option {
	return func(r *Registry) { r.sink = events.OrNop(s) }
}

// WithScheduler runs pool sweeps on s instead of a scheduler owned by the registry.
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(r *Registry) { r.sched = s }
}

// WithLogger sets the logger of the scheduler the registry creates for itself.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithHealthCheck overrides the readiness probe used for networked data
// sources that set WaitReady.
func WithHealthCheck(opts dialect.HealthCheckOptions) Option {
	return func(r *Registry) { r.health = opts }
}

// Registry maps data source names to their lifecycle entries.
type Registry struct {
	sink     events.Sink
	sched    *scheduler.Scheduler
	ownSched bool
	log      *slog.Logger
	health   dialect.HealthCheckOptions

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	cfg        config.DataSource
	d          dialect.Dialect
	migrations []schema.Migration

	// mu serializes activation and deactivation of this entry.
	mu      sync.Mutex
	db      *sql.DB
	pool    *pool.Pool[*sql.Conn]
	exec    *executor.Executor
	handle  *Handle
	sweep   scheduler.JobID
	removed bool

	migrator atomic.Pointer[schema.Migrator]
	ready    atomic.Bool
	failure  atomic.Pointer[error]
	// claimed is set while the entry is active or being activated.
	claimed atomic.Bool
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sink:    events.Nop,
		health:  dialect.DefaultHealthCheckOptions(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sched == nil {
		r.sched = scheduler.New(scheduler.Config{Logger: r.log})
		r.sched.Start()
		r.ownSched = true
	}
	return r
}

// Register records cfg with its migrations. Defaults are applied and the
// result validated. Registering over an active entry fails with
// shared.ErrDataSourceAlreadyActive; an inactive or FAILED entry is replaced.
func (r *Registry) Register(cfg config.DataSource, migrations ...schema.Migration) error {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return shared.WrapDataSource(cfg.Name, "register", err)
	}
	d, err := dialect.Lookup(cfg.Dialect)
	if err != nil {
		return shared.WrapDataSource(cfg.Name, "register", err)
	}

	e := &entry{
		cfg:        cfg,
		d:          d,
		migrations: append([]schema.Migration(nil), migrations...),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[cfg.Name]; ok && old.busy() {
		return shared.WrapDataSource(cfg.Name, "register", shared.ErrDataSourceAlreadyActive)
	}
	r.entries[cfg.Name] = e
	return nil
}

// busy reports whether the entry is active or being activated.
func (e *entry) busy() bool { return e.claimed.Load() }

// current reports whether e is still the registered entry for name.
func (r *Registry) current(name string, e *entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name] == e
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, shared.WrapDataSource(name, "lookup", shared.ErrUnknownDataSource)
	}
	return e, nil
}

// Activate opens the pool, migrates the schema and starts the executor of
// a registered data source. Activating an active data source returns its
// existing handle. A data source whose migrations failed stays FAILED until
// it is registered again.
func (r *Registry) Activate(ctx context.Context, name string) (*Handle, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, shared.WrapDataSource(name, "activate", shared.ErrUnknownDataSource)
	}
	if e.handle != nil {
		return e.handle, nil
	}
	if m := e.migrator.Load(); m != nil && m.State() == schema.Failed {
		return nil, shared.WrapDataSource(name, "activate",
			fmt.Errorf("%w: migrations failed: %w", shared.ErrDataSourceNotReady, m.Err()))
	}

	// Claim before re-checking the map: Register either sees the claim or
	// has already replaced e.
	e.claimed.Store(true)
	if !r.current(name, e) {
		e.claimed.Store(false)
		return nil, shared.WrapDataSource(name, "activate", shared.ErrUnknownDataSource)
	}

	if err := r.activate(ctx, e); err != nil {
		e.claimed.Store(false)
		e.failure.Store(&err)
		r.sink.Emit(ctx, events.Event{
			Kind:       events.DataSourceFailed,
			DataSource: name,
			Level:      slog.LevelError,
			Err:        err,
		})
		return nil, shared.WrapDataSource(name, "activate", err)
	}
	e.failure.Store(nil)
	return e.handle, nil
}

func (r *Registry) activate(ctx context.Context, e *entry) (err error) {
	cfg := e.cfg
	desc := e.d.Descriptor()

	db, err := dialect.Open(e.d, cfg)
	if err != nil {
		return shared.MarkKind(err, shared.KindConnectionUnavailable)
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()

	if desc.Kind == dialect.NetworkedRelational && cfg.WaitReady > 0 {
		wctx, cancel := context.WithTimeout(ctx, cfg.WaitReady)
		err = dialect.WaitReady(wctx, db, r.health)
		cancel()
		if err != nil {
			return shared.MarkKind(err, shared.KindConnectionUnavailable)
		}
	}

	p, err := pool.New(pool.ConfigFrom(cfg), dialect.Connector(e.d, db, cfg), pool.WithSink(r.sink))
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = p.Shutdown(cfg.Pool.DrainTimeout)
		}
	}()

	m := schema.New(cfg.Name, e.d, schema.WithSink(r.sink))
	e.migrator.Store(m)
	if err := m.Migrate(ctx, p, e.migrations); err != nil {
		return err
	}

	exec, err := executor.New(executor.ConfigFrom(cfg), e.d, p,
		executor.WithSink(r.sink),
		executor.WithGate(e.gate),
	)
	if err != nil {
		return err
	}

	sweep, err := r.sched.Add(scheduler.Job{
		Name:    "pool-sweep:" + cfg.Name,
		Every:   cfg.Pool.SweepInterval,
		Timeout: cfg.Pool.SweepInterval,
		Overlap: scheduler.SkipIfRunning,
		Run: func(ctx context.Context) error {
			if res := p.Sweep(ctx, time.Now()); res.Failed > 0 {
				return fmt.Errorf("pool %s: %d of %d connections could not be opened", cfg.Name, res.Failed, res.Failed+res.Created)
			}
			return nil
		},
	})
	if err != nil {
		_ = exec.Drain(cfg.Pool.DrainTimeout)
		return err
	}
	p.Sweep(ctx, time.Now())

	e.db, e.pool, e.exec, e.sweep = db, p, exec, sweep
	e.handle = &Handle{name: cfg.Name, desc: desc, exec: exec, pool: p, entry: e}
	e.ready.Store(true)

	r.sink.Emit(ctx, events.Event{
		Kind:       events.DataSourceActivated,
		DataSource: cfg.Name,
		Level:      slog.LevelInfo,
		Attrs: []slog.Attr{
			slog.String("dialect", desc.Name),
			slog.Int("migrations", len(e.migrations)),
			slog.Int("workers", cfg.Workers),
			slog.Int("max_total", cfg.Pool.MaxTotal),
		},
	})
	return nil
}

// gate runs on every submission to the executor.
func (e *entry) gate() error {
	if !e.ready.Load() {
		return shared.ErrDataSourceNotReady
	}
	return nil
}

// Deactivate drains the executor, unschedules the pool sweep, shuts the pool
// down and removes the entry. The drain bound is the data source's
// DrainTimeout, shortened by the ctx deadline. A drain that runs out of time
// returns an error wrapping shared.ErrForcedShutdown; the entry is removed
// regardless.
func (r *Registry) Deactivate(ctx context.Context, name string) error {
	e, err := r.lookup(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r.mu.Lock()
	if r.entries[name] == e {
		delete(r.entries, name)
	}
	r.mu.Unlock()
	e.removed = true

	if e.handle == nil {
		return nil
	}
	e.ready.Store(false)

	drain := e.cfg.Pool.DrainTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < drain {
			drain = max(rem, time.Millisecond)
		}
	}

	var errs []error
	errs = append(errs, e.exec.Drain(drain))
	r.sched.Remove(e.sweep)
	errs = append(errs, e.pool.Shutdown(drain))
	errs = append(errs, e.db.Close())
	err = errors.Join(errs...)

	e.handle = nil
	e.claimed.Store(false)
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
	}
	r.sink.Emit(ctx, events.Event{
		Kind:       events.DataSourceDeactivated,
		DataSource: name,
		Level:      level,
		Err:        err,
	})
	return shared.WrapDataSource(name, "deactivate", err)
}

// Handle returns the handle of an active data source.
func (r *Registry) Handle(name string) (*Handle, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if !e.ready.Load() {
		return nil, shared.WrapDataSource(name, "handle", shared.ErrDataSourceNotReady)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == nil {
		return nil, shared.WrapDataSource(name, "handle", shared.ErrDataSourceNotReady)
	}
	return e.handle, nil
}

// Status describes one registered data source.
type Status struct {
	Name    string
	Dialect string
	State   schema.State
	Active  bool
	// Err is the last activation failure.
	Err error
}

// Status reports the lifecycle state of name.
func (r *Registry) Status(name string) (Status, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Status{}, err
	}
	return e.status(), nil
}

func (e *entry) status() Status {
	st := Status{
		Name:    e.cfg.Name,
		Dialect: e.cfg.Dialect,
		State:   schema.Uninitialized,
		Active:  e.ready.Load(),
	}
	if m := e.migrator.Load(); m != nil {
		st.State = m.State()
	}
	if p := e.failure.Load(); p != nil {
		st.Err = *p
	}
	return st
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Stats is a snapshot of one data source.
type Stats struct {
	Status
	Pool     pool.Stats
	Executor executor.Stats
}

// Stats returns a snapshot of every registered data source, sorted by name.
// Pool and executor figures are zero for inactive entries.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	list := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		list = append(list, e)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(list))
	for _, e := range list {
		s := Stats{Status: e.status()}
		if e.mu.TryLock() {
			if e.handle != nil {
				s.Pool = e.pool.Stats()
				s.Executor = e.exec.Stats()
			}
			e.mu.Unlock()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy leases one connection of every active data source and pings it.
// The result maps each registered name to nil when healthy.
func (r *Registry) Healthy(ctx context.Context) map[string]error {
	names := r.Names()
	out := make(map[string]error, len(names))
	var mu sync.Mutex
	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			err := r.ping(ctx, name)
			mu.Lock()
			out[name] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *Registry) ping(ctx context.Context, name string) error {
	h, err := r.Handle(name)
	if err != nil {
		return err
	}
	return h.Ping(ctx)
}

// Close deactivates every data source in parallel and stops the scheduler
// the registry owns. It returns the joined deactivation errors.
func (r *Registry) Close(ctx context.Context) error {
	names := r.Names()
	errs := make([]error, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			err := r.Deactivate(gctx, name)
			if shared.HasKind(err, shared.KindUnknownDataSource) {
				err = nil
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	if r.ownSched {
		if err := r.sched.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
