// Package schema applies ordered, checksummed migrations to a data source and
// tracks their history in the datacore_schema_history table.
package schema

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"datacore/internal/events"
	"datacore/internal/platform/dialect"
	"datacore/internal/pool"
	"datacore/internal/shared"
)

// HistoryTable stores one row per applied migration.
const HistoryTable = "datacore_schema_history"

// State is the migration state of one data source.
type State int

const (
	Uninitialized State = iota
	Migrating
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Migrating:
		return "MIGRATING"
	case Ready:
		return "READY"
	case Failed:
		return "FAILED"
	default:
		return "UNINITIALIZED"
	}
}

// Record is a row of the history table.
type Record struct {
	Version     int64
	Checksum    string
	AppliedAt   time.Time
	Description string
}

// MigrationError reports the migration that stopped the run.
type MigrationError struct {
	Version     int64
	Description string
	Err         error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d (%s): %v", e.Version, e.Description, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// Leaser hands out pooled connections.
type Leaser interface {
	Acquire(ctx context.Context, timeout time.Duration) (*pool.Lease[*sql.Conn], error)
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithSink sets the event sink.
func WithSink(s events.Sink) Option {
	return func(m *Migrator) { m.sink = events.OrNop(s) }
}

// WithClock overrides time.Now for applied_at values.
func WithClock(now func() time.Time) Option {
	return func(m *Migrator) { m.now = now }
}

// Migrator runs migrations for one data source. Runs are serialized.
type Migrator struct {
	name string
	d    dialect.Dialect
	b    dialect.Builder
	sink events.Sink
	now  func() time.Time

	run sync.Mutex

	mu    sync.RWMutex
	state State
	err   error
}

// New creates a migrator in the Uninitialized state.
func New(name string, d dialect.Dialect, opts ...Option) *Migrator {
	m := &Migrator{
		name: name,
		d:    d,
		b:    dialect.NewBuilder(d.Descriptor()),
		sink: events.Nop,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Migrator) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the failure that moved the migrator to Failed.
func (m *Migrator) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Migrator) setState(s State, err error) {
	m.mu.Lock()
	m.state = s
	m.err = err
	m.mu.Unlock()
}

// Migrate brings the data source up to the last migration. Migrations at or
// below the highest recorded version must match their recorded checksum;
// the rest are applied in ascending order. Once Ready, further calls return nil.
func (m *Migrator) Migrate(ctx context.Context, leaser Leaser, ms []Migration) error {
	m.run.Lock()
	defer m.run.Unlock()

	if m.State() == Ready {
		return nil
	}
	if err := validateSequence(ms); err != nil {
		m.setState(Failed, err)
		return shared.WrapDataSource(m.name, "migrate", err)
	}
	m.setState(Migrating, nil)

	err := m.migrate(ctx, leaser, ms)
	if err != nil {
		m.setState(Failed, err)
		return shared.WrapDataSource(m.name, "migrate", err)
	}
	m.setState(Ready, nil)
	return nil
}

func (m *Migrator) migrate(ctx context.Context, leaser Leaser, ms []Migration) (err error) {
	lease, err := leaser.Acquire(ctx, 0)
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrConnectionUnavailable, err)
	}
	defer func() {
		if errors.Is(err, driver.ErrBadConn) {
			lease.Invalidate()
		}
		_ = lease.Release()
	}()
	conn := lease.Conn()

	if _, err := conn.ExecContext(ctx, m.d.HistoryTableDDL(HistoryTable)); err != nil {
		return fmt.Errorf("create %s: %w", HistoryTable, dialect.Classify(m.d, err))
	}

	records, err := m.history(ctx, conn)
	if err != nil {
		return err
	}
	byVersion := make(map[int64]Record, len(records))
	var maxVersion int64
	for _, r := range records {
		byVersion[r.Version] = r
		maxVersion = max(maxVersion, r.Version)
	}

	for _, mg := range ms {
		if mg.Version > maxVersion {
			if err := m.apply(ctx, conn, mg); err != nil {
				m.emitFailed(ctx, mg, err)
				return err
			}
			continue
		}
		if err := verify(mg, byVersion); err != nil {
			m.emitFailed(ctx, mg, err)
			return err
		}
	}
	return nil
}

func verify(mg Migration, byVersion map[int64]Record) error {
	rec, ok := byVersion[mg.Version]
	if !ok {
		return &MigrationError{
			Version:     mg.Version,
			Description: mg.Description,
			Err:         fmt.Errorf("%w: version is below the recorded maximum but was never applied", shared.ErrMigrationChecksumMismatch),
		}
	}
	if sum := mg.Checksum(); rec.Checksum != sum {
		return &MigrationError{
			Version:     mg.Version,
			Description: mg.Description,
			Err:         fmt.Errorf("%w: recorded %s, have %s", shared.ErrMigrationChecksumMismatch, rec.Checksum, sum),
		}
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, mg Migration) error {
	start := time.Now()
	fail := func(err error) error {
		return &MigrationError{Version: mg.Version, Description: mg.Description, Err: dialect.Classify(m.d, err)}
	}

	if m.d.Descriptor().TransactionalDDL {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fail(err)
		}
		if err := m.applyOn(ctx, tx, mg); err != nil {
			_ = tx.Rollback()
			return fail(err)
		}
		if err := tx.Commit(); err != nil {
			return fail(err)
		}
	} else if err := m.applyOn(ctx, conn, mg); err != nil {
		return fail(err)
	}

	m.sink.Emit(ctx, events.Event{
		Kind:       events.MigrationApplied,
		DataSource: m.name,
		Level:      slog.LevelInfo,
		Message:    "migration applied",
		Attrs: []slog.Attr{
			slog.Int64("version", mg.Version),
			slog.String("description", mg.Description),
			slog.Duration("duration", time.Since(start)),
		},
	})
	return nil
}

// applyOn runs the statements and then inserts the record on the same executor.
func (m *Migrator) applyOn(ctx context.Context, ex execer, mg Migration) error {
	for _, stmt := range mg.Statements {
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	st := m.b.Insert(HistoryTable,
		dialect.Col("version", mg.Version),
		dialect.Col("checksum", mg.Checksum()),
		dialect.Col("applied_at", m.appliedAt()),
		dialect.Col("description", mg.Description),
	)
	_, err := ex.ExecContext(ctx, st.SQL, st.Args...)
	return err
}

// appliedAt stores text on embedded files so the value reads back
// identically regardless of driver time handling.
func (m *Migrator) appliedAt() any {
	now := m.now().UTC()
	if m.d.Descriptor().Kind == dialect.EmbeddedFile {
		return now.Format(time.RFC3339Nano)
	}
	return now
}

func (m *Migrator) emitFailed(ctx context.Context, mg Migration, err error) {
	m.sink.Emit(ctx, events.Event{
		Kind:       events.MigrationFailed,
		DataSource: m.name,
		Level:      slog.LevelError,
		Message:    "migration failed",
		Err:        err,
		Attrs: []slog.Attr{
			slog.Int64("version", mg.Version),
			slog.String("description", mg.Description),
		},
	})
}

// History returns the recorded migrations in version order.
func (m *Migrator) History(ctx context.Context, leaser Leaser) ([]Record, error) {
	lease, err := leaser.Acquire(ctx, 0)
	if err != nil {
		return nil, shared.WrapDataSource(m.name, "history", fmt.Errorf("%w: %w", shared.ErrConnectionUnavailable, err))
	}
	defer func() { _ = lease.Release() }()

	records, err := m.history(ctx, lease.Conn())
	return records, shared.WrapDataSource(m.name, "history", err)
}

func (m *Migrator) history(ctx context.Context, conn *sql.Conn) ([]Record, error) {
	st := m.b.Select(HistoryTable, []string{"version", "checksum", "applied_at", "description"}, nil, 0)
	rows, err := conn.QueryContext(ctx, st.SQL+" ORDER BY "+m.b.Quote("version"), st.Args...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", HistoryTable, dialect.Classify(m.d, err))
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			applied any
		)
		if err := rows.Scan(&r.Version, &r.Checksum, &applied, &r.Description); err != nil {
			return nil, fmt.Errorf("scan %s: %w", HistoryTable, err)
		}
		if r.AppliedAt, err = decodeTime(applied); err != nil {
			return nil, fmt.Errorf("version %d: %w", r.Version, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", HistoryTable, dialect.Classify(m.d, err))
	}
	return out, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

func decodeTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	default:
		return time.Time{}, fmt.Errorf("unsupported applied_at value %T", v)
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable applied_at %q", s)
}
