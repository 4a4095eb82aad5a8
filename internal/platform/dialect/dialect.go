// Package dialect describes database backends: how to reach them, which SQL
// quirks they have and how their native errors are classified. Backend
// packages register themselves from init, so importing a backend package is
// what makes its dialect available.
package dialect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"datacore/internal/config"
	"datacore/internal/shared"
)

// Kind separates embedded file-backed engines from networked servers.
type Kind int

const (
	EmbeddedFile Kind = iota
	NetworkedRelational
)

func (k Kind) String() string {
	if k == EmbeddedFile {
		return "embedded-file"
	}
	return "networked-relational"
}

// Placeholder is the native bind parameter syntax.
type Placeholder int

const (
	// Question is `?`.
	Question Placeholder = iota
	// Dollar is `$1`, `$2`, ...
	Dollar
	// AtP is `@p1`, `@p2`, ...
	AtP
)

// LimitStyle is how a row limit is expressed.
type LimitStyle int

const (
	// LimitSuffix appends LIMIT n.
	LimitSuffix LimitStyle = iota
	// TopPrefix inserts TOP (n) after SELECT.
	TopPrefix
)

// Descriptor is the static description of a backend.
type Descriptor struct {
	Name        string
	Kind        Kind
	DriverName  string
	Placeholder Placeholder
	QuoteOpen   string
	QuoteClose  string
	Limit       LimitStyle
	// TransactionalDDL reports whether DDL participates in transactions.
	TransactionalDDL bool
	DefaultPort      int
	// Requirements lists what must be present at runtime for the driver to work.
	Requirements []string
}

// Dialect is implemented by each backend package.
type Dialect interface {
	Descriptor() Descriptor
	// DSN renders the driver connection string.
	DSN(cfg config.DataSource) (string, error)
	// Prepare runs per-connection session setup on a freshly opened connection.
	Prepare(ctx context.Context, conn *sql.Conn, cfg config.DataSource) error
	// ErrorCode extracts the native error code and message from a driver error.
	ErrorCode(err error) (code, message string, ok bool)
	// HistoryTableDDL returns an idempotent CREATE statement for the migration history table.
	HistoryTableDDL(table string) string
}

// Provisioner is implemented by dialects that must prepare the environment
// (for example create a directory) before the first connection is opened.
type Provisioner interface {
	Provision(cfg config.DataSource) error
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Dialect)
)

// Register is called by each backend's init() function.
func Register(d Dialect) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Descriptor().Name] = d
}

// Lookup returns the dialect registered under name.
func Lookup(name string) (Dialect, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if d, ok := registry[name]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: dialect %q is not registered", shared.ErrValidation, name)
}

// Names returns registered dialect names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open creates the *sql.DB that physical connections are taken from.
// Idle pooling of database/sql is disabled: every *sql.Conn handed out by
// db.Conn is a fresh driver connection, and closing it closes the driver
// connection. Pooling is the job of internal/pool.
func Open(d Dialect, cfg config.DataSource) (*sql.DB, error) {
	dsn, err := d.DSN(cfg)
	if err != nil {
		return nil, err
	}
	if p, ok := d.(Provisioner); ok {
		if err := p.Provision(cfg); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(d.Descriptor().DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Descriptor().Name, err)
	}
	db.SetMaxIdleConns(0)
	return db, nil
}

// Connector returns a factory producing prepared connections for the pool.
func Connector(d Dialect, db *sql.DB, cfg config.DataSource) func(ctx context.Context) (*sql.Conn, error) {
	return func(ctx context.Context) (*sql.Conn, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}
		if err := d.Prepare(ctx, conn, cfg); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("prepare connection: %w", err)
		}
		return conn, nil
	}
}

// Classify converts a driver error into a *shared.StatementError when the
// dialect recognizes it. Context errors and unrecognized errors are returned unchanged.
func Classify(d Dialect, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var stmtErr *shared.StatementError
	if errors.As(err, &stmtErr) {
		return err
	}
	if code, msg, ok := d.ErrorCode(err); ok {
		return &shared.StatementError{Dialect: d.Descriptor().Name, Code: code, Message: msg, Err: err}
	}
	return err
}
