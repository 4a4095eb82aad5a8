// Package datacore is the embedding surface of the data-access core. Plugins
// import this package only: it registers every bundled dialect and re-exports
// the registry, handle, request and error types.
//
//	reg := datacore.New(datacore.WithSink(sink))
//	_ = reg.Register(datacore.DataSource{Name: "players", Dialect: datacore.SQLite,
//	    File: datacore.File{Path: "./players.db"}}, migrations...)
//	h, err := reg.Activate(ctx, "players")
//	h.Exec(ctx, "UPDATE players SET level = ? WHERE id = ?", 2, 1).
//	    Deliver(queue, func(res datacore.Result, err error) { ... })
package datacore

import (
	"io/fs"

	"datacore/internal/config"
	"datacore/internal/events"
	"datacore/internal/executor"
	"datacore/internal/mainthread"
	"datacore/internal/platform/dialect"
	"datacore/internal/registry"
	"datacore/internal/schema"
	"datacore/internal/shared"

	_ "datacore/internal/platform/mssql"
	_ "datacore/internal/platform/mysql"
	_ "datacore/internal/platform/pg"
	_ "datacore/internal/platform/sqlite"
)

type (
	Registry = registry.Registry
	Handle   = registry.Handle
	Option   = registry.Option
	Status   = registry.Status

	DataSource = config.DataSource
	File       = config.File
	Network    = config.Network
	Pool       = config.Pool

	Migration = schema.Migration
	State     = schema.State

	Request = executor.Request
	Future  = executor.Future
	Result  = executor.Result
	RowSet  = executor.RowSet
	Txn     = executor.Txn
	TxFunc  = executor.TxFunc

	Column = dialect.Column

	Event = events.Event
	Sink  = events.Sink

	Queue = mainthread.Queue

	Kind = shared.Kind
)

const (
	SQLite    = config.DialectSQLite
	MySQL     = config.DialectMySQL
	Postgres  = config.DialectPostgres
	SQLServer = config.DialectSQLServer
)

const (
	Uninitialized = schema.Uninitialized
	Migrating     = schema.Migrating
	Ready         = schema.Ready
	Failed        = schema.Failed
)

var (
	ErrPoolExhausted             = shared.ErrPoolExhausted
	ErrPoolClosed                = shared.ErrPoolClosed
	ErrConnectionUnavailable     = shared.ErrConnectionUnavailable
	ErrDataSourceNotReady        = shared.ErrDataSourceNotReady
	ErrMigrationChecksumMismatch = shared.ErrMigrationChecksumMismatch
	ErrStatement                 = shared.ErrStatement
	ErrCancelled                 = shared.ErrCancelled
	ErrUnknownDataSource         = shared.ErrUnknownDataSource
	ErrDataSourceAlreadyActive   = shared.ErrDataSourceAlreadyActive
	ErrMainThreadBlocking        = shared.ErrMainThreadBlocking
)

var (
	WithSink        = registry.WithSink
	WithScheduler   = registry.WithScheduler
	WithLogger      = registry.WithLogger
	WithHealthCheck = registry.WithHealthCheck

	Query       = executor.Query
	QueryScalar = executor.QueryScalar
	Exec        = executor.Exec
	ExecBatch   = executor.ExecBatch
	InTx        = executor.InTx

	Col = dialect.Col

	KindOf      = shared.KindOf
	IsCancelled = shared.IsCancelled
	IsRetryable = shared.IsRetryable

	NewQueue = mainthread.New
	WithMain = mainthread.WithMain
)

// New creates an empty registry.
func New(opts ...Option) *Registry { return registry.New(opts...) }

// LoadMigrations reads golang-migrate style NNN_name.up.sql files from dir.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	return schema.LoadFS(fsys, dir)
}

// ParseDataSources decodes a YAML data source catalogue.
func ParseDataSources(raw []byte) ([]DataSource, error) {
	return config.ParseDataSources(raw)
}
