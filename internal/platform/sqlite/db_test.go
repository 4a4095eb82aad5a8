package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datacore/internal/config"
	"datacore/internal/platform/dialect"
	"datacore/internal/shared"
)

func boolPtr(b bool) *bool { return &b }

func TestDefaultFileOptions(t *testing.T) {
	opts := DefaultFileOptions()

	assert.True(t, opts.WALMode)
	assert.True(t, opts.ForeignKeys)
	assert.Equal(t, 5*time.Second, opts.BusyTimeout)
	assert.Equal(t, TxLockImmediate, opts.TxLockMode)
	assert.False(t, opts.ReadOnly)
}

func TestOptionsFrom(t *testing.T) {
	opts := OptionsFrom(config.File{
		Path:        "a.db",
		WAL:         boolPtr(false),
		ForeignKeys: boolPtr(false),
		BusyTimeout: time.Second,
		TxLock:      "EXCLUSIVE",
	})

	assert.Equal(t, "a.db", opts.Path)
	assert.False(t, opts.WALMode)
	assert.False(t, opts.ForeignKeys)
	assert.Equal(t, time.Second, opts.BusyTimeout)
	assert.Equal(t, TxLockExclusive, opts.TxLockMode)

	ro := OptionsFrom(config.File{Path: "a.db", ReadOnly: true})
	assert.False(t, ro.WALMode, "read-only БД не должна переключать journal_mode")
}

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name     string
		opts     FileOptions
		expected string
	}{
		{
			name:     "default options",
			opts:     FileOptions{Path: "/tmp/test.db", BusyTimeout: 5 * time.Second, TxLockMode: TxLockImmediate},
			expected: "/tmp/test.db?_pragma=busy_timeout%285000%29&_txlock=immediate",
		},
		{
			name:     "without parameters",
			opts:     FileOptions{Path: "test.db", TxLockMode: TxLockDeferred},
			expected: "test.db",
		},
		{
			name:     "read only",
			opts:     FileOptions{Path: "test.db", ReadOnly: true},
			expected: "file:test.db?mode=ro",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, buildDSN(tt.opts))
		})
	}
}

func TestPragmas(t *testing.T) {
	assert.Equal(t, []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}, pragmas(DefaultFileOptions()))

	assert.Empty(t, pragmas(FileOptions{ReadOnly: true}))
}

func TestDialect_Descriptor(t *testing.T) {
	d, err := dialect.Lookup(Name)
	require.NoError(t, err, "диалект должен регистрироваться в init")

	desc := d.Descriptor()
	assert.Equal(t, dialect.EmbeddedFile, desc.Kind)
	assert.Equal(t, "sqlite", desc.DriverName)
	assert.True(t, desc.TransactionalDDL)
	assert.Equal(t, dialect.Question, desc.Placeholder)
}

func TestDialect_DSNRequiresPath(t *testing.T) {
	_, err := Dialect{}.DSN(config.DataSource{Name: "x", Dialect: Name})
	assert.Error(t, err)
}

func TestConnector_AppliesPragmas(t *testing.T) {
	cfg := TestDataSource(t, "pragmas")
	conn := TestConn(t, cfg)
	ctx := context.Background()

	var fk int
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var mode string
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var busy int
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy))
	assert.Equal(t, 5000, busy)
}

func TestOpen_CreatesDirectory(t *testing.T) {
	cfg := TestDataSource(t, "nested")
	cfg.File.Path = filepath.Join(t.TempDir(), "a", "b", "nested.db")

	conn := TestConn(t, cfg)
	require.NoError(t, conn.PingContext(context.Background()))

	_, err := os.Stat(filepath.Dir(cfg.File.Path))
	assert.NoError(t, err, "директория БД должна быть создана")
}

func TestErrorCode(t *testing.T) {
	cfg := TestDataSource(t, "codes")
	db := TestDB(t, cfg)
	MustExec(t, db, "CREATE TABLE players (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	MustExec(t, db, "INSERT INTO players (id, name) VALUES (1, 'Ari')")

	_, err := db.Exec("INSERT INTO players (id, name) VALUES (1, 'Bo')")
	require.Error(t, err)

	code, msg, ok := Dialect{}.ErrorCode(err)
	require.True(t, ok)
	assert.Contains(t, []string{"19", "1555"}, code, "SQLITE_CONSTRAINT или SQLITE_CONSTRAINT_PRIMARYKEY")
	assert.Contains(t, msg, "UNIQUE")
	assert.True(t, IsConstraint(err))
	assert.False(t, IsBusy(err))

	classified := dialect.Classify(Dialect{}, err)
	var stmtErr *shared.StatementError
	require.True(t, errors.As(classified, &stmtErr))
	assert.Equal(t, Name, stmtErr.Dialect)

	_, _, ok = Dialect{}.ErrorCode(errors.New("other"))
	assert.False(t, ok)
}

func TestHistoryTableDDL(t *testing.T) {
	cfg := TestDataSource(t, "history")
	db := TestDB(t, cfg)
	ddl := Dialect{}.HistoryTableDDL("datacore_schema_history")

	MustExec(t, db, ddl)
	MustExec(t, db, ddl) // идемпотентно
	assert.Equal(t, 0, CountRows(t, db, "datacore_schema_history"))
}
