package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"datacore/internal/config"
	"datacore/internal/platform/dialect"
)

// Name - имя диалекта в конфигурации.
const Name = config.DialectSQLite

func init() {
	dialect.Register(Dialect{})
}

// Dialect - встроенный файловый движок на чистом Go (без cgo).
type Dialect struct{}

// Descriptor implements dialect.Dialect.
func (Dialect) Descriptor() dialect.Descriptor {
	return dialect.Descriptor{
		Name:             Name,
		Kind:             dialect.EmbeddedFile,
		DriverName:       "sqlite",
		Placeholder:      dialect.Question,
		QuoteOpen:        `"`,
		QuoteClose:       `"`,
		Limit:            dialect.LimitSuffix,
		TransactionalDDL: true,
		Requirements:     []string{"writable directory for the database file", "no native library: modernc.org/sqlite is pure Go"},
	}
}

// Provision создает директорию файла БД до открытия первого соединения.
func (Dialect) Provision(cfg config.DataSource) error {
	return ensureDir(cfg.File.Path)
}

// DSN implements dialect.Dialect.
func (Dialect) DSN(cfg config.DataSource) (string, error) {
	if cfg.File.Path == "" {
		return "", fmt.Errorf("sqlite: file path is required")
	}
	return buildDSN(OptionsFrom(cfg.File)), nil
}

// Prepare implements dialect.Dialect.
func (Dialect) Prepare(ctx context.Context, conn *sql.Conn, cfg config.DataSource) error {
	return applyPragmaSettings(ctx, conn, OptionsFrom(cfg.File))
}

// ErrorCode возвращает расширенный код ошибки SQLite (например 2067 для UNIQUE).
func (Dialect) ErrorCode(err error) (string, string, bool) {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return strconv.Itoa(se.Code()), se.Error(), true
	}
	return "", "", false
}

// HistoryTableDDL implements dialect.Dialect. applied_at хранится как RFC3339 текст.
func (Dialect) HistoryTableDDL(table string) string {
	return `CREATE TABLE IF NOT EXISTS "` + table + `" (
	version     INTEGER PRIMARY KEY,
	checksum    TEXT    NOT NULL,
	applied_at  TEXT    NOT NULL,
	description TEXT    NOT NULL DEFAULT ''
)`
}

// IsBusy сообщает, что операция не дождалась блокировки файла.
func IsBusy(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// IsConstraint сообщает о нарушении ограничения (UNIQUE, FOREIGN KEY, NOT NULL, CHECK).
func IsConstraint(err error) bool {
	var se *msqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
