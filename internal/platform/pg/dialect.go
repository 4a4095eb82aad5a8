// Package pg реализует сетевой диалект PostgreSQL поверх pgx (database/sql адаптер stdlib).
package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // регистрирует драйвер "pgx"

	"datacore/internal/config"
	"datacore/internal/platform/dialect"
)

// Name - имя диалекта в конфигурации.
const Name = config.DialectPostgres

const defaultPort = 5432

func init() {
	dialect.Register(Dialect{})
}

// Dialect описывает PostgreSQL.
type Dialect struct{}

// Descriptor implements dialect.Dialect.
func (Dialect) Descriptor() dialect.Descriptor {
	return dialect.Descriptor{
		Name:             Name,
		Kind:             dialect.NetworkedRelational,
		DriverName:       "pgx",
		Placeholder:      dialect.Dollar,
		QuoteOpen:        `"`,
		QuoteClose:       `"`,
		Limit:            dialect.LimitSuffix,
		TransactionalDDL: true,
		DefaultPort:      defaultPort,
		Requirements:     []string{"reachable PostgreSQL 12+ server"},
	}
}

// DSN implements dialect.Dialect.
func (Dialect) DSN(cfg config.DataSource) (string, error) {
	dsnCfg := DSNConfigFrom(cfg)
	if err := ValidateConfig(dsnCfg); err != nil {
		return "", err
	}
	return BuildDSN(dsnCfg), nil
}

// Prepare implements dialect.Dialect. Сессионные параметры передаются через DSN.
func (Dialect) Prepare(context.Context, *sql.Conn, config.DataSource) error {
	return nil
}

// ErrorCode возвращает SQLSTATE (например 23505 для unique_violation).
func (Dialect) ErrorCode(err error) (string, string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.Message, true
	}
	return "", "", false
}

// HistoryTableDDL implements dialect.Dialect.
func (Dialect) HistoryTableDDL(table string) string {
	return `CREATE TABLE IF NOT EXISTS "` + table + `" (
	version     BIGINT      PRIMARY KEY,
	checksum    CHAR(64)    NOT NULL,
	applied_at  TIMESTAMPTZ NOT NULL,
	description TEXT        NOT NULL DEFAULT ''
)`
}

// IsUniqueViolation сообщает о нарушении уникального ограничения.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
