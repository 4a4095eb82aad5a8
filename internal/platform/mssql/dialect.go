// Package mssql implements the networked Microsoft SQL Server dialect on top
// of github.com/microsoft/go-mssqldb.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	mssql "github.com/microsoft/go-mssqldb"

	"datacore/internal/config"
	"datacore/internal/platform/dialect"
)

// Name is the dialect name used in configuration.
const Name = config.DialectSQLServer

const defaultPort = 1433

func init() {
	dialect.Register(Dialect{})
}

// Dialect describes SQL Server.
type Dialect struct{}

// Descriptor implements dialect.Dialect.
func (Dialect) Descriptor() dialect.Descriptor {
	return dialect.Descriptor{
		Name:             Name,
		Kind:             dialect.NetworkedRelational,
		DriverName:       "sqlserver",
		Placeholder:      dialect.AtP,
		QuoteOpen:        "[",
		QuoteClose:       "]",
		Limit:            dialect.TopPrefix,
		TransactionalDDL: true,
		DefaultPort:      defaultPort,
		Requirements:     []string{"reachable SQL Server 2016+ or Azure SQL endpoint"},
	}
}

// DSN renders a sqlserver:// URL.
func (Dialect) DSN(cfg config.DataSource) (string, error) {
	n := cfg.Network
	if n.User == "" || n.Database == "" {
		return "", fmt.Errorf("sqlserver: user and database are required")
	}
	port := n.Port
	if port == 0 {
		port = defaultPort
	}

	q := url.Values{}
	q.Set("database", n.Database)
	q.Set("app name", cfg.Name)
	if n.ConnectTimeout > 0 {
		q.Set("dial timeout", strconv.Itoa(int(n.ConnectTimeout.Seconds())))
	}
	switch n.SSLMode {
	case "", "disable":
		q.Set("encrypt", "disable")
	case "require":
		q.Set("encrypt", "true")
	default:
		q.Set("encrypt", n.SSLMode)
	}
	for k, v := range n.Params {
		q.Set(k, v)
	}

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(n.User, n.Password),
		Host:     n.Host + ":" + strconv.Itoa(port),
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

// Prepare implements dialect.Dialect.
func (Dialect) Prepare(ctx context.Context, conn *sql.Conn, _ config.DataSource) error {
	_, err := conn.ExecContext(ctx, "SET XACT_ABORT ON")
	return err
}

// ErrorCode returns the server error number, e.g. 2627 for a primary key violation.
func (Dialect) ErrorCode(err error) (string, string, bool) {
	var me mssql.Error
	if errors.As(err, &me) {
		return strconv.Itoa(int(me.Number)), me.Message, true
	}
	return "", "", false
}

// HistoryTableDDL implements dialect.Dialect.
func (Dialect) HistoryTableDDL(table string) string {
	return "IF OBJECT_ID(N'" + table + "', N'U') IS NULL CREATE TABLE [" + table + `] (
	version     BIGINT        NOT NULL PRIMARY KEY,
	checksum    CHAR(64)      NOT NULL,
	applied_at  DATETIME2     NOT NULL,
	description NVARCHAR(255) NOT NULL DEFAULT ''
)`
}
