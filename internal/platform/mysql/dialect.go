// Package mysql implements the networked MySQL/MariaDB dialect on top of
// github.com/go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"datacore/internal/config"
	"datacore/internal/platform/dialect"
)

// Name is the dialect name used in configuration.
const Name = config.DialectMySQL

const defaultPort = 3306

func init() {
	dialect.Register(Dialect{})
}

// Dialect describes MySQL. DDL commits implicitly, so migration records are
// written right after the statements of a migration rather than atomically.
type Dialect struct{}

// Descriptor implements dialect.Dialect.
func (Dialect) Descriptor() dialect.Descriptor {
	return dialect.Descriptor{
		Name:             Name,
		Kind:             dialect.NetworkedRelational,
		DriverName:       "mysql",
		Placeholder:      dialect.Question,
		QuoteOpen:        "`",
		QuoteClose:       "`",
		Limit:            dialect.LimitSuffix,
		TransactionalDDL: false,
		DefaultPort:      defaultPort,
		Requirements:     []string{"reachable MySQL 5.7+ or MariaDB 10.3+ server"},
	}
}

// DSN implements dialect.Dialect.
func (Dialect) DSN(cfg config.DataSource) (string, error) {
	n := cfg.Network
	if n.User == "" || n.Database == "" {
		return "", fmt.Errorf("mysql: user and database are required")
	}
	port := n.Port
	if port == 0 {
		port = defaultPort
	}

	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(n.Host, strconv.Itoa(port))
	mc.User = n.User
	mc.Passwd = n.Password
	mc.DBName = n.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Timeout = n.ConnectTimeout
	switch n.SSLMode {
	case "", "disable":
	case "require", "verify-full":
		mc.TLSConfig = "true"
	case "prefer":
		mc.TLSConfig = "preferred"
	default:
		mc.TLSConfig = n.SSLMode
	}
	if len(n.Params) > 0 {
		mc.Params = make(map[string]string, len(n.Params))
		for k, v := range n.Params {
			mc.Params[k] = v
		}
	}
	return mc.FormatDSN(), nil
}

// Prepare pins the session to UTC and strict mode so timestamps and
// truncation behave the same on every pooled connection.
func (Dialect) Prepare(ctx context.Context, conn *sql.Conn, _ config.DataSource) error {
	_, err := conn.ExecContext(ctx, "SET SESSION time_zone = '+00:00', SESSION sql_mode = CONCAT(@@sql_mode, ',STRICT_TRANS_TABLES')")
	return err
}

// ErrorCode returns the server error number, e.g. 1062 for a duplicate key.
func (Dialect) ErrorCode(err error) (string, string, bool) {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return strconv.Itoa(int(me.Number)), me.Message, true
	}
	return "", "", false
}

// HistoryTableDDL implements dialect.Dialect.
func (Dialect) HistoryTableDDL(table string) string {
	return "CREATE TABLE IF NOT EXISTS `" + table + "` (" + `
	version     BIGINT       NOT NULL PRIMARY KEY,
	checksum    CHAR(64)     NOT NULL,
	applied_at  DATETIME(6)  NOT NULL,
	description VARCHAR(255) NOT NULL DEFAULT ''
)`
}

// IsDuplicateKey reports a unique key violation.
func IsDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == 1062
}
