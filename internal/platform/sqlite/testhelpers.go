package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"datacore/internal/config"
	"datacore/internal/platform/dialect"
)

// TestDataSource возвращает конфигурацию файловой БД во временной директории теста.
// Файл удаляется вместе с директорией после завершения теста.
func TestDataSource(t testing.TB, name string) config.DataSource {
	t.Helper()

	return config.DataSource{
		Name:    name,
		Dialect: Name,
		File:    config.File{Path: filepath.Join(t.TempDir(), name+".db")},
		Pool: config.Pool{
			MinIdle:        0,
			MaxTotal:       4,
			AcquireTimeout: 2 * time.Second,
			DrainTimeout:   2 * time.Second,
		},
		Workers:   4,
		QueueSize: 64,
	}.WithDefaults()
}

// TestDB открывает *sql.DB для проверки содержимого файла из тестов.
// БД автоматически закрывается после теста.
func TestDB(t testing.TB, cfg config.DataSource) *sql.DB {
	t.Helper()

	db, err := dialect.Open(Dialect{}, cfg)
	if err != nil {
		t.Fatalf("Failed to open test DB: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// TestConn возвращает подготовленное соединение к файлу data source.
func TestConn(t testing.TB, cfg config.DataSource) *sql.Conn {
	t.Helper()

	db := TestDB(t, cfg)
	conn, err := dialect.Connector(Dialect{}, db, cfg)(context.Background())
	if err != nil {
		t.Fatalf("Failed to open test connection: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// MustExec выполняет SQL команду и проверяет отсутствие ошибок.
func MustExec(t testing.TB, db *sql.DB, query string, args ...any) sql.Result {
	t.Helper()

	result, err := db.ExecContext(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("Failed to execute query %q: %v", query, err)
	}
	return result
}

// CountRows возвращает количество строк в таблице.
func CountRows(t testing.TB, db *sql.DB, table string) int {
	t.Helper()

	var count int
	if err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM "`+table+`"`).Scan(&count); err != nil {
		t.Fatalf("Failed to count rows in %s: %v", table, err)
	}
	return count
}
