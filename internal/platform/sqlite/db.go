package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"datacore/internal/config"
)

// TxLockMode определяет режим блокировки транзакций SQLite
type TxLockMode string

const (
	// TxLockDeferred - откладывает блокировку до первого чтения/записи (по умолчанию SQLite)
	TxLockDeferred TxLockMode = "deferred"
	// TxLockImmediate - немедленно захватывает RESERVED блокировку для избежания SQLITE_BUSY при записи
	TxLockImmediate TxLockMode = "immediate"
	// TxLockExclusive - немедленно захватывает EXCLUSIVE блокировку
	TxLockExclusive TxLockMode = "exclusive"
)

// FileOptions содержит настройки файловой базы данных, выведенные из config.File.
type FileOptions struct {
	// Path - путь к файлу БД
	Path string
	// ReadOnly - открыть файл только для чтения
	ReadOnly bool
	// WALMode - использовать ли WAL режим для конкурентного чтения
	WALMode bool
	// ForeignKeys - включить ли проверку внешних ключей
	ForeignKeys bool
	// BusyTimeout - таймаут ожидания при SQLITE_BUSY
	BusyTimeout time.Duration
	// TxLockMode - режим блокировки для новых транзакций
	TxLockMode TxLockMode
}

// DefaultFileOptions возвращает настройки по умолчанию для встроенной БД плагинов.
func DefaultFileOptions() FileOptions {
	return FileOptions{
		WALMode:     true,            // несколько соединений пула читают параллельно
		ForeignKeys: true,            // Включаем проверку внешних ключей
		BusyTimeout: 5 * time.Second, // 5 секунд ожидания при блокировке
		TxLockMode:  TxLockImmediate, // писатели сразу захватывают блокировку
	}
}

// OptionsFrom переносит параметры data source в FileOptions, сохраняя умолчания для пустых полей.
func OptionsFrom(f config.File) FileOptions {
	opts := DefaultFileOptions()
	opts.Path = f.Path
	opts.ReadOnly = f.ReadOnly
	if f.WAL != nil {
		opts.WALMode = *f.WAL
	}
	if f.ForeignKeys != nil {
		opts.ForeignKeys = *f.ForeignKeys
	}
	if f.BusyTimeout > 0 {
		opts.BusyTimeout = f.BusyTimeout
	}
	if f.TxLock != "" {
		opts.TxLockMode = TxLockMode(strings.ToLower(f.TxLock))
	}
	if opts.ReadOnly {
		opts.WALMode = false // смена journal_mode требует записи
	}
	return opts
}

// ensureDir создает директорию для файла БД если её нет.
func ensureDir(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// buildDSN строит DSN строку для драйвера modernc.org/sqlite.
// busy_timeout передается через _pragma, чтобы он действовал на каждом новом
// соединении до выполнения остальных PRAGMA.
func buildDSN(opts FileOptions) string {
	params := url.Values{}

	if opts.BusyTimeout > 0 {
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}
	if opts.TxLockMode != "" && opts.TxLockMode != TxLockDeferred {
		params.Set("_txlock", string(opts.TxLockMode))
	}

	path := opts.Path
	if opts.ReadOnly {
		params.Set("mode", "ro")
		if !strings.HasPrefix(path, "file:") {
			path = "file:" + path
		}
	}

	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

// pragmas возвращает PRAGMA команды, применяемые к каждому новому соединению.
func pragmas(opts FileOptions) []string {
	out := make([]string, 0, 3)

	// Включаем проверку внешних ключей
	if opts.ForeignKeys {
		out = append(out, "PRAGMA foreign_keys = ON")
	}

	// Устанавливаем режим журнала
	if opts.WALMode {
		out = append(out, "PRAGMA journal_mode = WAL")
	}

	// Устанавливаем уровень синхронизации
	if !opts.ReadOnly {
		out = append(out, "PRAGMA synchronous = NORMAL")
	}

	return out
}

// applyPragmaSettings применяет PRAGMA настройки к отдельному соединению пула.
func applyPragmaSettings(ctx context.Context, conn *sql.Conn, opts FileOptions) error {
	for _, pragma := range pragmas(opts) {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}
