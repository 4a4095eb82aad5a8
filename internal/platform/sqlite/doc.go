// Package sqlite реализует встроенный файловый диалект на базе modernc.org/sqlite.
//
// Основные возможности:
// - Регистрация диалекта "sqlite" в dialect.Register при импорте пакета
// - Построение DSN с busy_timeout и режимом блокировки транзакций (_txlock)
// - PRAGMA настройки для каждого нового соединения пула (WAL, foreign_keys, synchronous)
// - Извлечение расширенных кодов ошибок SQLite для shared.StatementError
// - Тестовые хелперы для временных файловых БД
//
// # Быстрый старт
//
// Диалект не используется напрямую: реестр data source находит его по имени.
//
//	import _ "datacore/internal/platform/sqlite"
//
//	cfg := config.DataSource{
//		Name:    "players",
//		Dialect: "sqlite",
//		File:    config.File{Path: "./players.db"},
//	}
//	err := reg.Register(cfg, migrations...)
//
// # Конкуренция
//
// Каждое соединение пула - отдельное соединение к файлу. WAL режим позволяет
// читать параллельно с единственным писателем, а _txlock=immediate захватывает
// блокировку записи в начале транзакции, что исключает SQLITE_BUSY при
// повышении уровня блокировки внутри транзакции.
//
// # Тестирование
//
//	func TestSomething(t *testing.T) {
//		cfg := sqlite.TestDataSource(t, "players")
//		db := sqlite.TestDB(t, cfg)
//		sqlite.MustExec(t, db, "CREATE TABLE t (id INTEGER)")
//	}
package sqlite
