// Package shared contains the error taxonomy of the data-access core.
//
// # Error Types and Classification
//
// Every failure returned by the pool, the migrator, the executor or the
// registry wraps one of the sentinel errors:
//
//   - ErrPoolExhausted: no connection became available within the acquire timeout
//   - ErrPoolClosed: the pool has been shut down
//   - ErrConnectionUnavailable: the executor could not lease a connection
//   - ErrDataSourceNotReady: migrations pending or failed
//   - ErrMigrationChecksumMismatch: applied migration history was modified
//   - ErrStatement: driver-reported failure, see StatementError
//   - ErrCancelled: the caller cancelled the submission
//   - ErrUnknownDataSource, ErrDataSourceAlreadyActive: registry lookups
//   - ErrForcedShutdown: warning, leases were force-closed after the drain bound
//
// Use KindOf() to classify errors:
//
//	switch shared.KindOf(err) {
//	case shared.KindConnectionUnavailable:
//	    // back off
//	case shared.KindStatement:
//	    var stmtErr *shared.StatementError
//	    if errors.As(err, &stmtErr) {
//	        log.Println(stmtErr.Code)
//	    }
//	}
//
// # Kind Priority Table
//
// When an error chain matches several kinds, KindOf returns the highest priority one:
//
//	Priority | Kind
//	---------|------------------------------
//	1        | KindCancelled
//	2        | KindUnknownDataSource
//	3        | KindDataSourceAlreadyActive
//	4        | KindDataSourceNotReady
//	5        | KindMigrationChecksumMismatch
//	6        | KindStatement
//	7        | KindConnectionUnavailable
//	8        | KindPoolExhausted
//	9        | KindPoolClosed
//	10       | KindForcedShutdown
//	11       | KindMainThreadBlocking
//	12       | KindValidation
//	13       | KindTimeout
//	14       | KindInternal
//
// # Data source context
//
// Failures leaving the registry or a handle are wrapped in DataSourceError,
// whose message names the data source, the operation and the kind:
//
//	datasource "players": exec: StatementError: sqlite [2067]: UNIQUE constraint failed: players.id
//
// # Error Message Style Guide
//
// - Use lowercase messages: "pool closed" not "Pool closed"
// - Avoid punctuation
// - Keep messages composable: they will often be wrapped with additional context
package shared
