// Package core executes spreadsheet imports into PostgreSQL.
//
// It holds the domain logic independent of any transport: the HTTP server,
// the CLI and the tests all drive the same [Executor].
//
// # Architecture
//
//   - Plan: [BuildPlan] binds a mapping.Configuration to a sheet's headers and
//     rejects sheets that lack a required column before anything is written.
//   - Validation: [Validate] coerces one row's cells to the mapped data types.
//     It is pure and never touches the database.
//   - Resolution: a [Resolver] turns foreign key lookup values into the keys
//     stored in the target table, caching answers for the duration of a run.
//   - Execution: [Executor.Run] streams rows through validation, resolution
//     and insert inside one transaction and produces an [ImportRunResult].
//   - Service: [Service] runs imports in the background, bounds how many run
//     at once, and fans progress out to subscribers.
//   - Log: a [LogSink] receives every finished result once. [PgLogSink]
//     stores results in PostgreSQL.
//
// # Transactions
//
// A run opens one transaction. Each row is inserted under a savepoint, so a
// row the server rejects is rolled back on its own and recorded as a failed
// row while the run continues:
//
//	SAVEPOINT sheetimport_row
//	INSERT INTO ... VALUES (...)
//	RELEASE SAVEPOINT sheetimport_row      -- or ROLLBACK TO SAVEPOINT on error
//
// Connection loss, resource exhaustion, schema errors and commit failure
// abort the run and roll every row back.
//
// # Error Handling
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each error category has a code for support reference:
//
//   - DB001-DB009: database constraints and connectivity
//   - VAL001-VAL003: row validation and reference resolution
//   - FILE001-FILE005: spreadsheet files and uploads
//   - RUN001-RUN005: run lifecycle
//   - MAP001-MAP005: mapping configuration
//
// # Retention
//
// Recorded runs older than the configured retention are deleted by
// [StartRetentionScheduler].
package core
