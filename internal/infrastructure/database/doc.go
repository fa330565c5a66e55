// Package database provides SQLite persistence for AV Control Core.
//
// The database stores operation results (channel changes, input swaps,
// diagnostics) so that the front-of-house UI can show recent history and
// engineers can audit failed sequences after the fact.
//
// # Features
//
//   - SQLite with WAL mode for concurrent readers
//   - Embedded migrations applied automatically at startup
//   - Busy timeout handling for lock contention
//   - Health check support for the /api/health endpoint
//
// # Migrations
//
// Migration files are embedded into the binary via the migrations package.
// Files follow the naming convention:
//
//	YYYYMMDD_HHMMSS_description.up.sql
//	YYYYMMDD_HHMMSS_description.down.sql
//
// Each migration runs in its own transaction; a failed migration leaves
// earlier ones committed and is retried on the next start.
//
// # Usage
//
//	db, err := database.Open(database.Config{
//	    Path:        "/var/lib/avcore/avcore.db",
//	    WALMode:     true,
//	    BusyTimeout: 5,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
