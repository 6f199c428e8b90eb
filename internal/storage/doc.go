// Package storage keeps the history of sync runs in SQLite.
//
// The provenance ledger is the source of truth for what is cached; this
// package only answers "what happened recently": which batches ran, how
// they ended, and how each source fared over time. Losing the database
// loses history, never cache correctness.
//
// # Database Schema
//
// Tables:
//   - sync_runs: one row per batch (operation, timing, aggregate counts)
//   - sync_run_results: one row per processed source of a run
//   - schema_version: applied migrations, ordered by semver
//
// # Drivers
//
// The default build uses modernc.org/sqlite. Build with the sqlite_cgo tag
// to use github.com/mattn/go-sqlite3 instead.
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage(".escarabajo/history.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	err = db.RecordRun(ctx, &storage.Run{
//	    ID:        runID,
//	    Operation: "sync_all",
//	    StartedAt: start,
//	    Results:   results,
//	})
//
//	runs, err := db.ListRuns(ctx, 10)
package storage
