// Package database provides SQLite persistence for rolekeeper.
//
// It wraps database/sql with connection management tuned for SQLite
// (single writer, WAL mode, busy timeout) and an embedded migration
// runner so the schema ships inside the binary.
//
// # Features
//
//   - WAL mode for concurrent reads during writes
//   - Busy timeout to ride out short lock contention
//   - Versioned migrations embedded via embed.FS
//   - Per-migration transactions with partial-progress semantics
//   - Health checks for readiness probes
//
// # Usage
//
//	db, err := database.Open(database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: cfg.Database.BusyTimeout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// The migrations package registers its embedded SQL files with this
// package in an init function, so importing it for side effects is
// enough to make Migrate work.
package database
