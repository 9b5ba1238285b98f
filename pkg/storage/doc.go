// Package storage opens the seatkeeper database and applies its schema.
//
// Two engines are supported through database/sql: an embedded SQLite file
// (github.com/mattn/go-sqlite3) for single-node deployments and tests, and
// PostgreSQL (github.com/lib/pq). Open returns the pool together with the
// txn.Dialect that drives transactions on it:
//
//	db, err := storage.Open(ctx, storage.Config{Driver: "sqlite3", DSN: "seatkeeper.db"})
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//	if err := storage.Migrate(ctx, db, logger); err != nil {
//		return err
//	}
//	exec := db.Executor(txn.WithLogger(logger))
//
// Migrations are plain SQL files embedded per dialect and replayed in
// version order. Applied versions are recorded in schema_migrations.
package storage
