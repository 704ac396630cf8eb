// Package sqlite holds the embedded-database implementations of the
// SsotStore and LifecycleStore. Both open a single modernc.org/sqlite
// connection, pinned to one open connection guarded by a mutex, with
// WAL journaling for crash safety and concurrent reads.
package sqlite

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// open opens (or creates) the database file at path, pins it to a
// single connection, enables WAL journaling, and applies schema.
func open(path, schema string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite.open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.open: set WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.open: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite.open: apply schema: %w", err)
	}
	return db, nil
}
