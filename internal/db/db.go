// Package db stores visibility events, derived impressions, and hourly
// rollups in SQLite. Schema changes are managed with golang-migrate using
// the migration files embedded in this package.
package db

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// connPragmas are applied to every connection via the DSN so that pool
// growth never produces a connection without them.
var connPragmas = []string{
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_pragma=synchronous(NORMAL)",
	"_pragma=temp_store(MEMORY)",
	"_pragma=foreign_keys(ON)",
}

// OpenDB opens the SQLite database at path without touching the schema.
// Callers that want the schema managed should use NewDB instead; the
// migrate CLI uses OpenDB so migrations stay in control.
func OpenDB(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?%s", path, strings.Join(connPragmas, "&"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return &DB{db}, nil
}

// NewDB opens the database at path and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	migrationsFS, err := MigrationsFS()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	if err := db.MigrateUp(migrationsFS); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
