package db

import (
	"embed"
	"io/fs"
)

//go:embed migrations
var embeddedMigrations embed.FS

// MigrationsFS returns the embedded migration files as a filesystem rooted
// at the .sql files themselves, the layout every migrate helper expects.
func MigrationsFS() (fs.FS, error) {
	return fs.Sub(embeddedMigrations, "migrations")
}
