package integrations

import (
	"embed"
	"io/fs"
)

// migrationsFS carries the SQL schema for both supported dialects; the
// sqlite tree under data/sql/migrations/sqlite mirrors the postgres files.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

// GetMigrationsFS returns the full embedded migration tree.
func GetMigrationsFS() fs.FS {
	return migrationsFS
}
