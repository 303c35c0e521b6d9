package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	integrations "github.com/podiumlab/tri-integrations"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// FilesystemSpec pairs one dialect with the filesystem holding its
// *.up.sql / *.down.sql files.
type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

// RegisterFunc receives each dialect's migration filesystem; the caller
// hooks it into its persistence client.
type RegisterFunc func(ctx context.Context, dialect string, fsys fs.FS) error

// Filesystems resolves the embedded migration tree into per-dialect specs
// and validates that each one actually contains migration files.
func Filesystems() ([]FilesystemSpec, error) {
	root := integrations.GetMigrationsFS()

	base, err := fs.Sub(root, "data/sql/migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations: data/sql/migrations not found: %w", err)
	}
	sqliteFS, err := fs.Sub(base, "sqlite")
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve sqlite filesystem: %w", err)
	}

	filesystems := []FilesystemSpec{
		{
			Dialect: DialectPostgres,
			Path:    "data/sql/migrations",
			FS:      base,
		},
		{
			Dialect: DialectSQLite,
			Path:    "data/sql/migrations/sqlite",
			FS:      sqliteFS,
		},
	}

	for _, fsys := range filesystems {
		matches, globErr := fs.Glob(fsys.FS, "*.up.sql")
		if globErr != nil {
			return nil, fmt.Errorf("migrations: glob %s %s: %w", fsys.Dialect, fsys.Path, globErr)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("migrations: %s filesystem %q has no *.up.sql files", fsys.Dialect, fsys.Path)
		}
	}

	return filesystems, nil
}

// Register invokes registerFn for each requested dialect. With no dialects
// given it registers every dialect the tree ships.
func Register(ctx context.Context, registerFn RegisterFunc, dialects ...string) error {
	if registerFn == nil {
		return fmt.Errorf("migrations: register function is required")
	}

	wanted := map[string]bool{}
	for _, dialect := range dialects {
		trimmed := strings.TrimSpace(strings.ToLower(dialect))
		if trimmed != "" {
			wanted[trimmed] = true
		}
	}

	filesystems, err := Filesystems()
	if err != nil {
		return err
	}
	for _, fsys := range filesystems {
		if len(wanted) > 0 && !wanted[fsys.Dialect] {
			continue
		}
		if err := registerFn(ctx, fsys.Dialect, fsys.FS); err != nil {
			return fmt.Errorf("migrations: register %s (%s): %w", fsys.Dialect, fsys.Path, err)
		}
	}
	return nil
}
