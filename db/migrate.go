package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/sift/errors"
)

//go:embed sqlite/migrations/*.sql
var migrationFS embed.FS

const migrationDir = "sqlite/migrations"

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, in filename order, one transaction per file. A nil
// logger runs silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	files, err := pendingOrder()
	if err != nil {
		return err
	}

	applied := 0
	for _, name := range files {
		version := strings.SplitN(name, "_", 2)[0]

		done, err := versionApplied(db, version)
		if err != nil {
			// schema_migrations itself is created by migration 000; for any
			// later version a missing table means a broken database
			if version != "000" {
				return errors.Wrapf(err, "schema_migrations missing before %s", name)
			}
		} else if done {
			continue
		}

		if logger != nil {
			logger.Infow("Applying migration", "migration", name)
		}
		if err := applyMigration(db, name, version); err != nil {
			return err
		}
		applied++
	}

	if logger != nil {
		logger.Infow("Migrations complete", "applied", applied, "total", len(files))
	}
	return nil
}

// pendingOrder lists the embedded migration files in apply order
func pendingOrder() ([]string, error) {
	entries, err := migrationFS.ReadDir(migrationDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read embedded migrations")
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	return files, nil
}

func versionApplied(db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)`, version).Scan(&exists)
	return exists, err
}

// applyMigration executes one migration script and records its version in
// the same transaction
func applyMigration(db *sql.DB, name, version string) error {
	script, err := migrationFS.ReadFile(path.Join(migrationDir, name))
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", name)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "failed to begin transaction for %s", name)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(script)); err != nil {
		return errors.Wrapf(err, "failed to execute %s", name)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
		return errors.Wrapf(err, "failed to record %s", name)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit %s", name)
	}
	return nil
}
