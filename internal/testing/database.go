// Package testing provides shared test helpers.
package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/sift/db"
)

// CreateTestDB creates a migrated SQLite test database in a temp directory.
// Automatically registers cleanup via t.Cleanup().
//
// A file-backed database is used instead of :memory: because the worker pool
// opens concurrent connections; each in-memory connection would see its own
// empty database.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sift_test.db")
	conn, err := db.OpenWithMigrations(path, nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
