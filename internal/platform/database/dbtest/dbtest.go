// Package dbtest opens a migrated sqlite database for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"actsync/internal/platform/config"
	"actsync/internal/platform/database"
)

func New(t testing.TB) *database.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?" + database.SQLiteParams
	db, err := database.Open(config.DatabaseConfig{Driver: database.DriverSQLite, DSN: dsn, MaxConnections: 4})
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Failed to migrate db: %v", err)
	}
	return db
}
