// Package testing provides testing utilities and helpers for the vigil project.
package testing

import (
	"database/sql"
	"fmt"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3" // cgo driver exercised on the test side

	"github.com/mberan/vigil/internal/database"
)

// NewTestDB creates a temp-file SQLite database for testing with automatic
// schema migration. Returns the database instance and an idempotent cleanup
// function that closes the connection and removes the file.
//
// Supported schema names:
//   - "vigil" - applies vigil_schema.sql (positions, alerts, regime, providers)
//   - "cache" - applies cache_schema.sql (bar cache)
//   - Unknown names - creates an empty database (no schema applied)
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	// Temporary file per test to ensure isolation.
	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	profile := database.ProfileStandard
	if name == "cache" {
		profile = database.ProfileCache
	}

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}

	closed := false
	cleanup := func() {
		if !closed {
			_ = db.Close()
			closed = true
		}
		_ = os.Remove(tmpPath)
		_ = os.Remove(tmpPath + "-wal")
		_ = os.Remove(tmpPath + "-shm")
	}

	return db, cleanup
}

// NewRawTestDB opens a plain *sql.DB on the cgo sqlite3 driver, for tests
// that exercise driver-independent SQL.
func NewRawTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test_raw_*.db")
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := sql.Open("sqlite3", tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to open raw test database: %v", err)
	}

	return db, func() {
		_ = db.Close()
		_ = os.Remove(tmpPath)
	}
}
