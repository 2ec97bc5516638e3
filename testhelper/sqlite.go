// Package testhelper sets up throwaway databases and small fixtures for
// tests across the repository.
package testhelper

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/database"
)

// SetupSQLite sets up a new temporary SQLite database with the full
// schema applied. It returns the open database and a cleanup function.
// The signature matches SetupPostgres and SetupMySQL so suites can run
// against every backend.
func SetupSQLite(t *testing.T) (*database.DB, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "shortlinker-sqlite-test-")
	require.NoError(t, err)

	dbFile := filepath.Join(dir, "data", "shortlinker.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(dbFile), 0o700))

	db, err := database.Open("sqlite:"+dbFile, nil)
	require.NoError(t, err)

	require.NoError(t, db.CreateTables(context.Background()))

	cleanup := func() {
		db.Close()
		os.RemoveAll(dir)
	}

	return db, cleanup
}
