package testhelper

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shortlinker/shortlinker/pkg/database"
)

// SetupMySQL sets up a new temporary MySQL database for testing.
// It requires the SHORTLINKER_TEST_ADMIN_MYSQL_URL environment variable
// to be set and skips the test otherwise. It returns the open database
// and a cleanup function that drops the scratch database.
func SetupMySQL(t *testing.T) (*database.DB, func()) {
	t.Helper()

	adminDbURL := os.Getenv("SHORTLINKER_TEST_ADMIN_MYSQL_URL")
	if adminDbURL == "" {
		t.Skip("Skipping MySQL test: SHORTLINKER_TEST_ADMIN_MYSQL_URL not set")
	}

	adminDb, err := database.Open(adminDbURL, nil)
	require.NoError(t, err, "failed to connect to the mysql database")

	dbName := "test_" + MustRandString(20)

	_, err = adminDb.ExecContext(context.Background(), fmt.Sprintf("CREATE DATABASE `%s`", dbName))
	require.NoError(t, err, "failed to create database %s", dbName)

	u, err := url.Parse(adminDbURL)
	require.NoError(t, err)

	u.Path = "/" + dbName

	db, err := database.Open(u.String(), nil)
	require.NoError(t, err)

	require.NoError(t, db.CreateTables(context.Background()))

	cleanup := func() {
		db.Close()

		_, err := adminDb.ExecContext(context.Background(), fmt.Sprintf("DROP DATABASE `%s`", dbName))
		if err != nil {
			t.Logf("failed to drop database %s: %s", dbName, err)
		}

		adminDb.Close()
	}

	return db, cleanup
}
