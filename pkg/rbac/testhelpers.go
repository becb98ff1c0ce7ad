package rbac

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
)

// TestPostgresEnv names the environment variable holding a PostgreSQL URL
// for database tests.
const TestPostgresEnv = "GATEKEEPER_TEST_POSTGRES"

// SkipIfNoDatabase skips the test if the test database URL is not set.
func SkipIfNoDatabase(t *testing.T) string {
	t.Helper()

	dbURL := os.Getenv(TestPostgresEnv)
	if dbURL == "" {
		t.Skipf("Skipping test: %s environment variable not set (database not available)", TestPostgresEnv)
	}

	return dbURL
}

// SkipIfNoDatabaseOrShort skips the test if running in short mode OR if database is not available.
func SkipIfNoDatabaseOrShort(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping database test in short mode")
	}

	return SkipIfNoDatabase(t)
}

// RequireDatabase connects to the test database with migrations applied,
// or skips the test. Short mode skips as well.
func RequireDatabase(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("postgres", SkipIfNoDatabaseOrShort(t))
	if err != nil {
		t.Skipf("Failed to connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("Database not reachable: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := RunMigrations(context.Background(), db); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

// IsDatabaseAvailable returns true if the test database URL is set (does not test connection).
func IsDatabaseAvailable() bool {
	return os.Getenv(TestPostgresEnv) != ""
}
