package rbac

import (
	"testing"
)

func TestIsDatabaseAvailable(t *testing.T) {
	t.Run("returns true when env var is set", func(t *testing.T) {
		t.Setenv(TestPostgresEnv, "postgres://test")
		if !IsDatabaseAvailable() {
			t.Error("Expected IsDatabaseAvailable to return true when env var is set")
		}
	})

	t.Run("returns false when env var is not set", func(t *testing.T) {
		t.Setenv(TestPostgresEnv, "")
		if IsDatabaseAvailable() {
			t.Error("Expected IsDatabaseAvailable to return false when env var is not set")
		}
	})
}

func TestSkipIfNoDatabaseOrShort(t *testing.T) {
	t.Run("skips without a database", func(t *testing.T) {
		t.Setenv(TestPostgresEnv, "")
		reached := false
		t.Run("inner", func(t *testing.T) {
			SkipIfNoDatabaseOrShort(t)
			reached = true
		})
		if reached {
			t.Error("Expected SkipIfNoDatabaseOrShort to skip when env var is not set")
		}
	})

	t.Run("returns the URL when set", func(t *testing.T) {
		if testing.Short() {
			t.Skip("short mode always skips")
		}
		t.Setenv(TestPostgresEnv, "postgres://test")
		if got := SkipIfNoDatabaseOrShort(t); got != "postgres://test" {
			t.Errorf("Expected postgres://test, got %q", got)
		}
	})
}
