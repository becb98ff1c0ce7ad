package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all engine migrations. The statements use only
// types understood by both PostgreSQL and SQLite.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_permissions (
					id VARCHAR(64) PRIMARY KEY,
					code VARCHAR(255) NOT NULL UNIQUE,
					resource_type VARCHAR(128) NOT NULL,
					action VARCHAR(128) NOT NULL,
					description TEXT,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     2,
			Description: "Create roles tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_roles (
					id VARCHAR(64) PRIMARY KEY,
					organization_id VARCHAR(255) NOT NULL,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					parent_role_id VARCHAR(64),
					version INTEGER NOT NULL DEFAULT 1,
					created_by VARCHAR(255),
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					UNIQUE(organization_id, name)
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_roles_organization_id ON rbac_roles(organization_id);
				CREATE INDEX IF NOT EXISTS idx_rbac_roles_parent_role_id ON rbac_roles(parent_role_id);

				CREATE TABLE IF NOT EXISTS rbac_role_permissions (
					role_id VARCHAR(64) NOT NULL,
					permission_code VARCHAR(255) NOT NULL,
					PRIMARY KEY (role_id, permission_code)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create assignments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS rbac_assignments (
					id VARCHAR(64) PRIMARY KEY,
					principal_id VARCHAR(255) NOT NULL,
					role_id VARCHAR(64) NOT NULL,
					organization_id VARCHAR(255) NOT NULL,
					expires_at TIMESTAMP,
					assigned_by VARCHAR(255),
					delegated_from VARCHAR(64),
					created_at TIMESTAMP NOT NULL,
					revoked_at TIMESTAMP,
					revoked_by VARCHAR(255)
				);

				CREATE INDEX IF NOT EXISTS idx_rbac_assignments_principal_id ON rbac_assignments(principal_id);
				CREATE INDEX IF NOT EXISTS idx_rbac_assignments_role_id ON rbac_assignments(role_id);
				CREATE INDEX IF NOT EXISTS idx_rbac_assignments_delegated_from ON rbac_assignments(delegated_from);
				CREATE INDEX IF NOT EXISTS idx_rbac_assignments_expires_at ON rbac_assignments(expires_at);
			`,
		},
	}
}

// RunMigrations applies pending migrations and returns the versions applied
func RunMigrations(ctx context.Context, db *sql.DB) ([]int, error) {
	// Create migration tracking table
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rbac_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM rbac_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	var applied []int
	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rbac_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
			migration.Version, migration.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
		applied = append(applied, migration.Version)
	}

	return applied, nil
}
