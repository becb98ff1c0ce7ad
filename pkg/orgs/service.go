package orgs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/txctx"
)

// SQLHierarchy stores the organization tree in the organizations table.
// Queries run inside the transaction carried by the context when there is one,
// so the engine sees the tree and its own tables in the same snapshot.
type SQLHierarchy struct {
	db *sql.DB
}

// NewSQLHierarchy creates a new SQLHierarchy
func NewSQLHierarchy(db *sql.DB) *SQLHierarchy {
	return &SQLHierarchy{db: db}
}

// EnsureSchema creates the organizations table if it doesn't exist
func (s *SQLHierarchy) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS organizations (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			parent_id VARCHAR(255),
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_organizations_parent_id ON organizations(parent_id);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create organizations table: %w", err)
	}
	return nil
}

// CreateOrganization inserts a new organization
func (s *SQLHierarchy) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		return fmt.Errorf("organization id is required")
	}
	if !org.IsRoot() {
		if _, err := s.Get(ctx, *org.ParentID); err != nil {
			return fmt.Errorf("parent %s: %w", *org.ParentID, err)
		}
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO organizations (id, name, parent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := txctx.ExecerFor(ctx, s.db).ExecContext(ctx, query, org.ID, org.Name, nullString(org.ParentID), now, now)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}

	org.CreatedAt = now
	org.UpdatedAt = now
	return nil
}

// Get retrieves an organization by ID
func (s *SQLHierarchy) Get(ctx context.Context, id string) (*Organization, error) {
	query := `
		SELECT id, name, parent_id, created_at, updated_at
		FROM organizations
		WHERE id = $1
	`
	org := &Organization{}
	var parentID sql.NullString
	err := txctx.ExecerFor(ctx, s.db).QueryRowContext(ctx, query, id).Scan(
		&org.ID, &org.Name, &parentID, &org.CreatedAt, &org.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	if parentID.Valid && parentID.String != "" {
		p := parentID.String
		org.ParentID = &p
	}
	return org, nil
}

// Descendants resolves the subtree with a recursive CTE
func (s *SQLHierarchy) Descendants(ctx context.Context, id string) ([]string, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	query := `
		WITH RECURSIVE tree(id, depth) AS (
			SELECT id, 1 FROM organizations WHERE parent_id = $1
			UNION ALL
			SELECT o.id, t.depth + 1
			FROM organizations o
			JOIN tree t ON o.parent_id = t.id
			WHERE t.depth < $2
		)
		SELECT id, depth FROM tree
	`
	rows, err := txctx.ExecerFor(ctx, s.db).QueryContext(ctx, query, id, MaxDepth+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query descendants: %w", err)
	}
	defer rows.Close()

	var out []string
	seen := make(map[string]struct{})
	for rows.Next() {
		var childID string
		var depth int
		if err := rows.Scan(&childID, &depth); err != nil {
			return nil, fmt.Errorf("failed to scan descendant: %w", err)
		}
		if depth > MaxDepth {
			return nil, fmt.Errorf("%w: subtree of %s exceeds depth %d", ErrHierarchyCorrupt, id, MaxDepth)
		}
		if _, dup := seen[childID]; dup {
			continue
		}
		seen[childID] = struct{}{}
		out = append(out, childID)
	}
	return out, rows.Err()
}

// SetParent re-parents an organization, rejecting moves that would create a cycle
func (s *SQLHierarchy) SetParent(ctx context.Context, id string, parentID *string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if parentID != nil && *parentID != "" {
		within, err := IsWithin(ctx, s, id, *parentID)
		if err != nil {
			return err
		}
		if within {
			return fmt.Errorf("%w: %s is inside the subtree of %s", ErrInvalidParent, *parentID, id)
		}
	}

	query := `UPDATE organizations SET parent_id = $1, updated_at = $2 WHERE id = $3`
	_, err := txctx.ExecerFor(ctx, s.db).ExecContext(ctx, query, nullString(parentID), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update organization parent: %w", err)
	}
	return nil
}

// ListOrganizations returns every organization ordered by id
func (s *SQLHierarchy) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	query := `SELECT id, name, parent_id, created_at, updated_at FROM organizations ORDER BY id`
	rows, err := txctx.ExecerFor(ctx, s.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var out []*Organization
	for rows.Next() {
		org := &Organization{}
		var parentID sql.NullString
		if err := rows.Scan(&org.ID, &org.Name, &parentID, &org.CreatedAt, &org.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		if parentID.Valid && parentID.String != "" {
			p := parentID.String
			org.ParentID = &p
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
