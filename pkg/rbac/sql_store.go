package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/gatekeeper/pkg/txctx"
)

// Dialect names a supported SQL backend
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// SQLRepository stores the engine tables in PostgreSQL or SQLite.
//
// Views run in a read-only repeatable-read transaction on PostgreSQL. Updates
// take a transaction-scoped advisory lock derived from the lock key, so engine
// instances sharing a database serialize per organization tree. Both the view
// and update transactions travel in the context so collaborators backed by the
// same database (organization tree, principal directory, audit sink) join them.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLRepository creates a repository on db
func NewSQLRepository(db *sql.DB, dialect Dialect) (*SQLRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("%w: unsupported dialect %q", ErrInvalidArgument, dialect)
	}
	return &SQLRepository{db: db, dialect: dialect}, nil
}

// DB returns the underlying handle
func (s *SQLRepository) DB() *sql.DB {
	return s.db
}

// View runs fn in a read transaction
func (s *SQLRepository) View(ctx context.Context, fn func(ctx context.Context, r Reader) error) error {
	if _, ok := txctx.From(ctx); ok {
		return fn(ctx, s)
	}

	var opts *sql.TxOptions
	if s.dialect == DialectPostgres {
		opts = &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	return fn(txctx.WithTx(ctx, tx), s)
}

// Update runs fn in a write transaction and commits when it returns nil
func (s *SQLRepository) Update(ctx context.Context, lockKeys []string, fn func(ctx context.Context, w Writer) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if s.dialect == DialectPostgres {
		// sorted so updates spanning two trees cannot deadlock
		for _, key := range sortedKeys(lockKeys) {
			if key == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryKey(key)); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to acquire advisory lock: %w", err)
			}
		}
	}

	if err := fn(txctx.WithTx(ctx, tx), s); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database handle
func (s *SQLRepository) Close() error {
	return s.db.Close()
}

func (s *SQLRepository) q(ctx context.Context) txctx.Execer {
	return txctx.ExecerFor(ctx, s.db)
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// mapWriteError turns unique violations into ConflictErrors
func mapWriteError(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return &ConflictError{Kind: kind, ID: id, Reason: "already exists"}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &ConflictError{Kind: kind, ID: id, Reason: "already exists"}
	}
	return fmt.Errorf("failed to write %s: %w", kind, err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

const permissionColumns = `id, code, resource_type, action, description, created_at, updated_at`

func scanPermission(row interface{ Scan(...interface{}) error }) (*Permission, error) {
	p := &Permission{}
	var description sql.NullString
	if err := row.Scan(&p.ID, &p.Code, &p.ResourceType, &p.Action, &description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Description = description.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// GetPermission retrieves a permission by code
func (s *SQLRepository) GetPermission(ctx context.Context, code string) (*Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM rbac_permissions WHERE code = $1`
	p, err := scanPermission(s.q(ctx).QueryRowContext(ctx, query, code))
	if err == sql.ErrNoRows {
		return nil, notFound(KindPermission, code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return p, nil
}

// ListPermissions returns every registered permission
func (s *SQLRepository) ListPermissions(ctx context.Context) ([]*Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM rbac_permissions ORDER BY code`
	rows, err := s.q(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list permissions: %w", err)
	}
	defer rows.Close()

	var out []*Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertPermission registers a permission
func (s *SQLRepository) InsertPermission(ctx context.Context, p *Permission) error {
	query := `
		INSERT INTO rbac_permissions (id, code, resource_type, action, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.q(ctx).ExecContext(ctx, query, p.ID, p.Code, p.ResourceType, p.Action, p.Description, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return mapWriteError(err, KindPermission, p.Code)
}

// UpdatePermission updates the description of a permission
func (s *SQLRepository) UpdatePermission(ctx context.Context, p *Permission) error {
	query := `UPDATE rbac_permissions SET description = $1, updated_at = $2 WHERE code = $3`
	res, err := s.q(ctx).ExecContext(ctx, query, p.Description, p.UpdatedAt.UTC(), p.Code)
	if err != nil {
		return fmt.Errorf("failed to update permission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(KindPermission, p.Code)
	}
	return nil
}

const roleColumns = `id, organization_id, name, description, parent_role_id, version, created_by, created_at, updated_at`

func scanRole(row interface{ Scan(...interface{}) error }) (*Role, error) {
	r := &Role{}
	var description, parent, createdBy sql.NullString
	err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &description, &parent, &r.Version, &createdBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Description = description.String
	r.ParentRoleID = stringPtr(parent)
	r.CreatedBy = createdBy.String
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (s *SQLRepository) rolePermissions(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT permission_code FROM rbac_role_permissions WHERE role_id = $1 ORDER BY permission_code`, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role permissions: %w", err)
	}
	defer rows.Close()

	codes := []string{}
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan role permission: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (s *SQLRepository) queryRoles(ctx context.Context, query string, args ...interface{}) ([]*Role, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, r)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// permissions are loaded after the cursor is closed; SQLite connections
	// used in a single transaction cannot interleave result sets
	for _, r := range roles {
		if r.Permissions, err = s.rolePermissions(ctx, r.ID); err != nil {
			return nil, err
		}
	}
	return roles, nil
}

// GetRole retrieves a role with its direct permissions
func (s *SQLRepository) GetRole(ctx context.Context, id string) (*Role, error) {
	roles, err := s.queryRoles(ctx, `SELECT `+roleColumns+` FROM rbac_roles WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, notFound(KindRole, id)
	}
	return roles[0], nil
}

// ListRoles returns the roles of an organization, or all roles for ""
func (s *SQLRepository) ListRoles(ctx context.Context, organizationID string) ([]*Role, error) {
	if organizationID == "" {
		return s.queryRoles(ctx, `SELECT `+roleColumns+` FROM rbac_roles ORDER BY organization_id, name`)
	}
	return s.queryRoles(ctx, `SELECT `+roleColumns+` FROM rbac_roles WHERE organization_id = $1 ORDER BY name`, organizationID)
}

// ChildRoles returns roles whose parent is roleID
func (s *SQLRepository) ChildRoles(ctx context.Context, roleID string) ([]*Role, error) {
	return s.queryRoles(ctx, `SELECT `+roleColumns+` FROM rbac_roles WHERE parent_role_id = $1 ORDER BY name`, roleID)
}

func (s *SQLRepository) replaceRolePermissions(ctx context.Context, r *Role) error {
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM rbac_role_permissions WHERE role_id = $1`, r.ID); err != nil {
		return fmt.Errorf("failed to clear role permissions: %w", err)
	}
	for _, code := range r.Permissions {
		if _, err := s.q(ctx).ExecContext(ctx,
			`INSERT INTO rbac_role_permissions (role_id, permission_code) VALUES ($1, $2)`, r.ID, code); err != nil {
			return fmt.Errorf("failed to insert role permission: %w", err)
		}
	}
	return nil
}

// InsertRole creates a role and its permission links
func (s *SQLRepository) InsertRole(ctx context.Context, r *Role) error {
	query := `
		INSERT INTO rbac_roles (id, organization_id, name, description, parent_role_id, version, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		r.ID, r.OrganizationID, r.Name, r.Description, nullString(r.ParentRoleID),
		r.Version, r.CreatedBy, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return mapWriteError(err, KindRole, r.Name)
	}
	return s.replaceRolePermissions(ctx, r)
}

// UpdateRole writes r if the stored version still matches
func (s *SQLRepository) UpdateRole(ctx context.Context, r *Role) error {
	query := `
		UPDATE rbac_roles
		SET name = $1, description = $2, parent_role_id = $3, version = $4, updated_at = $5
		WHERE id = $6 AND version = $7
	`
	res, err := s.q(ctx).ExecContext(ctx, query,
		r.Name, r.Description, nullString(r.ParentRoleID), r.Version+1, r.UpdatedAt.UTC(), r.ID, r.Version,
	)
	if err != nil {
		return mapWriteError(err, KindRole, r.Name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRole(ctx, r.ID); err != nil {
			return err
		}
		return &ConflictError{Kind: KindRole, ID: r.ID, Reason: "role was modified concurrently"}
	}
	r.Version++
	return s.replaceRolePermissions(ctx, r)
}

// DeleteRole removes a role and its permission links
func (s *SQLRepository) DeleteRole(ctx context.Context, id string) error {
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM rbac_role_permissions WHERE role_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete role permissions: %w", err)
	}
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM rbac_roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(KindRole, id)
	}
	return nil
}

const assignmentColumns = `id, principal_id, role_id, organization_id, expires_at, assigned_by, delegated_from, created_at, revoked_at, revoked_by`

func scanAssignment(row interface{ Scan(...interface{}) error }) (*Assignment, error) {
	a := &Assignment{}
	var expiresAt, revokedAt sql.NullTime
	var assignedBy, delegatedFrom, revokedBy sql.NullString
	err := row.Scan(&a.ID, &a.PrincipalID, &a.RoleID, &a.OrganizationID, &expiresAt, &assignedBy, &delegatedFrom, &a.CreatedAt, &revokedAt, &revokedBy)
	if err != nil {
		return nil, err
	}
	a.ExpiresAt = timePtr(expiresAt)
	a.RevokedAt = timePtr(revokedAt)
	a.AssignedBy = assignedBy.String
	a.DelegatedFrom = stringPtr(delegatedFrom)
	a.RevokedBy = revokedBy.String
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func (s *SQLRepository) queryAssignments(ctx context.Context, query string, args ...interface{}) ([]*Assignment, error) {
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAssignment retrieves an assignment, revoked or not
func (s *SQLRepository) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	out, err := s.queryAssignments(ctx, `SELECT `+assignmentColumns+` FROM rbac_assignments WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound(KindAssignment, id)
	}
	return out[0], nil
}

// PrincipalAssignments returns unrevoked assignments of a principal
func (s *SQLRepository) PrincipalAssignments(ctx context.Context, principalID string) ([]*Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+` FROM rbac_assignments
		WHERE principal_id = $1 AND revoked_at IS NULL
		ORDER BY created_at, id`, principalID)
}

// RoleAssignments returns unrevoked assignments of a role
func (s *SQLRepository) RoleAssignments(ctx context.Context, roleID string) ([]*Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+` FROM rbac_assignments
		WHERE role_id = $1 AND revoked_at IS NULL
		ORDER BY created_at, id`, roleID)
}

// Delegates returns unrevoked assignments delegated from assignmentID
func (s *SQLRepository) Delegates(ctx context.Context, assignmentID string) ([]*Assignment, error) {
	return s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+` FROM rbac_assignments
		WHERE delegated_from = $1 AND revoked_at IS NULL
		ORDER BY created_at, id`, assignmentID)
}

// ExpiringAssignments returns unrevoked assignments whose expiry is at or
// before t. The time comparison happens here rather than in SQL because
// SQLite stores timestamps as text.
func (s *SQLRepository) ExpiringAssignments(ctx context.Context, t time.Time) ([]*Assignment, error) {
	candidates, err := s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+` FROM rbac_assignments
		WHERE expires_at IS NOT NULL AND revoked_at IS NULL
		ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	var out []*Assignment
	for _, a := range candidates {
		if a.Expired(t) {
			out = append(out, a)
		}
	}
	return out, nil
}

// InsertAssignment stores a new assignment
func (s *SQLRepository) InsertAssignment(ctx context.Context, a *Assignment) error {
	query := `
		INSERT INTO rbac_assignments (id, principal_id, role_id, organization_id, expires_at, assigned_by, delegated_from, created_at, revoked_at, revoked_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		a.ID, a.PrincipalID, a.RoleID, a.OrganizationID, nullTime(a.ExpiresAt), a.AssignedBy,
		nullString(a.DelegatedFrom), a.CreatedAt.UTC(), nullTime(a.RevokedAt), a.RevokedBy,
	)
	return mapWriteError(err, KindAssignment, a.ID)
}

// MarkRevoked stamps an assignment as revoked; already revoked rows are kept as they are
func (s *SQLRepository) MarkRevoked(ctx context.Context, id string, at time.Time, by string) error {
	res, err := s.q(ctx).ExecContext(ctx,
		`UPDATE rbac_assignments SET revoked_at = $1, revoked_by = $2 WHERE id = $3 AND revoked_at IS NULL`,
		at.UTC(), by, id)
	if err != nil {
		return fmt.Errorf("failed to revoke assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetAssignment(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
