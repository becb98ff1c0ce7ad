package rbac

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
)

func setupSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "rbac.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	applied, err := RunMigrations(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, applied)
	return db
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupSQLiteDB(t)

	applied, err := RunMigrations(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestNewSQLRepository(t *testing.T) {
	_, err := NewSQLRepository(nil, DialectSQLite)
	assert.Error(t, err)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = NewSQLRepository(db, "oracle")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSQLRepository_RolesAndPermissions(t *testing.T) {
	db := setupSQLiteDB(t)
	repo, err := NewSQLRepository(db, DialectSQLite)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	err = repo.Update(ctx, []string{"acme"}, func(ctx context.Context, w Writer) error {
		for _, code := range []string{"doc:read", "doc:edit"} {
			rt, action, _ := ParsePermissionCode(code)
			if err := w.InsertPermission(ctx, &Permission{ID: code, Code: code, ResourceType: rt, Action: action, CreatedAt: now, UpdatedAt: now}); err != nil {
				return err
			}
		}
		parent := "role-viewer"
		if err := w.InsertRole(ctx, &Role{ID: "role-viewer", Name: "Viewer", OrganizationID: "acme", Permissions: []string{"doc:read"}, Version: 1, CreatedAt: now, UpdatedAt: now}); err != nil {
			return err
		}
		return w.InsertRole(ctx, &Role{ID: "role-editor", Name: "Editor", OrganizationID: "acme", Permissions: []string{"doc:edit"}, ParentRoleID: &parent, Version: 1, CreatedAt: now, UpdatedAt: now})
	})
	require.NoError(t, err)

	err = repo.View(ctx, func(ctx context.Context, r Reader) error {
		role, err := r.GetRole(ctx, "role-editor")
		require.NoError(t, err)
		assert.Equal(t, "Editor", role.Name)
		assert.Equal(t, []string{"doc:edit"}, role.Permissions)
		require.True(t, role.HasParent())
		assert.Equal(t, "role-viewer", *role.ParentRoleID)

		perms, err := effectivePermissions(ctx, r, "role-editor")
		require.NoError(t, err)
		assert.Equal(t, []string{"doc:edit", "doc:read"}, perms.Sorted())

		children, err := r.ChildRoles(ctx, "role-viewer")
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, "role-editor", children[0].ID)

		roles, err := r.ListRoles(ctx, "acme")
		require.NoError(t, err)
		assert.Len(t, roles, 2)

		_, err = r.GetPermission(ctx, "doc:fly")
		assert.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)

	t.Run("duplicate name conflicts", func(t *testing.T) {
		err := repo.Update(ctx, []string{"acme"}, func(ctx context.Context, w Writer) error {
			return w.InsertRole(ctx, &Role{ID: "role-dup", Name: "Viewer", OrganizationID: "acme", Version: 1, CreatedAt: now, UpdatedAt: now})
		})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		err := repo.Update(ctx, []string{"acme"}, func(ctx context.Context, w Writer) error {
			role, err := w.GetRole(ctx, "role-viewer")
			if err != nil {
				return err
			}
			role.Version = 7
			return w.UpdateRole(ctx, role)
		})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("update bumps version and rewrites permissions", func(t *testing.T) {
		err := repo.Update(ctx, []string{"acme"}, func(ctx context.Context, w Writer) error {
			role, err := w.GetRole(ctx, "role-viewer")
			if err != nil {
				return err
			}
			role.Permissions = []string{"doc:edit", "doc:read"}
			if err := w.UpdateRole(ctx, role); err != nil {
				return err
			}
			assert.Equal(t, 2, role.Version)
			return nil
		})
		require.NoError(t, err)

		err = repo.View(ctx, func(ctx context.Context, r Reader) error {
			role, err := r.GetRole(ctx, "role-viewer")
			require.NoError(t, err)
			assert.Equal(t, 2, role.Version)
			assert.Equal(t, []string{"doc:edit", "doc:read"}, role.Permissions)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("failed update rolls back", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Update(ctx, []string{"acme"}, func(ctx context.Context, w Writer) error {
			if err := w.DeleteRole(ctx, "role-editor"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		err = repo.View(ctx, func(ctx context.Context, r Reader) error {
			_, err := r.GetRole(ctx, "role-editor")
			return err
		})
		assert.NoError(t, err)
	})
}

func TestSQLRepository_Assignments(t *testing.T) {
	db := setupSQLiteDB(t)
	repo, err := NewSQLRepository(db, DialectSQLite)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	soon := now.Add(time.Minute)
	source := "a-1"

	err = repo.Update(ctx, []string{"acme"}, func(ctx context.Context, w Writer) error {
		if err := w.InsertAssignment(ctx, &Assignment{ID: "a-1", PrincipalID: "alice", RoleID: "r", OrganizationID: "acme", CreatedAt: now}); err != nil {
			return err
		}
		if err := w.InsertAssignment(ctx, &Assignment{ID: "a-2", PrincipalID: "bob", RoleID: "r", OrganizationID: "acme", DelegatedFrom: &source, ExpiresAt: &soon, CreatedAt: now.Add(time.Second)}); err != nil {
			return err
		}
		return w.InsertAssignment(ctx, &Assignment{ID: "a-3", PrincipalID: "alice", RoleID: "r2", OrganizationID: "acme-eu", ExpiresAt: &soon, CreatedAt: now.Add(2 * time.Second)})
	})
	require.NoError(t, err)

	err = repo.View(ctx, func(ctx context.Context, r Reader) error {
		a, err := r.GetAssignment(ctx, "a-2")
		require.NoError(t, err)
		require.NotNil(t, a.ExpiresAt)
		assert.True(t, a.ExpiresAt.Equal(soon))
		require.NotNil(t, a.DelegatedFrom)
		assert.Equal(t, "a-1", *a.DelegatedFrom)
		assert.Nil(t, a.RevokedAt)

		mine, err := r.PrincipalAssignments(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, mine, 2)

		byRole, err := r.RoleAssignments(ctx, "r")
		require.NoError(t, err)
		assert.Len(t, byRole, 2)

		delegates, err := r.Delegates(ctx, "a-1")
		require.NoError(t, err)
		require.Len(t, delegates, 1)
		assert.Equal(t, "a-2", delegates[0].ID)

		expiring, err := r.ExpiringAssignments(ctx, now)
		require.NoError(t, err)
		assert.Empty(t, expiring)

		expiring, err = r.ExpiringAssignments(ctx, soon)
		require.NoError(t, err)
		assert.Len(t, expiring, 2)
		return nil
	})
	require.NoError(t, err)

	err = repo.Update(ctx, []string{"acme"}, func(ctx context.Context, w Writer) error {
		if err := w.MarkRevoked(ctx, "a-2", now, "admin"); err != nil {
			return err
		}
		return w.MarkRevoked(ctx, "missing", now, "admin")
	})
	assert.ErrorIs(t, err, ErrNotFound)

	err = repo.View(ctx, func(ctx context.Context, r Reader) error {
		a, err := r.GetAssignment(ctx, "a-2")
		require.NoError(t, err)
		assert.False(t, a.Revoked(), "failed update must not leave a revocation behind")
		return nil
	})
	require.NoError(t, err)

	err = repo.Update(ctx, []string{"acme"}, func(ctx context.Context, w Writer) error {
		if err := w.MarkRevoked(ctx, "a-2", now, "admin"); err != nil {
			return err
		}
		// the first stamp wins
		return w.MarkRevoked(ctx, "a-2", now.Add(time.Hour), "someone-else")
	})
	require.NoError(t, err)

	err = repo.View(ctx, func(ctx context.Context, r Reader) error {
		a, err := r.GetAssignment(ctx, "a-2")
		require.NoError(t, err)
		assert.True(t, a.Revoked())
		assert.Equal(t, "admin", a.RevokedBy)

		delegates, err := r.Delegates(ctx, "a-1")
		require.NoError(t, err)
		assert.Empty(t, delegates)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLRepository_PostgresAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo, err := NewSQLRepository(db, DialectPostgres)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(advisoryKey("acme")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM rbac_role_permissions").WithArgs("role-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM rbac_roles").WithArgs("role-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = repo.Update(context.Background(), []string{"acme"}, func(ctx context.Context, w Writer) error {
		return w.DeleteRole(ctx, "role-1")
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_PostgresAdvisoryLocksInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo, err := NewSQLRepository(db, DialectPostgres)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(advisoryKey("acme")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(advisoryKey("other")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = repo.Update(context.Background(), []string{"other", "acme", "other"}, func(ctx context.Context, w Writer) error {
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_MapsUniqueViolation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo, err := NewSQLRepository(db, DialectPostgres)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rbac_permissions").WillReturnError(errors.New("UNIQUE constraint failed: rbac_permissions.code"))
	mock.ExpectRollback()

	err = repo.Update(context.Background(), nil, func(ctx context.Context, w Writer) error {
		return w.InsertPermission(ctx, &Permission{ID: "p", Code: "doc:read", ResourceType: "doc", Action: "read"})
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// sqlEngine wires the engine entirely onto one SQLite database so the audit
// records share the mutation's transaction.
func sqlEngine(t *testing.T) (*Engine, *sql.DB, *audit.DBSink) {
	t.Helper()
	ctx := context.Background()
	db := setupSQLiteDB(t)

	hierarchy := orgs.NewSQLHierarchy(db)
	require.NoError(t, hierarchy.EnsureSchema(ctx))
	acme := "acme"
	require.NoError(t, hierarchy.CreateOrganization(ctx, &orgs.Organization{ID: "acme", Name: "Acme"}))
	require.NoError(t, hierarchy.CreateOrganization(ctx, &orgs.Organization{ID: "acme-eu", Name: "Acme/EU", ParentID: &acme}))
	require.NoError(t, hierarchy.CreateOrganization(ctx, &orgs.Organization{ID: "other", Name: "Other"}))

	directory := auth.NewSQLDirectory(db)
	require.NoError(t, directory.EnsureSchema(ctx))
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, directory.Register(ctx, &auth.Principal{ID: id, Username: id, IsActive: true}))
	}

	sink, err := audit.NewDBSink(db)
	require.NoError(t, err)
	require.NoError(t, sink.EnsureSchema(ctx))

	repo, err := NewSQLRepository(db, DialectSQLite)
	require.NoError(t, err)

	engine, err := NewEngine(Options{
		Repository:    repo,
		Organizations: hierarchy,
		Principals:    directory,
		Audit:         sink,
	})
	require.NoError(t, err)

	_, err = engine.RegisterPermission(ctx, "admin", Permission{Code: "doc:edit"})
	require.NoError(t, err)
	return engine, db, sink
}

func TestEngineOnSQLite_Scenarios(t *testing.T) {
	engine, _, sink := sqlEngine(t)
	ctx := context.Background()

	editor, err := engine.CreateRole(ctx, "admin", RoleSpec{Name: "Editor", OrganizationID: "acme", Permissions: []string{"doc:edit"}})
	require.NoError(t, err)
	a, err := engine.Grant(ctx, GrantRequest{PrincipalID: "alice", RoleID: editor.ID, OrganizationID: "acme", AssignedBy: "admin"})
	require.NoError(t, err)

	d, err := engine.CheckPermission(ctx, "alice", "acme-eu", "doc:edit")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = engine.CheckPermission(ctx, "alice", "other", "doc:edit")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	err = engine.DeleteRole(ctx, "admin", editor.ID, false)
	assert.ErrorIs(t, err, ErrRoleInUse)
	require.NoError(t, engine.DeleteRole(ctx, "admin", editor.ID, true))

	stored, err := engine.GetAssignment(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, stored.Revoked())

	records, err := sink.Search(ctx, audit.Filter{TargetID: a.ID, EventTypes: []audit.EventType{audit.EventAssignmentRevoked}})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeSuccess, records[0].Outcome)

	deleted, err := sink.Search(ctx, audit.Filter{TargetID: editor.ID, EventTypes: []audit.EventType{audit.EventRoleDeleted}})
	require.NoError(t, err)
	require.Len(t, deleted, 2)
	outcomes := []audit.Outcome{deleted[0].Outcome, deleted[1].Outcome}
	assert.ElementsMatch(t, []audit.Outcome{audit.OutcomeFailure, audit.OutcomeSuccess}, outcomes)
}

func TestEngineOnSQLite_AuditFailureRollsBack(t *testing.T) {
	engine, db, _ := sqlEngine(t)
	ctx := context.Background()

	editor, err := engine.CreateRole(ctx, "admin", RoleSpec{Name: "Editor", OrganizationID: "acme", Permissions: []string{"doc:edit"}})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, "DROP TABLE audit_records")
	require.NoError(t, err)

	_, err = engine.Grant(ctx, GrantRequest{PrincipalID: "bob", RoleID: editor.ID, OrganizationID: "acme", AssignedBy: "admin"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuditWrite)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rbac_assignments").Scan(&count))
	assert.Equal(t, 0, count)

	d, err := engine.CheckPermission(ctx, "bob", "acme", "doc:edit")
	require.NoError(t, err, "decision audit failures never fail a check")
	assert.False(t, d.Allowed)
}
