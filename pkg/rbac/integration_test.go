//go:build integration

package rbac

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
)

// setupPostgres uses GATEKEEPER_TEST_POSTGRES when set and otherwise starts
// a throwaway container.
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if os.Getenv(TestPostgresEnv) != "" {
		return RequireDatabase(t)
	}

	ctx := context.Background()
	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("gatekeeper_test"),
		postgres.WithUsername("gatekeeper"),
		postgres.WithPassword("gatekeeper_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))

	_, err = RunMigrations(ctx, db)
	require.NoError(t, err)
	return db
}

type pgEnv struct {
	db        *sql.DB
	hierarchy *orgs.SQLHierarchy
	directory *auth.SQLDirectory
	sink      *audit.DBSink
	root      string
	child     string
}

func newPGEnv(t *testing.T) *pgEnv {
	t.Helper()
	ctx := context.Background()
	db := setupPostgres(t)

	env := &pgEnv{
		db:        db,
		hierarchy: orgs.NewSQLHierarchy(db),
		directory: auth.NewSQLDirectory(db),
		root:      "org-" + uuid.NewString(),
		child:     "org-" + uuid.NewString(),
	}
	require.NoError(t, env.hierarchy.EnsureSchema(ctx))
	require.NoError(t, env.directory.EnsureSchema(ctx))

	sink, err := audit.NewDBSink(db)
	require.NoError(t, err)
	require.NoError(t, sink.EnsureSchema(ctx))
	env.sink = sink

	require.NoError(t, env.hierarchy.CreateOrganization(ctx, &orgs.Organization{ID: env.root, Name: env.root}))
	require.NoError(t, env.hierarchy.CreateOrganization(ctx, &orgs.Organization{ID: env.child, Name: env.child, ParentID: &env.root}))
	require.NoError(t, env.directory.Register(ctx, &auth.Principal{ID: "alice", Username: "alice", IsActive: true}))
	return env
}

// engine builds an engine as a separate process would: its own repository
// and lock table, sharing only the database.
func (env *pgEnv) engine(t *testing.T) *Engine {
	t.Helper()
	repo, err := NewSQLRepository(env.db, DialectPostgres)
	require.NoError(t, err)
	e, err := NewEngine(Options{
		Repository:    repo,
		Organizations: env.hierarchy,
		Principals:    env.directory,
		Audit:         env.sink,
	})
	require.NoError(t, err)
	return e
}

func TestPostgres_GrantCheckRevoke(t *testing.T) {
	env := newPGEnv(t)
	engine := env.engine(t)
	ctx := context.Background()

	code := "doc-" + uuid.NewString()[:8] + ":edit"
	_, err := engine.RegisterPermission(ctx, "admin", Permission{Code: code})
	require.NoError(t, err)

	role, err := engine.CreateRole(ctx, "admin", RoleSpec{Name: "Editor", OrganizationID: env.root, Permissions: []string{code}})
	require.NoError(t, err)

	a, err := engine.Grant(ctx, GrantRequest{PrincipalID: "alice", RoleID: role.ID, OrganizationID: env.root, AssignedBy: "admin"})
	require.NoError(t, err)

	d, err := engine.CheckPermission(ctx, "alice", env.child, code)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	status, err := engine.Revoke(ctx, a.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, status)

	d, err = engine.CheckPermission(ctx, "alice", env.child, code)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	records, err := env.sink.Search(ctx, audit.Filter{TargetID: a.ID})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestPostgres_ParentUpdatesAcrossProcessesNeverCycle(t *testing.T) {
	env := newPGEnv(t)
	first := env.engine(t)
	second := env.engine(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		a, err := first.CreateRole(ctx, "admin", RoleSpec{Name: "A-" + uuid.NewString(), OrganizationID: env.root})
		require.NoError(t, err)
		b, err := first.CreateRole(ctx, "admin", RoleSpec{Name: "B-" + uuid.NewString(), OrganizationID: env.root})
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		engines := []*Engine{first, second}
		pairs := [][2]string{{a.ID, b.ID}, {b.ID, a.ID}}
		for j := range pairs {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				parent := pairs[j][1]
				_, errs[j] = engines[j].UpdateRole(ctx, "admin", pairs[j][0], RoleUpdate{ParentRoleID: &parent})
			}(j)
		}
		wg.Wait()

		failures := 0
		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, ErrCycle)
				failures++
			}
		}
		assert.Equal(t, 1, failures)

		_, err = second.EffectivePermissions(ctx, a.ID)
		require.NoError(t, err)
	}
}

func TestPostgres_MoveOrganizationAcrossTrees(t *testing.T) {
	env := newPGEnv(t)
	engine := env.engine(t)
	ctx := context.Background()

	other := "org-" + uuid.NewString()
	require.NoError(t, env.hierarchy.CreateOrganization(ctx, &orgs.Organization{ID: other, Name: other}))

	code := "doc-" + uuid.NewString()[:8] + ":edit"
	_, err := engine.RegisterPermission(ctx, "admin", Permission{Code: code})
	require.NoError(t, err)
	role, err := engine.CreateRole(ctx, "admin", RoleSpec{Name: "Editor", OrganizationID: env.root, Permissions: []string{code}})
	require.NoError(t, err)
	a, err := engine.Grant(ctx, GrantRequest{PrincipalID: "alice", RoleID: role.ID, OrganizationID: env.child, AssignedBy: "admin"})
	require.NoError(t, err)

	err = engine.MoveOrganization(ctx, "admin", env.child, &other)
	assert.ErrorIs(t, err, ErrScope)
	org, err := env.hierarchy.Get(ctx, env.child)
	require.NoError(t, err)
	assert.Equal(t, env.root, *org.ParentID)

	_, err = engine.Revoke(ctx, a.ID, "admin")
	require.NoError(t, err)
	require.NoError(t, engine.MoveOrganization(ctx, "admin", env.child, &other))

	org, err = env.hierarchy.Get(ctx, env.child)
	require.NoError(t, err)
	assert.Equal(t, other, *org.ParentID)

	records, err := env.sink.Search(ctx, audit.Filter{TargetID: env.child, EventTypes: []audit.EventType{audit.EventOrganizationMoved}})
	require.NoError(t, err)
	outcomes := make([]audit.Outcome, 0, len(records))
	for _, r := range records {
		outcomes = append(outcomes, r.Outcome)
	}
	assert.ElementsMatch(t, []audit.Outcome{audit.OutcomeFailure, audit.OutcomeSuccess}, outcomes)
}

func TestPostgres_AuditInsertSharesTransaction(t *testing.T) {
	env := newPGEnv(t)
	engine := env.engine(t)
	ctx := context.Background()

	role, err := engine.CreateRole(ctx, "admin", RoleSpec{Name: "Viewer-" + uuid.NewString(), OrganizationID: env.root})
	require.NoError(t, err)

	// a NOT NULL violation on the audit table fails only the audit insert
	_, err = env.db.ExecContext(ctx, "ALTER TABLE audit_records ADD COLUMN must_set TEXT NOT NULL DEFAULT 'x'")
	require.NoError(t, err)
	_, err = env.db.ExecContext(ctx, "ALTER TABLE audit_records ALTER COLUMN must_set DROP DEFAULT")
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = env.db.ExecContext(context.Background(), "ALTER TABLE audit_records DROP COLUMN must_set")
	})

	_, err = engine.Grant(ctx, GrantRequest{PrincipalID: "alice", RoleID: role.ID, OrganizationID: env.root, AssignedBy: "admin"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuditWrite)

	var count int
	require.NoError(t, env.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rbac_assignments WHERE role_id = $1", role.ID).Scan(&count))
	assert.Equal(t, 0, count)
}
