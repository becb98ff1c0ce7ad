package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Database: config.DatabaseConfig{
			Driver: rbac.DialectSQLite,
			URL:    filepath.Join(t.TempDir(), "gatekeeper.db"),
		},
		Cache:  config.CacheConfig{Backend: "memory", TTL: time.Minute, MaxEntries: 100},
		Audit:  config.AuditConfig{AllowedSampleRate: 1},
		Engine: config.EngineConfig{LockTimeout: time.Second},
	}
}

func TestOpen_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.FileMirror = audit.FileSinkConfig{BasePath: t.TempDir(), MaxSize: 1 << 20, MaxFiles: 2}
	ctx := context.Background()

	a, err := Open(ctx, cfg, Options{Logger: observability.NewLogger(observability.ErrorLevel, os.Stderr)})
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Organizations.CreateOrganization(ctx, &orgs.Organization{ID: "acme", Name: "Acme"}))
	require.NoError(t, a.Principals.Register(ctx, &auth.Principal{ID: "alice", Username: "alice", IsActive: true}))
	_, err = a.Engine.RegisterPermission(ctx, "admin", rbac.Permission{Code: "doc:read"})
	require.NoError(t, err)
	role, err := a.Engine.CreateRole(ctx, "admin", rbac.RoleSpec{Name: "reader", OrganizationID: "acme", Permissions: []string{"doc:read"}})
	require.NoError(t, err)
	_, err = a.Engine.Grant(ctx, rbac.GrantRequest{PrincipalID: "alice", RoleID: role.ID, OrganizationID: "acme", AssignedBy: "admin"})
	require.NoError(t, err)

	d, err := a.Engine.CheckPermission(ctx, "alice", "acme", "doc:read")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// committed mutations reach both the database and the file mirror
	records, err := a.Audit.Search(ctx, audit.Filter{EventTypes: []audit.EventType{audit.EventAssignmentGranted}})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	mirrored, err := a.Mirror.ReadRecords(100)
	require.NoError(t, err)
	assert.NotEmpty(t, mirrored)
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := Open(ctx, cfg, Options{})
	require.NoError(t, err)
	_, err = a.Engine.RegisterPermission(ctx, "admin", rbac.Permission{Code: "doc:read"})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a, err = Open(ctx, cfg, Options{})
	require.NoError(t, err)
	defer a.Close()
	perms, err := a.Engine.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "doc:read", perms[0].Code)
}

func TestOpen_SkipMigrationsOnEmptyDatabase(t *testing.T) {
	a, err := Open(context.Background(), testConfig(t), Options{SkipMigrations: true})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Engine.ListPermissions(context.Background())
	assert.Error(t, err, "tables were never created")
}

func TestMigrate_Idempotent(t *testing.T) {
	db, err := OpenDB(testConfig(t).Database)
	require.NoError(t, err)
	defer db.Close()

	applied, err := Migrate(context.Background(), db)
	require.NoError(t, err)
	assert.NotEmpty(t, applied)

	applied, err = Migrate(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestNewCache(t *testing.T) {
	mr := miniredis.RunT(t)

	tests := []struct {
		name      string
		cfg       config.CacheConfig
		wantType  interface{}
		wantRedis bool
	}{
		{name: "memory", cfg: config.CacheConfig{Backend: "memory", TTL: time.Minute, MaxEntries: 10}, wantType: &cache.LocalCache{}},
		{name: "none", cfg: config.CacheConfig{Backend: "none"}, wantType: &cache.Noop{}},
		{
			name: "redis",
			cfg: config.CacheConfig{
				Backend: "redis",
				TTL:     time.Minute,
				Redis:   cache.RedisConfig{URL: "redis://" + mr.Addr(), KeyPrefix: "gk:"},
			},
			wantType:  &cache.RedisCache{},
			wantRedis: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, client, err := NewCache(tt.cfg)
			require.NoError(t, err)
			defer c.Close()
			assert.IsType(t, tt.wantType, c)
			assert.Equal(t, tt.wantRedis, client != nil)
		})
	}
}

func TestNewCache_RedisUnreachable(t *testing.T) {
	_, _, err := NewCache(config.CacheConfig{
		Backend: "redis",
		Redis:   cache.RedisConfig{URL: "redis://127.0.0.1:1"},
	})
	assert.Error(t, err)
}
