package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

const seedYAML = `
organizations:
  - id: acme-eu
    name: Acme EU
    parent: acme
  - id: acme
    name: Acme
principals:
  - id: alice
    username: alice
    email: alice@example.com
  - id: deploy-bot
    username: deploy
    bot: true
permissions:
  - code: doc:read
    description: Read documents
  - code: doc:edit
roles:
  - name: editor
    organization: acme
    parent: reader
    permissions: [doc:edit]
  - name: reader
    organization: acme
    permissions: [doc:read]
grants:
  - principal: alice
    role: editor
    organization: acme-eu
    role_organization: acme
  - principal: deploy-bot
    role: reader
    organization: acme
`

type env struct {
	engine *rbac.Engine
	orgs   *orgs.MemoryHierarchy
	dir    *auth.MemoryDirectory
	sink   *audit.MemorySink
	loader *Loader
}

func newEnv(t *testing.T, mods ...func(*rbac.Options)) *env {
	t.Helper()
	e := &env{
		orgs: orgs.NewMemoryHierarchy(),
		dir:  auth.NewMemoryDirectory(),
		sink: audit.NewMemorySink(),
	}
	opts := rbac.Options{
		Repository:    rbac.NewMemoryRepository(),
		Organizations: e.orgs,
		Principals:    e.dir,
		Audit:         e.sink,
	}
	for _, mod := range mods {
		mod(&opts)
	}
	engine, err := rbac.NewEngine(opts)
	require.NoError(t, err)
	e.engine = engine
	e.loader = &Loader{Engine: engine, Organizations: e.orgs, Principals: e.dir, Actor: "system:bootstrap"}
	return e
}

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(seedYAML))
	require.NoError(t, err)

	require.Len(t, doc.Organizations, 2)
	require.NotNil(t, doc.Organizations[0].ParentID)
	assert.Equal(t, "acme", *doc.Organizations[0].ParentID)
	assert.True(t, doc.Principals[1].IsBot)
	assert.Equal(t, "Read documents", doc.Permissions[0].Description)
	assert.Equal(t, []string{"doc:edit"}, doc.Roles[0].Permissions)
	assert.Equal(t, "acme", doc.Grants[0].RoleOrganization)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "malformed", yaml: "roles: [", wantErr: "failed to parse"},
		{name: "organization without id", yaml: "organizations:\n  - name: x\n", wantErr: "id is required"},
		{name: "bad permission code", yaml: "permissions:\n  - code: read\n", wantErr: "resource_type:action"},
		{
			name:    "duplicate role",
			yaml:    "roles:\n  - {name: r, organization: o}\n  - {name: r, organization: o}\n",
			wantErr: "duplicate role",
		},
		{name: "incomplete grant", yaml: "grants:\n  - principal: alice\n", wantErr: "are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApply_SeedsEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc, err := Parse([]byte(seedYAML))
	require.NoError(t, err)

	res, err := e.loader.Apply(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, &Result{
		Organizations: 2,
		Principals:    2,
		Permissions:   2,
		RolesCreated:  2,
		Grants:        2,
	}, res)

	eu, err := e.orgs.Get(ctx, "acme-eu")
	require.NoError(t, err)
	assert.Equal(t, "acme", *eu.ParentID)

	bot, err := e.dir.Lookup(ctx, "deploy-bot")
	require.NoError(t, err)
	assert.True(t, bot.IsBot)
	assert.True(t, bot.IsActive)

	// editor inherits doc:read from reader
	d, err := e.engine.CheckPermission(ctx, "alice", "acme-eu", "doc:read")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = e.engine.CheckPermission(ctx, "alice", "acme", "doc:read")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "alice was granted below acme")
	d, err = e.engine.CheckPermission(ctx, "deploy-bot", "acme-eu", "doc:edit")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// every change went through the engine and was audited
	var events []audit.EventType
	for _, r := range e.sink.Records() {
		if r.Outcome == audit.OutcomeSuccess && r.EventType != audit.EventAccessChecked {
			events = append(events, r.EventType)
		}
	}
	assert.Equal(t, []audit.EventType{
		audit.EventPermissionRegistered,
		audit.EventPermissionRegistered,
		audit.EventRoleCreated,
		audit.EventRoleCreated,
		audit.EventAssignmentGranted,
		audit.EventAssignmentGranted,
	}, events)
}

func TestApply_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc, err := Parse([]byte(seedYAML))
	require.NoError(t, err)

	_, err = e.loader.Apply(ctx, doc)
	require.NoError(t, err)
	before := len(e.sink.Records())

	doc, err = Parse([]byte(seedYAML))
	require.NoError(t, err)
	res, err := e.loader.Apply(ctx, doc)
	require.NoError(t, err)
	assert.False(t, res.Changed(), "second apply changed %+v", res)
	assert.Len(t, e.sink.Records(), before)

	active, err := e.engine.ActiveAssignments(ctx, "alice", "acme-eu")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestApply_UpdatesChangedEntities(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc, err := Parse([]byte(seedYAML))
	require.NoError(t, err)
	_, err = e.loader.Apply(ctx, doc)
	require.NoError(t, err)

	updated := `
organizations:
  - id: acme
    name: Acme
  - id: acme-eu
    name: Acme EU
    parent: acme
permissions:
  - code: doc:read
    description: Read any document
  - code: doc:edit
roles:
  - name: reader
    organization: acme
    permissions: [doc:read, doc:edit]
  - name: editor
    organization: acme
    description: standalone now
    permissions: [doc:edit]
`
	doc, err = Parse([]byte(updated))
	require.NoError(t, err)
	res, err := e.loader.Apply(ctx, doc)
	require.NoError(t, err)
	assert.Zero(t, res.Organizations)
	assert.Equal(t, 1, res.Permissions)
	assert.Equal(t, 2, res.RolesUpdated)
	assert.Zero(t, res.RolesCreated)

	roles, err := e.engine.ListRoles(ctx, "acme")
	require.NoError(t, err)
	for _, r := range roles {
		switch r.Name {
		case "editor":
			assert.False(t, r.HasParent())
			assert.Equal(t, "standalone now", r.Description)
			assert.Equal(t, 2, r.Version)
		case "reader":
			assert.ElementsMatch(t, []string{"doc:read", "doc:edit"}, r.Permissions)
		}
	}

	// alice's grant survives; editor no longer inherits doc:read
	d, err := e.engine.CheckPermission(ctx, "alice", "acme-eu", "doc:read")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

const moveYAML = `
organizations:
  - {id: acme, name: Acme}
  - {id: other, name: Other}
  - {id: acme-eu, name: Acme EU, parent: acme}
principals:
  - {id: alice, username: alice}
  - {id: bob, username: bob}
permissions:
  - code: doc:edit
roles:
  - {name: editor, organization: acme, permissions: [doc:edit]}
grants:
  - {principal: alice, role: editor, organization: acme}
`

func TestApply_MovedOrganizationDropsCachedDecisions(t *testing.T) {
	e := newEnv(t, func(o *rbac.Options) {
		o.Cache = cache.NewLocalCache(100, time.Minute)
	})
	ctx := context.Background()
	doc, err := Parse([]byte(moveYAML))
	require.NoError(t, err)
	_, err = e.loader.Apply(ctx, doc)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		d, err := e.engine.CheckPermission(ctx, "alice", "acme-eu", "doc:edit")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	moved := strings.Replace(moveYAML, "{id: acme-eu, name: Acme EU, parent: acme}", "{id: acme-eu, name: Acme EU, parent: other}", 1)
	doc, err = Parse([]byte(moved))
	require.NoError(t, err)
	res, err := e.loader.Apply(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Organizations)

	d, err := e.engine.CheckPermission(ctx, "alice", "acme-eu", "doc:edit")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.False(t, d.FromCache)

	var records []*audit.Record
	for _, r := range e.sink.Records() {
		if r.EventType == audit.EventOrganizationMoved {
			records = append(records, r)
		}
	}
	require.Len(t, records, 1)
	assert.Equal(t, "system:bootstrap", records[0].ActorID)
	assert.Equal(t, "acme-eu", records[0].TargetID)
}

func TestApply_MoveStrandingGrantFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	seeded := moveYAML + "  - {principal: bob, role: editor, role_organization: acme, organization: acme-eu}\n"
	doc, err := Parse([]byte(seeded))
	require.NoError(t, err)
	_, err = e.loader.Apply(ctx, doc)
	require.NoError(t, err)

	moved := strings.Replace(seeded, "{id: acme-eu, name: Acme EU, parent: acme}", "{id: acme-eu, name: Acme EU}", 1)
	doc, err = Parse([]byte(moved))
	require.NoError(t, err)
	_, err = e.loader.Apply(ctx, doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, rbac.ErrScope)

	eu, err := e.orgs.Get(ctx, "acme-eu")
	require.NoError(t, err)
	assert.False(t, eu.IsRoot())
}

func TestApply_UnresolvedReferences(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing parent organization",
			yaml:    "organizations:\n  - {id: a, name: A, parent: nowhere}\n",
			wantErr: "parent nowhere does not exist",
		},
		{
			name: "missing parent role",
			yaml: "organizations:\n  - {id: a, name: A}\n" +
				"roles:\n  - {name: r, organization: a, parent: ghost}\n",
			wantErr: "parent role ghost does not exist",
		},
		{
			name: "grant of unknown role",
			yaml: "organizations:\n  - {id: a, name: A}\nprincipals:\n  - {id: p, username: p}\n" +
				"grants:\n  - {principal: p, role: ghost, organization: a}\n",
			wantErr: "role does not exist",
		},
		{
			name:    "role in unknown organization",
			yaml:    "roles:\n  - {name: r, organization: nowhere}\n",
			wantErr: "organization nowhere",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			doc, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			_, err = e.loader.Apply(context.Background(), doc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApply_GrantOutsideRoleScope(t *testing.T) {
	e := newEnv(t)
	doc, err := Parse([]byte(`
organizations:
  - {id: acme, name: Acme}
  - {id: other, name: Other}
principals:
  - {id: alice, username: alice}
permissions:
  - code: doc:read
roles:
  - {name: reader, organization: acme, permissions: [doc:read]}
grants:
  - {principal: alice, role: reader, role_organization: acme, organization: other}
`))
	require.NoError(t, err)

	_, err = e.loader.Apply(context.Background(), doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, rbac.ErrScope)
}
