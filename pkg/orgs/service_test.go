package orgs

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *SQLHierarchy {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "orgs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := NewSQLHierarchy(db)
	require.NoError(t, h.EnsureSchema(context.Background()))
	return h
}

func TestSQLHierarchy(t *testing.T) {
	h := setupTestDB(t)
	ctx := context.Background()

	acme := "acme"
	eng := "eng"
	require.NoError(t, h.CreateOrganization(ctx, &Organization{ID: "acme", Name: "Acme"}))
	require.NoError(t, h.CreateOrganization(ctx, &Organization{ID: "eng", Name: "Engineering", ParentID: &acme}))
	require.NoError(t, h.CreateOrganization(ctx, &Organization{ID: "team-a", Name: "Team A", ParentID: &eng}))

	org, err := h.Get(ctx, "team-a")
	require.NoError(t, err)
	require.NotNil(t, org.ParentID)
	assert.Equal(t, "eng", *org.ParentID)

	desc, err := h.Descendants(ctx, "acme")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"eng", "team-a"}, desc)

	chain, err := Ancestors(ctx, h, "team-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a", "eng", "acme"}, chain)

	_, err = h.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	teamA := "team-a"
	err = h.SetParent(ctx, "acme", &teamA)
	assert.ErrorIs(t, err, ErrInvalidParent)

	all, err := h.ListOrganizations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
