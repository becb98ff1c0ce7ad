package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReappliesOnChange(t *testing.T) {
	e := newEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	_, err = e.loader.Apply(context.Background(), doc)
	require.NoError(t, err)

	w, err := NewWatcher(path, e.loader, nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	results := make(chan error, 8)
	w.applied = func(_ *Result, err error) { results <- err }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))

	updated := seedYAML + "  - principal: alice\n    role: reader\n    organization: acme\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case err := <-results:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload the seed file")
	}

	d, err := e.engine.CheckPermission(context.Background(), "alice", "acme", "doc:read")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestWatcher_BadFileKeepsState(t *testing.T) {
	e := newEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o644))

	w, err := NewWatcher(path, e.loader, nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	results := make(chan error, 8)
	w.applied = func(_ *Result, err error) { results <- err }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})

	require.NoError(t, os.WriteFile(path, []byte("roles: ["), 0o644))
	select {
	case err := <-results:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not attempt a reload")
	}

	roles, err := e.engine.ListRoles(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, roles)
}

func TestNewWatcher_MissingDirectory(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope", "seed.yaml"), &Loader{}, nil)
	require.Error(t, err)
}
