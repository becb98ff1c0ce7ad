package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	c := NewRedisCache(client, "test:", time.Minute)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestRedisCache_FillAndGet(t *testing.T) {
	ctx := context.Background()
	c, mr := setupRedis(t)
	key := Key{PrincipalID: "alice", OrganizationID: "acme", Permission: "document:read"}

	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	epoch, err := c.Epoch(ctx)
	require.NoError(t, err)
	assert.Zero(t, epoch)

	stored, err := c.Fill(ctx, key, &Entry{Allowed: true, Reason: "granted"}, 30*time.Second, epoch)
	require.NoError(t, err)
	require.True(t, stored)

	entry, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Allowed)
	assert.Equal(t, "granted", entry.Reason)

	ttl := mr.TTL("test:decision:acme:alice:document:read")
	assert.Equal(t, 30*time.Second, ttl)

	mr.FastForward(31 * time.Second)
	_, ok, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_StaleFillRejected(t *testing.T) {
	ctx := context.Background()
	c, _ := setupRedis(t)
	key := Key{PrincipalID: "alice", OrganizationID: "acme", Permission: "document:read"}

	epoch, err := c.Epoch(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, Scope{PrincipalID: "alice", OrganizationIDs: []string{"acme"}}))

	newEpoch, err := c.Epoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, epoch+1, newEpoch)

	stored, err := c.Fill(ctx, key, &Entry{Allowed: true}, time.Minute, epoch)
	require.NoError(t, err)
	assert.False(t, stored)

	stored, err = c.Fill(ctx, key, &Entry{Allowed: true}, time.Minute, newEpoch)
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestRedisCache_InvalidateScope(t *testing.T) {
	ctx := context.Background()
	c, mr := setupRedis(t)

	keys := []Key{
		{PrincipalID: "alice", OrganizationID: "acme", Permission: "p"},
		{PrincipalID: "alice", OrganizationID: "eng", Permission: "p"},
		{PrincipalID: "bob", OrganizationID: "eng", Permission: "p"},
		{PrincipalID: "bob", OrganizationID: "other", Permission: "p"},
	}
	fill := func() {
		epoch, err := c.Epoch(ctx)
		require.NoError(t, err)
		for _, k := range keys {
			stored, err := c.Fill(ctx, k, &Entry{Allowed: true}, time.Minute, epoch)
			require.NoError(t, err)
			require.True(t, stored)
		}
	}

	fill()
	require.NoError(t, c.Invalidate(ctx, Scope{PrincipalID: "alice"}))
	assert.False(t, mr.Exists("test:decision:acme:alice:p"))
	assert.False(t, mr.Exists("test:decision:eng:alice:p"))
	assert.True(t, mr.Exists("test:decision:eng:bob:p"))

	fill()
	require.NoError(t, c.Invalidate(ctx, Scope{OrganizationIDs: []string{"eng"}}))
	assert.True(t, mr.Exists("test:decision:acme:alice:p"))
	assert.False(t, mr.Exists("test:decision:eng:bob:p"))
	assert.True(t, mr.Exists("test:decision:other:bob:p"))

	require.NoError(t, c.Clear(ctx))
	assert.False(t, mr.Exists("test:decision:other:bob:p"))
	assert.True(t, mr.Exists("test:epoch"))
}

func TestRedisCache_ErrorsWhenUnavailable(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client, err := NewRedisClient(RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	c := NewRedisCache(client, "", time.Minute)
	defer c.Close()
	mr.Close()

	_, _, err = c.Get(ctx, Key{PrincipalID: "a", OrganizationID: "o", Permission: "p"})
	assert.Error(t, err)
	_, err = c.Epoch(ctx)
	assert.Error(t, err)
	assert.Error(t, c.Invalidate(ctx, Scope{}))
}

func TestNewRedisClientInvalidURL(t *testing.T) {
	_, err := NewRedisClient(RedisConfig{URL: "://bad"})
	assert.Error(t, err)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `a\*b\?c\[d\]`, escapeGlob("a*b?c[d]"))
}
