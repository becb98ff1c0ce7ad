package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Key identifies a cached decision
type Key struct {
	PrincipalID    string
	OrganizationID string
	Permission     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.OrganizationID, k.PrincipalID, k.Permission)
}

// Entry is a cached decision
type Entry struct {
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason"`
	MatchedRoles []string  `json:"matched_roles,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Scope selects the entries removed by Invalidate. An empty PrincipalID
// matches every principal; an empty OrganizationIDs matches every
// organization. The zero Scope therefore clears the cache.
type Scope struct {
	PrincipalID     string
	OrganizationIDs []string
}

// Matches reports whether key falls inside the scope
func (s Scope) Matches(k Key) bool {
	if s.PrincipalID != "" && s.PrincipalID != k.PrincipalID {
		return false
	}
	if len(s.OrganizationIDs) == 0 {
		return true
	}
	for _, org := range s.OrganizationIDs {
		if org == k.OrganizationID {
			return true
		}
	}
	return false
}

// DecisionCache stores access decisions between mutations.
//
// Every invalidation advances an epoch. A caller reads the epoch before it
// starts evaluating and passes it to Fill; Fill stores nothing when an
// invalidation happened in between, so a decision computed against data that
// a concurrent mutation has since changed never lands in the cache.
type DecisionCache interface {
	Get(ctx context.Context, key Key) (*Entry, bool, error)
	Epoch(ctx context.Context) (uint64, error)
	Fill(ctx context.Context, key Key, entry *Entry, ttl time.Duration, epoch uint64) (bool, error)
	Invalidate(ctx context.Context, scope Scope) error
	Clear(ctx context.Context) error
	Stats() Stats
	Close() error
}

// Stats counts cache activity since creation
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Fills         uint64 `json:"fills"`
	StaleRejected uint64 `json:"stale_rejected"`
	Invalidations uint64 `json:"invalidations"`
}

type counters struct {
	hits, misses, fills, stale, invalidations atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Fills:         c.fills.Load(),
		StaleRejected: c.stale.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Noop never stores anything
type Noop struct{}

// NewNoop returns a cache that always misses
func NewNoop() *Noop { return &Noop{} }

func (Noop) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	return nil, false, nil
}

func (Noop) Epoch(ctx context.Context) (uint64, error) {
	return 0, nil
}

func (Noop) Fill(ctx context.Context, key Key, entry *Entry, ttl time.Duration, epoch uint64) (bool, error) {
	return false, nil
}

func (Noop) Invalidate(ctx context.Context, scope Scope) error {
	return nil
}

func (Noop) Clear(ctx context.Context) error {
	return nil
}

func (Noop) Stats() Stats {
	return Stats{}
}

func (Noop) Close() error {
	return nil
}
