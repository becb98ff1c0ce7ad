package rbac

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultLockTimeout bounds the wait for an organization lock when the
// caller's context carries no deadline.
const DefaultLockTimeout = 10 * time.Second

// permissionsLockKey serializes permission registry mutations, which are
// not tied to any organization tree.
const permissionsLockKey = "__permissions__"

// treeLocks hands out one weighted semaphore per organization tree root.
// Entries are never removed; the number of roots is small and stable.
type treeLocks struct {
	mu      sync.Mutex
	sems    map[string]*semaphore.Weighted
	timeout time.Duration
}

func newTreeLocks(timeout time.Duration) *treeLocks {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &treeLocks{
		sems:    make(map[string]*semaphore.Weighted),
		timeout: timeout,
	}
}

func (l *treeLocks) sem(key string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sems[key]
	if !ok {
		s = semaphore.NewWeighted(1)
		l.sems[key] = s
	}
	return s
}

// acquire blocks until the lock for key is held or the wait times out. The
// returned function releases it.
func (l *treeLocks) acquire(ctx context.Context, key string) (func(), error) {
	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	s := l.sem(key)
	if err := s.Acquire(waitCtx, 1); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	return func() { s.Release(1) }, nil
}

// acquireAll takes the locks for keys one by one in sorted order, so two
// mutations spanning the same trees queue instead of deadlocking.
func (l *treeLocks) acquireAll(ctx context.Context, keys []string) (func(), error) {
	var held []func()
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, key := range sortedKeys(keys) {
		release, err := l.acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, release)
	}
	return releaseAll, nil
}

// sortedKeys returns a sorted copy of keys without duplicates
func sortedKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
