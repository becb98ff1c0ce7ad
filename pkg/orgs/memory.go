package orgs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryHierarchy is an in-process organization tree
type MemoryHierarchy struct {
	mu       sync.RWMutex
	orgs     map[string]*Organization
	children map[string][]string
}

// NewMemoryHierarchy creates an empty tree
func NewMemoryHierarchy() *MemoryHierarchy {
	return &MemoryHierarchy{
		orgs:     make(map[string]*Organization),
		children: make(map[string][]string),
	}
}

// Add is a shorthand for CreateOrganization with a background context.
// An empty parentID creates a root.
func (m *MemoryHierarchy) Add(id, name, parentID string) error {
	org := &Organization{ID: id, Name: name}
	if parentID != "" {
		org.ParentID = &parentID
	}
	return m.CreateOrganization(context.Background(), org)
}

// CreateOrganization inserts a new organization under an existing parent
func (m *MemoryHierarchy) CreateOrganization(ctx context.Context, org *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if org.ID == "" {
		return fmt.Errorf("organization id is required")
	}
	if _, exists := m.orgs[org.ID]; exists {
		return fmt.Errorf("organization %s already exists", org.ID)
	}
	if !org.IsRoot() {
		if _, ok := m.orgs[*org.ParentID]; !ok {
			return fmt.Errorf("parent %s: %w", *org.ParentID, ErrNotFound)
		}
	}

	now := time.Now().UTC()
	stored := *org
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.orgs[org.ID] = &stored
	if !org.IsRoot() {
		m.children[*org.ParentID] = append(m.children[*org.ParentID], org.ID)
	}

	org.CreatedAt = now
	org.UpdatedAt = now
	return nil
}

// Get returns a copy of the organization
func (m *MemoryHierarchy) Get(ctx context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	org, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *org
	return &out, nil
}

// Descendants walks the children index breadth first
func (m *MemoryHierarchy) Descendants(ctx context.Context, id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.orgs[id]; !ok {
		return nil, ErrNotFound
	}

	var out []string
	seen := map[string]struct{}{id: {}}
	queue := append([]string(nil), m.children[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := seen[next]; ok {
			return nil, fmt.Errorf("%w: cycle through %s", ErrHierarchyCorrupt, next)
		}
		seen[next] = struct{}{}
		out = append(out, next)
		queue = append(queue, m.children[next]...)
	}
	return out, nil
}

// SetParent moves id under parentID, or makes it a root when parentID is nil
func (m *MemoryHierarchy) SetParent(ctx context.Context, id string, parentID *string) error {
	if parentID != nil && *parentID != "" {
		within, err := IsWithin(ctx, m, id, *parentID)
		if err != nil {
			return err
		}
		if within {
			return fmt.Errorf("%w: %s is inside the subtree of %s", ErrInvalidParent, *parentID, id)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	org, ok := m.orgs[id]
	if !ok {
		return ErrNotFound
	}
	if !org.IsRoot() {
		m.children[*org.ParentID] = removeID(m.children[*org.ParentID], id)
	}
	if parentID == nil || *parentID == "" {
		org.ParentID = nil
	} else {
		p := *parentID
		org.ParentID = &p
		m.children[p] = append(m.children[p], id)
	}
	org.UpdatedAt = time.Now().UTC()
	return nil
}

// ListOrganizations returns every organization ordered by id
func (m *MemoryHierarchy) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Organization, 0, len(m.orgs))
	for _, org := range m.orgs {
		o := *org
		out = append(out, &o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
