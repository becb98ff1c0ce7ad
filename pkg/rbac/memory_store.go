package rbac

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryRepository keeps everything in process memory. Readers work on an
// immutable snapshot; an update works on a private copy that replaces the
// snapshot only when the update succeeds, so a failed update leaves no trace.
type MemoryRepository struct {
	writeMu sync.Mutex
	state   atomic.Pointer[memoryState]
}

type memoryState struct {
	permissions map[string]*Permission // by code
	roles       map[string]*Role
	assignments map[string]*Assignment
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	r := &MemoryRepository{}
	r.state.Store(&memoryState{
		permissions: make(map[string]*Permission),
		roles:       make(map[string]*Role),
		assignments: make(map[string]*Assignment),
	})
	return r
}

// View runs fn on the current snapshot
func (r *MemoryRepository) View(ctx context.Context, fn func(ctx context.Context, r Reader) error) error {
	return fn(ctx, r.state.Load())
}

// Update runs fn on a copy and publishes it when fn succeeds
func (r *MemoryRepository) Update(ctx context.Context, lockKeys []string, fn func(ctx context.Context, w Writer) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	staged := r.state.Load().clone()
	if err := fn(ctx, staged); err != nil {
		return err
	}
	r.state.Store(staged)
	return nil
}

// Close is a no-op
func (r *MemoryRepository) Close() error {
	return nil
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		permissions: make(map[string]*Permission, len(s.permissions)),
		roles:       make(map[string]*Role, len(s.roles)),
		assignments: make(map[string]*Assignment, len(s.assignments)),
	}
	for k, v := range s.permissions {
		p := *v
		out.permissions[k] = &p
	}
	for k, v := range s.roles {
		out.roles[k] = v.Clone()
	}
	for k, v := range s.assignments {
		out.assignments[k] = v.Clone()
	}
	return out
}

func (s *memoryState) GetPermission(ctx context.Context, code string) (*Permission, error) {
	p, ok := s.permissions[code]
	if !ok {
		return nil, notFound(KindPermission, code)
	}
	out := *p
	return &out, nil
}

func (s *memoryState) ListPermissions(ctx context.Context) ([]*Permission, error) {
	out := make([]*Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *memoryState) GetRole(ctx context.Context, id string) (*Role, error) {
	role, ok := s.roles[id]
	if !ok {
		return nil, notFound(KindRole, id)
	}
	return role.Clone(), nil
}

func (s *memoryState) ListRoles(ctx context.Context, organizationID string) ([]*Role, error) {
	var out []*Role
	for _, role := range s.roles {
		if organizationID == "" || role.OrganizationID == organizationID {
			out = append(out, role.Clone())
		}
	}
	sortRoles(out)
	return out, nil
}

func (s *memoryState) ChildRoles(ctx context.Context, roleID string) ([]*Role, error) {
	var out []*Role
	for _, role := range s.roles {
		if role.HasParent() && *role.ParentRoleID == roleID {
			out = append(out, role.Clone())
		}
	}
	sortRoles(out)
	return out, nil
}

func (s *memoryState) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	a, ok := s.assignments[id]
	if !ok {
		return nil, notFound(KindAssignment, id)
	}
	return a.Clone(), nil
}

func (s *memoryState) filterAssignments(keep func(a *Assignment) bool) []*Assignment {
	var out []*Assignment
	for _, a := range s.assignments {
		if !a.Revoked() && keep(a) {
			out = append(out, a.Clone())
		}
	}
	sortAssignments(out)
	return out
}

func (s *memoryState) PrincipalAssignments(ctx context.Context, principalID string) ([]*Assignment, error) {
	return s.filterAssignments(func(a *Assignment) bool { return a.PrincipalID == principalID }), nil
}

func (s *memoryState) RoleAssignments(ctx context.Context, roleID string) ([]*Assignment, error) {
	return s.filterAssignments(func(a *Assignment) bool { return a.RoleID == roleID }), nil
}

func (s *memoryState) Delegates(ctx context.Context, assignmentID string) ([]*Assignment, error) {
	return s.filterAssignments(func(a *Assignment) bool {
		return a.DelegatedFrom != nil && *a.DelegatedFrom == assignmentID
	}), nil
}

func (s *memoryState) ExpiringAssignments(ctx context.Context, t time.Time) ([]*Assignment, error) {
	return s.filterAssignments(func(a *Assignment) bool { return a.Expired(t) }), nil
}

func (s *memoryState) InsertPermission(ctx context.Context, p *Permission) error {
	if _, exists := s.permissions[p.Code]; exists {
		return &ConflictError{Kind: KindPermission, ID: p.Code, Reason: "code already registered"}
	}
	c := *p
	s.permissions[p.Code] = &c
	return nil
}

func (s *memoryState) UpdatePermission(ctx context.Context, p *Permission) error {
	if _, exists := s.permissions[p.Code]; !exists {
		return notFound(KindPermission, p.Code)
	}
	c := *p
	s.permissions[p.Code] = &c
	return nil
}

func (s *memoryState) InsertRole(ctx context.Context, r *Role) error {
	if _, exists := s.roles[r.ID]; exists {
		return &ConflictError{Kind: KindRole, ID: r.ID, Reason: "id already exists"}
	}
	for _, existing := range s.roles {
		if existing.OrganizationID == r.OrganizationID && existing.Name == r.Name {
			return &ConflictError{Kind: KindRole, ID: r.Name, Reason: "name already used in organization"}
		}
	}
	s.roles[r.ID] = r.Clone()
	return nil
}

func (s *memoryState) UpdateRole(ctx context.Context, r *Role) error {
	stored, ok := s.roles[r.ID]
	if !ok {
		return notFound(KindRole, r.ID)
	}
	if stored.Version != r.Version {
		return &ConflictError{Kind: KindRole, ID: r.ID, Reason: "role was modified concurrently"}
	}
	for _, existing := range s.roles {
		if existing.ID != r.ID && existing.OrganizationID == r.OrganizationID && existing.Name == r.Name {
			return &ConflictError{Kind: KindRole, ID: r.Name, Reason: "name already used in organization"}
		}
	}
	r.Version++
	s.roles[r.ID] = r.Clone()
	return nil
}

func (s *memoryState) DeleteRole(ctx context.Context, id string) error {
	if _, ok := s.roles[id]; !ok {
		return notFound(KindRole, id)
	}
	delete(s.roles, id)
	return nil
}

func (s *memoryState) InsertAssignment(ctx context.Context, a *Assignment) error {
	if _, exists := s.assignments[a.ID]; exists {
		return &ConflictError{Kind: KindAssignment, ID: a.ID, Reason: "id already exists"}
	}
	s.assignments[a.ID] = a.Clone()
	return nil
}

func (s *memoryState) MarkRevoked(ctx context.Context, id string, at time.Time, by string) error {
	a, ok := s.assignments[id]
	if !ok {
		return notFound(KindAssignment, id)
	}
	if a.Revoked() {
		return nil
	}
	t := at
	a.RevokedAt = &t
	a.RevokedBy = by
	return nil
}

func sortRoles(roles []*Role) {
	sort.Slice(roles, func(i, j int) bool {
		if roles[i].OrganizationID != roles[j].OrganizationID {
			return roles[i].OrganizationID < roles[j].OrganizationID
		}
		return roles[i].Name < roles[j].Name
	})
}

func sortAssignments(as []*Assignment) {
	sort.Slice(as, func(i, j int) bool {
		if !as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CreatedAt.Before(as[j].CreatedAt)
		}
		return as[i].ID < as[j].ID
	})
}
