package rbac

import (
	"context"
	"errors"
	"fmt"
)

// MaxRoleDepth bounds every walk up a role's parent chain. A stored chain
// deeper than this can only come from corruption, since every parent link
// is cycle-checked when written.
const MaxRoleDepth = 256

// ErrRoleGraphCorrupt is returned when a stored parent chain loops or is
// deeper than MaxRoleDepth.
var ErrRoleGraphCorrupt = errors.New("role graph is corrupt")

// roleChain returns the role followed by its ancestors. A dangling parent
// pointer ends the chain.
func roleChain(ctx context.Context, r Reader, roleID string) ([]*Role, error) {
	role, err := r.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}

	chain := []*Role{role}
	seen := map[string]struct{}{role.ID: {}}
	for role.HasParent() {
		if len(chain) >= MaxRoleDepth {
			return nil, fmt.Errorf("%w: chain of %s exceeds %d roles", ErrRoleGraphCorrupt, roleID, MaxRoleDepth)
		}
		parentID := *role.ParentRoleID
		if _, ok := seen[parentID]; ok {
			return nil, fmt.Errorf("%w: cycle through %s", ErrRoleGraphCorrupt, parentID)
		}

		parent, err := r.GetRole(ctx, parentID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		seen[parentID] = struct{}{}
		chain = append(chain, parent)
		role = parent
	}
	return chain, nil
}

// effectivePermissions unions the direct permissions along the parent chain
func effectivePermissions(ctx context.Context, r Reader, roleID string) (PermissionSet, error) {
	chain, err := roleChain(ctx, r, roleID)
	if err != nil {
		return nil, err
	}
	set := make(PermissionSet)
	for _, role := range chain {
		set.Add(role.Permissions...)
	}
	return set, nil
}

// validateParent checks that role may inherit from parentID. role.ID may
// be a fresh id not yet stored.
func validateParent(ctx context.Context, r Reader, role *Role, parentID string) error {
	if parentID == role.ID {
		return &CycleError{RoleID: role.ID, Path: []string{role.ID, role.ID}}
	}

	parent, err := r.GetRole(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.OrganizationID != role.OrganizationID {
		return &ScopeError{
			RoleID:         role.ID,
			OrganizationID: role.OrganizationID,
			Reason:         fmt.Sprintf("parent role %s belongs to organization %s", parentID, parent.OrganizationID),
		}
	}

	chain, err := roleChain(ctx, r, parentID)
	if err != nil {
		return err
	}
	path := []string{role.ID}
	for _, ancestor := range chain {
		path = append(path, ancestor.ID)
		if ancestor.ID == role.ID {
			return &CycleError{RoleID: role.ID, Path: path}
		}
	}
	return nil
}

// validatePermissions checks that every code is registered
func validatePermissions(ctx context.Context, r Reader, codes []string) error {
	for _, code := range codes {
		if _, err := r.GetPermission(ctx, code); err != nil {
			return err
		}
	}
	return nil
}
