package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/orgs"
)

// SystemExpiryActor is recorded as the revoker of assignments stamped by the
// expiry sweep.
const SystemExpiryActor = "system:expiry"

// activeAssignments returns the principal's assignments that apply at the
// first organization of chain. chain is that organization followed by its
// ancestors; an assignment anywhere on it applies downward.
func activeAssignments(ctx context.Context, r Reader, principalID string, chain []string, now time.Time) ([]*Assignment, error) {
	all, err := r.PrincipalAssignments(ctx, principalID)
	if err != nil {
		return nil, err
	}

	onChain := make(map[string]struct{}, len(chain))
	for _, id := range chain {
		onChain[id] = struct{}{}
	}

	var active []*Assignment
	for _, a := range all {
		if _, ok := onChain[a.OrganizationID]; !ok {
			continue
		}
		if a.ActiveAt(now) {
			active = append(active, a)
		}
	}
	return active, nil
}

// checkGrantScope verifies that organizationID is the role's organization
// or lies below it.
func checkGrantScope(ctx context.Context, h orgs.Hierarchy, role *Role, organizationID string) error {
	within, err := orgs.IsWithin(ctx, h, role.OrganizationID, organizationID)
	if err != nil {
		return err
	}
	if !within {
		return &ScopeError{
			RoleID:         role.ID,
			OrganizationID: organizationID,
			Reason:         fmt.Sprintf("organization is outside the subtree of %s", role.OrganizationID),
		}
	}
	return nil
}

// revocationOrder returns the unrevoked delegates of a, depth first and
// deepest first, followed by a itself.
func revocationOrder(ctx context.Context, r Reader, a *Assignment) ([]*Assignment, error) {
	var out []*Assignment
	seen := make(map[string]struct{})

	var visit func(a *Assignment, depth int) error
	visit = func(a *Assignment, depth int) error {
		if depth > MaxRoleDepth {
			return fmt.Errorf("delegation chain of %s exceeds %d", a.ID, MaxRoleDepth)
		}
		if _, ok := seen[a.ID]; ok {
			return nil
		}
		seen[a.ID] = struct{}{}

		delegates, err := r.Delegates(ctx, a.ID)
		if err != nil {
			return err
		}
		for _, d := range delegates {
			if err := visit(d, depth+1); err != nil {
				return err
			}
		}
		out = append(out, a)
		return nil
	}

	if err := visit(a, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// clipExpiry returns the earlier of two optional expiries
func clipExpiry(requested, limit *time.Time) *time.Time {
	switch {
	case limit == nil:
		return requested
	case requested == nil || limit.Before(*requested):
		t := *limit
		return &t
	default:
		return requested
	}
}
