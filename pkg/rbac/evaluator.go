package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Request is one access question put to the Evaluator
type Request struct {
	PrincipalID    string
	OrganizationID string
	Permission     string
}

// DenyRule can veto an allow the additive evaluation produced. granting
// lists the assignments whose roles carry the permission. Returning true
// turns the decision into a deny with the given reason.
//
// No rule is installed by default; permissions are purely additive.
type DenyRule func(ctx context.Context, req Request, granting []*Assignment) (deny bool, reason string)

// Evaluator answers access questions against a repository snapshot. It
// holds no state between calls.
type Evaluator struct {
	deny DenyRule
}

// NewEvaluator creates an evaluator. deny may be nil.
func NewEvaluator(deny DenyRule) *Evaluator {
	return &Evaluator{deny: deny}
}

// grant pairs an active assignment with its role's effective permissions
type grant struct {
	assignment  *Assignment
	role        *Role
	permissions PermissionSet
}

// resolve loads the effective permissions of every active assignment.
// Assignments whose role no longer exists grant nothing.
func (e *Evaluator) resolve(ctx context.Context, r Reader, principalID string, orgChain []string, now time.Time) ([]grant, error) {
	active, err := activeAssignments(ctx, r, principalID, orgChain, now)
	if err != nil {
		return nil, err
	}

	memo := make(map[string]PermissionSet)
	grants := make([]grant, 0, len(active))
	for _, a := range active {
		role, err := r.GetRole(ctx, a.RoleID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		perms, ok := memo[a.RoleID]
		if !ok {
			if perms, err = effectivePermissions(ctx, r, a.RoleID); err != nil {
				return nil, err
			}
			memo[a.RoleID] = perms
		}
		grants = append(grants, grant{assignment: a, role: role, permissions: perms})
	}
	return grants, nil
}

// Evaluate decides req. orgChain is the target organization followed by its
// ancestors. Unknown permission codes and principals without assignments
// are denied, never errors.
func (e *Evaluator) Evaluate(ctx context.Context, r Reader, req Request, orgChain []string, now time.Time) (*Decision, error) {
	decision := &Decision{
		PrincipalID:    req.PrincipalID,
		OrganizationID: req.OrganizationID,
		Permission:     req.Permission,
		CheckedAt:      now,
	}

	if _, err := r.GetPermission(ctx, req.Permission); err != nil {
		if errors.Is(err, ErrNotFound) {
			decision.Reason = fmt.Sprintf("permission %s is not registered", req.Permission)
			return decision, nil
		}
		return nil, err
	}

	grants, err := e.resolve(ctx, r, req.PrincipalID, orgChain, now)
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		decision.Reason = "no active assignments"
		return decision, nil
	}

	var granting []*Assignment
	roleNames := make(map[string]struct{})
	unbounded := false
	var latest time.Time
	for _, g := range grants {
		if !g.permissions.Has(req.Permission) {
			continue
		}
		granting = append(granting, g.assignment)
		roleNames[g.role.Name] = struct{}{}

		if g.assignment.ExpiresAt == nil {
			unbounded = true
		} else if g.assignment.ExpiresAt.After(latest) {
			latest = *g.assignment.ExpiresAt
		}
	}

	if len(granting) == 0 {
		decision.Reason = fmt.Sprintf("no active role grants %s", req.Permission)
		return decision, nil
	}

	if e.deny != nil {
		if deny, reason := e.deny(ctx, req, granting); deny {
			decision.Reason = reason
			return decision, nil
		}
	}

	decision.Allowed = true
	decision.MatchedRoles = make([]string, 0, len(roleNames))
	for name := range roleNames {
		decision.MatchedRoles = append(decision.MatchedRoles, name)
	}
	sort.Strings(decision.MatchedRoles)
	decision.Reason = "granted by " + strings.Join(decision.MatchedRoles, ", ")
	if !unbounded {
		decision.ValidUntil = &latest
	}
	return decision, nil
}

// Permissions returns every permission the principal holds at the first
// organization of orgChain.
func (e *Evaluator) Permissions(ctx context.Context, r Reader, principalID string, orgChain []string, now time.Time) (PermissionSet, error) {
	grants, err := e.resolve(ctx, r, principalID, orgChain, now)
	if err != nil {
		return nil, err
	}
	set := make(PermissionSet)
	for _, g := range grants {
		for code := range g.permissions {
			set.Add(code)
		}
	}
	return set, nil
}
