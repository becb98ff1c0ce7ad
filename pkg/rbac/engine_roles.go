package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
)

// RegisterPermission adds a permission code to the registry. Code may be
// left empty when ResourceType and Action are set.
func (e *Engine) RegisterPermission(ctx context.Context, actor string, p Permission) (*Permission, error) {
	code := strings.TrimSpace(p.Code)
	if code == "" {
		code = PermissionCode(strings.TrimSpace(p.ResourceType), strings.TrimSpace(p.Action))
	}
	resourceType, action, err := ParsePermissionCode(code)
	if err != nil {
		return nil, err
	}
	if (p.ResourceType != "" && p.ResourceType != resourceType) || (p.Action != "" && p.Action != action) {
		return nil, fmt.Errorf("%w: code %s does not match resource type %q and action %q", ErrInvalidArgument, code, p.ResourceType, p.Action)
	}

	now := e.now()
	perm := &Permission{
		ID:           uuid.NewString(),
		Code:         code,
		ResourceType: resourceType,
		Action:       action,
		Description:  p.Description,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m := mutation{
		name:       "RegisterPermission",
		actor:      actor,
		event:      audit.EventPermissionRegistered,
		targetType: audit.TargetPermission,
		targetID:   code,
	}
	err = e.mutate(ctx, m, func(ctx context.Context, w Writer, c *change) error {
		if existing, err := w.GetPermission(ctx, code); err == nil {
			return &ConflictError{Kind: KindPermission, ID: existing.Code, Reason: "already registered"}
		}
		if err := w.InsertPermission(ctx, perm); err != nil {
			return err
		}

		rec := e.newRecord(audit.EventPermissionRegistered, audit.OutcomeSuccess, actor, "", audit.TargetPermission, code)
		rec.Changes = &audit.Changes{After: audit.Snapshot(perm)}
		c.record(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return perm, nil
}

// UpdatePermissionDescription edits the only mutable field of a permission
func (e *Engine) UpdatePermissionDescription(ctx context.Context, actor, code, description string) (*Permission, error) {
	var updated *Permission
	m := mutation{
		name:       "UpdatePermissionDescription",
		actor:      actor,
		event:      audit.EventPermissionUpdated,
		targetType: audit.TargetPermission,
		targetID:   code,
	}
	err := e.mutate(ctx, m, func(ctx context.Context, w Writer, c *change) error {
		perm, err := w.GetPermission(ctx, code)
		if err != nil {
			return err
		}
		before := audit.Snapshot(perm)

		next := *perm
		next.Description = description
		next.UpdatedAt = e.now()
		if err := w.UpdatePermission(ctx, &next); err != nil {
			return err
		}
		updated = &next

		rec := e.newRecord(audit.EventPermissionUpdated, audit.OutcomeSuccess, actor, "", audit.TargetPermission, code)
		rec.Changes = &audit.Changes{Before: before, After: audit.Snapshot(updated)}
		c.record(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListPermissions returns the registry ordered by code
func (e *Engine) ListPermissions(ctx context.Context) ([]*Permission, error) {
	var out []*Permission
	err := e.repo.View(ctx, func(ctx context.Context, r Reader) error {
		var err error
		out, err = r.ListPermissions(ctx)
		return err
	})
	return out, err
}

// CreateRole adds a role to an organization. Every permission code must be
// registered and the parent, if any, must belong to the same organization.
func (e *Engine) CreateRole(ctx context.Context, actor string, spec RoleSpec) (*Role, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidArgument)
	}

	now := e.now()
	role := &Role{
		ID:             uuid.NewString(),
		Name:           name,
		Description:    spec.Description,
		OrganizationID: spec.OrganizationID,
		Permissions:    normalizeCodes(spec.Permissions),
		Version:        1,
		CreatedBy:      actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if spec.ParentRoleID != "" {
		parent := spec.ParentRoleID
		role.ParentRoleID = &parent
	}

	m := mutation{
		name:       "CreateRole",
		actor:      actor,
		orgID:      spec.OrganizationID,
		event:      audit.EventRoleCreated,
		targetType: audit.TargetRole,
		targetID:   name,
	}
	err := e.mutate(ctx, m, func(ctx context.Context, w Writer, c *change) error {
		if err := validatePermissions(ctx, w, role.Permissions); err != nil {
			return err
		}
		if role.HasParent() {
			if err := validateParent(ctx, w, role, *role.ParentRoleID); err != nil {
				return err
			}
		}
		if err := w.InsertRole(ctx, role); err != nil {
			return err
		}

		rec := e.newRecord(audit.EventRoleCreated, audit.OutcomeSuccess, actor, role.OrganizationID, audit.TargetRole, role.ID)
		rec.Changes = &audit.Changes{After: audit.Snapshot(role)}
		c.record(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// roleOrganization looks up the owning organization of a role, which never
// changes, so the right tree can be locked before the update reads it again.
func (e *Engine) roleOrganization(ctx context.Context, roleID string) (string, error) {
	var orgID string
	err := e.repo.View(ctx, func(ctx context.Context, r Reader) error {
		role, err := r.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		orgID = role.OrganizationID
		return nil
	})
	return orgID, err
}

// roleScope invalidates every principal's decisions under the role's organization
func (e *Engine) roleScope(ctx context.Context, c *change, orgID string) error {
	ids, err := e.subtree(ctx, orgID)
	if err != nil {
		return err
	}
	c.invalidate(cache.Scope{OrganizationIDs: ids})
	return nil
}

// UpdateRole changes a role's name, description, parent or direct
// permissions. A nil Permissions slice leaves them alone; an empty non-nil
// slice removes them all.
func (e *Engine) UpdateRole(ctx context.Context, actor, roleID string, upd RoleUpdate) (*Role, error) {
	orgID, err := e.roleOrganization(ctx, roleID)
	if err != nil {
		return nil, err
	}

	var updated *Role
	m := mutation{
		name:       "UpdateRole",
		actor:      actor,
		orgID:      orgID,
		event:      audit.EventRoleUpdated,
		targetType: audit.TargetRole,
		targetID:   roleID,
	}
	err = e.mutate(ctx, m, func(ctx context.Context, w Writer, c *change) error {
		role, err := w.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		if upd.ExpectedVersion != 0 && upd.ExpectedVersion != role.Version {
			return &ConflictError{
				Kind:   KindRole,
				ID:     roleID,
				Reason: fmt.Sprintf("expected version %d, found %d", upd.ExpectedVersion, role.Version),
			}
		}
		before := audit.Snapshot(role)

		next := role.Clone()
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return fmt.Errorf("%w: role name is required", ErrInvalidArgument)
			}
			next.Name = name
		}
		if upd.Description != nil {
			next.Description = *upd.Description
		}
		if upd.ParentRoleID != nil {
			if *upd.ParentRoleID == "" {
				next.ParentRoleID = nil
			} else {
				if err := validateParent(ctx, w, next, *upd.ParentRoleID); err != nil {
					return err
				}
				parent := *upd.ParentRoleID
				next.ParentRoleID = &parent
			}
		}
		if upd.Permissions != nil {
			next.Permissions = normalizeCodes(upd.Permissions)
			if err := validatePermissions(ctx, w, next.Permissions); err != nil {
				return err
			}
		}
		next.UpdatedAt = e.now()

		if err := w.UpdateRole(ctx, next); err != nil {
			return err
		}
		updated = next

		rec := e.newRecord(audit.EventRoleUpdated, audit.OutcomeSuccess, actor, next.OrganizationID, audit.TargetRole, next.ID)
		rec.Changes = &audit.Changes{Before: before, After: audit.Snapshot(next)}
		c.record(rec)
		return e.roleScope(ctx, c, next.OrganizationID)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AssignPermissions adds codes to a role's direct permissions
func (e *Engine) AssignPermissions(ctx context.Context, actor, roleID string, codes []string) (*Role, error) {
	orgID, err := e.roleOrganization(ctx, roleID)
	if err != nil {
		return nil, err
	}
	codes = normalizeCodes(codes)
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: no permission codes given", ErrInvalidArgument)
	}

	var updated *Role
	m := mutation{
		name:       "AssignPermissions",
		actor:      actor,
		orgID:      orgID,
		event:      audit.EventPermissionAssigned,
		targetType: audit.TargetRole,
		targetID:   roleID,
	}
	err = e.mutate(ctx, m, func(ctx context.Context, w Writer, c *change) error {
		if err := validatePermissions(ctx, w, codes); err != nil {
			return err
		}
		role, err := w.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		before := audit.Snapshot(role)

		next := role.Clone()
		next.Permissions = normalizeCodes(append(next.Permissions, codes...))
		next.UpdatedAt = e.now()
		if err := w.UpdateRole(ctx, next); err != nil {
			return err
		}
		updated = next

		rec := e.newRecord(audit.EventPermissionAssigned, audit.OutcomeSuccess, actor, next.OrganizationID, audit.TargetRole, next.ID)
		rec.Metadata = map[string]interface{}{"permissions": codes}
		rec.Changes = &audit.Changes{Before: before, After: audit.Snapshot(next)}
		c.record(rec)
		return e.roleScope(ctx, c, next.OrganizationID)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRole removes a role. Live assignments or child roles block the
// deletion unless force is set; then children are re-parented to the
// role's parent, live assignments and their delegates are revoked, and the
// role is deleted, each step leaving its own audit record in that order.
func (e *Engine) DeleteRole(ctx context.Context, actor, roleID string, force bool) error {
	orgID, err := e.roleOrganization(ctx, roleID)
	if err != nil {
		return err
	}

	m := mutation{
		name:       "DeleteRole",
		actor:      actor,
		orgID:      orgID,
		event:      audit.EventRoleDeleted,
		targetType: audit.TargetRole,
		targetID:   roleID,
	}
	return e.mutate(ctx, m, func(ctx context.Context, w Writer, c *change) error {
		role, err := w.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		now := e.now()

		assigned, err := w.RoleAssignments(ctx, roleID)
		if err != nil {
			return err
		}
		var live []*Assignment
		for _, a := range assigned {
			if a.ActiveAt(now) {
				live = append(live, a)
			}
		}
		children, err := w.ChildRoles(ctx, roleID)
		if err != nil {
			return err
		}

		if (len(live) > 0 || len(children) > 0) && !force {
			return &RoleInUseError{RoleID: roleID, ActiveAssignments: len(live), ChildRoles: len(children)}
		}

		for _, child := range children {
			before := audit.Snapshot(child)
			next := child.Clone()
			next.ParentRoleID = nil
			if role.HasParent() {
				parent := *role.ParentRoleID
				next.ParentRoleID = &parent
			}
			next.UpdatedAt = now
			if err := w.UpdateRole(ctx, next); err != nil {
				return err
			}

			rec := e.newRecord(audit.EventRoleUpdated, audit.OutcomeSuccess, actor, next.OrganizationID, audit.TargetRole, next.ID)
			rec.Message = "re-parented after deletion of " + role.ID
			rec.Changes = &audit.Changes{Before: before, After: audit.Snapshot(next)}
			c.record(rec)
		}

		revoked := make(map[string]struct{})
		for _, a := range live {
			if err := e.revokeCascade(ctx, w, c, a, actor, now, revoked); err != nil {
				return err
			}
		}

		if err := w.DeleteRole(ctx, roleID); err != nil {
			return err
		}
		rec := e.newRecord(audit.EventRoleDeleted, audit.OutcomeSuccess, actor, role.OrganizationID, audit.TargetRole, role.ID)
		rec.Metadata = map[string]interface{}{
			"forced":              force,
			"revoked_assignments": len(revoked),
			"reparented_roles":    len(children),
		}
		rec.Changes = &audit.Changes{Before: audit.Snapshot(role)}
		c.record(rec)

		return e.roleScope(ctx, c, role.OrganizationID)
	})
}

// GetRole returns a role with its direct permissions
func (e *Engine) GetRole(ctx context.Context, roleID string) (*Role, error) {
	var role *Role
	err := e.repo.View(ctx, func(ctx context.Context, r Reader) error {
		var err error
		role, err = r.GetRole(ctx, roleID)
		return err
	})
	return role, err
}

// ListRoles returns the roles of an organization, or every role for ""
func (e *Engine) ListRoles(ctx context.Context, organizationID string) ([]*Role, error) {
	if organizationID != "" {
		if _, err := e.orgChain(ctx, organizationID); err != nil {
			return nil, err
		}
	}
	var roles []*Role
	err := e.repo.View(ctx, func(ctx context.Context, r Reader) error {
		var err error
		roles, err = r.ListRoles(ctx, organizationID)
		return err
	})
	return roles, err
}

// EffectivePermissions returns a role's direct permissions united with
// those of every ancestor role, sorted.
func (e *Engine) EffectivePermissions(ctx context.Context, roleID string) ([]string, error) {
	var set PermissionSet
	err := e.repo.View(ctx, func(ctx context.Context, r Reader) error {
		var err error
		set, err = effectivePermissions(ctx, r, roleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return set.Sorted(), nil
}
