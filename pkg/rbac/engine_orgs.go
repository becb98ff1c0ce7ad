package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
)

// MoveOrganization re-parents an organization, or makes it a root when
// parentID is nil or empty. The trees it leaves and joins are both locked.
// The move is rejected with a ScopeError when a live assignment inside the
// moved subtree would end up outside its role's organization. Every cached
// decision under the moved subtree is dropped after commit.
func (e *Engine) MoveOrganization(ctx context.Context, actor, organizationID string, parentID *string) error {
	manager, ok := e.orgs.(orgs.Manager)
	if !ok {
		return fmt.Errorf("%w: organization hierarchy is read-only", ErrInvalidArgument)
	}
	if parentID != nil && *parentID == "" {
		parentID = nil
	}

	m := mutation{
		name:       "MoveOrganization",
		actor:      actor,
		orgID:      organizationID,
		event:      audit.EventOrganizationMoved,
		targetType: audit.TargetOrganization,
		targetID:   organizationID,
	}
	if parentID != nil {
		m.lockOrgs = []string{*parentID}
	}

	var (
		moved     bool
		oldParent *string
	)
	err := e.mutate(ctx, m, func(ctx context.Context, w Writer, c *change) error {
		moved = false
		org, err := e.orgs.Get(ctx, organizationID)
		if err != nil {
			if errors.Is(err, orgs.ErrNotFound) {
				return notFound(KindOrganization, organizationID)
			}
			return err
		}
		if sameParent(org.ParentID, parentID) {
			return nil
		}
		oldParent = org.ParentID

		subtree, err := e.subtree(ctx, organizationID)
		if err != nil {
			return err
		}
		chain, err := e.orgChain(ctx, organizationID)
		if err != nil {
			return err
		}
		kept := make(map[string]struct{})
		if parentID != nil {
			newChain, err := e.orgChain(ctx, *parentID)
			if err != nil {
				return err
			}
			for _, id := range newChain {
				if id == organizationID {
					return fmt.Errorf("%w: %w: %s is inside the subtree of %s", ErrInvalidArgument, orgs.ErrInvalidParent, *parentID, organizationID)
				}
				kept[id] = struct{}{}
			}
		}
		if err := e.checkMoveScope(ctx, w, chain[1:], kept, subtree); err != nil {
			return err
		}

		before := audit.Snapshot(org)
		if err := manager.SetParent(ctx, organizationID, parentID); err != nil {
			if errors.Is(err, orgs.ErrInvalidParent) {
				return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
			}
			return err
		}
		moved = true

		next := *org
		next.ParentID = parentID
		rec := e.newRecord(audit.EventOrganizationMoved, audit.OutcomeSuccess, actor, organizationID, audit.TargetOrganization, organizationID)
		rec.Metadata = map[string]interface{}{
			"from_parent": parentLabel(oldParent),
			"to_parent":   parentLabel(parentID),
			"subtree":     len(subtree),
		}
		rec.Changes = &audit.Changes{Before: before, After: audit.Snapshot(&next)}
		c.record(rec)
		c.invalidate(cache.Scope{OrganizationIDs: subtree})
		return nil
	})
	if err != nil && moved {
		// The hierarchy may live outside the repository transaction; put
		// the organization back where it was.
		if restoreErr := manager.SetParent(context.WithoutCancel(ctx), organizationID, oldParent); restoreErr != nil {
			e.logger.WithError(restoreErr).WithField("organization_id", organizationID).Error("failed to restore organization parent after a rejected move")
		}
	}
	return err
}

// checkMoveScope rejects a move when an active assignment inside subtree
// belongs to a role defined at one of the ancestors being left behind.
func (e *Engine) checkMoveScope(ctx context.Context, r Reader, ancestors []string, kept map[string]struct{}, subtree []string) error {
	inside := make(map[string]struct{}, len(subtree))
	for _, id := range subtree {
		inside[id] = struct{}{}
	}
	now := e.now()
	for _, ancestor := range ancestors {
		if _, ok := kept[ancestor]; ok {
			continue
		}
		roles, err := r.ListRoles(ctx, ancestor)
		if err != nil {
			return err
		}
		for _, role := range roles {
			assignments, err := r.RoleAssignments(ctx, role.ID)
			if err != nil {
				return err
			}
			for _, a := range assignments {
				if _, ok := inside[a.OrganizationID]; !ok || !a.ActiveAt(now) {
					continue
				}
				return &ScopeError{
					RoleID:         role.ID,
					OrganizationID: a.OrganizationID,
					Reason:         fmt.Sprintf("assignment %s would fall outside organization %s", a.ID, role.OrganizationID),
				}
			}
		}
	}
	return nil
}

func sameParent(a, b *string) bool {
	return parentLabel(a) == parentLabel(b)
}

func parentLabel(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
