package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/cache"
)

// principalScope invalidates one principal's decisions under orgID
func (e *Engine) principalScope(ctx context.Context, c *change, principalID, orgID string) error {
	ids, err := e.subtree(ctx, orgID)
	if err != nil {
		return err
	}
	c.invalidate(cache.Scope{PrincipalID: principalID, OrganizationIDs: ids})
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC().Truncate(time.Microsecond)
	return &u
}

// Grant assigns a role to a principal at an organization, which must be
// the role's organization or lie below it.
func (e *Engine) Grant(ctx context.Context, req GrantRequest) (*Assignment, error) {
	if err := e.requirePrincipal(ctx, req.PrincipalID); err != nil {
		return nil, err
	}
	now := e.now()
	expiresAt := utcPtr(req.ExpiresAt)
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry %s is not in the future", ErrInvalidArgument, expiresAt.Format(time.RFC3339))
	}

	a := &Assignment{
		ID:             uuid.NewString(),
		PrincipalID:    req.PrincipalID,
		RoleID:         req.RoleID,
		OrganizationID: req.OrganizationID,
		ExpiresAt:      expiresAt,
		AssignedBy:     req.AssignedBy,
		CreatedAt:      now,
	}

	m := mutation{
		name:       "Grant",
		actor:      req.AssignedBy,
		orgID:      req.OrganizationID,
		event:      audit.EventAssignmentGranted,
		targetType: audit.TargetAssignment,
		targetID:   a.ID,
	}
	err := e.mutate(ctx, m, func(ctx context.Context, w Writer, c *change) error {
		role, err := w.GetRole(ctx, req.RoleID)
		if err != nil {
			return err
		}
		if err := checkGrantScope(ctx, e.orgs, role, req.OrganizationID); err != nil {
			return err
		}
		if err := w.InsertAssignment(ctx, a); err != nil {
			return err
		}

		rec := e.newRecord(audit.EventAssignmentGranted, audit.OutcomeSuccess, req.AssignedBy, a.OrganizationID, audit.TargetAssignment, a.ID)
		rec.Metadata = map[string]interface{}{
			"principal_id": a.PrincipalID,
			"role_id":      a.RoleID,
		}
		rec.Changes = &audit.Changes{After: audit.Snapshot(a)}
		c.record(rec)
		return e.principalScope(ctx, c, a.PrincipalID, a.OrganizationID)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// assignmentOrganization finds the organization of an assignment so the
// right tree can be locked.
func (e *Engine) assignmentOrganization(ctx context.Context, id string) (string, error) {
	var orgID string
	err := e.repo.View(ctx, func(ctx context.Context, r Reader) error {
		a, err := r.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		orgID = a.OrganizationID
		return nil
	})
	return orgID, err
}

// Delegate lets the holder of an active assignment hand its role to
// another principal at the same organization or below. The delegate never
// outlives the source and is revoked with it.
func (e *Engine) Delegate(ctx context.Context, req DelegateRequest) (*Assignment, error) {
	sourceOrg, err := e.assignmentOrganization(ctx, req.SourceAssignmentID)
	if err != nil {
		return nil, err
	}
	if err := e.requirePrincipal(ctx, req.PrincipalID); err != nil {
		return nil, err
	}
	targetOrg := req.OrganizationID
	if targetOrg == "" {
		targetOrg = sourceOrg
	}

	now := e.now()
	a := &Assignment{
		ID:             uuid.NewString(),
		PrincipalID:    req.PrincipalID,
		OrganizationID: targetOrg,
		AssignedBy:     req.DelegatedBy,
		CreatedAt:      now,
	}
	source := req.SourceAssignmentID
	a.DelegatedFrom = &source

	m := mutation{
		name:       "Delegate",
		actor:      req.DelegatedBy,
		orgID:      sourceOrg,
		event:      audit.EventAssignmentGranted,
		targetType: audit.TargetAssignment,
		targetID:   a.ID,
	}
	err = e.mutate(ctx, m, func(ctx context.Context, w Writer, c *change) error {
		src, err := w.GetAssignment(ctx, req.SourceAssignmentID)
		if err != nil {
			return err
		}
		if !src.ActiveAt(now) {
			return &ConflictError{Kind: KindAssignment, ID: src.ID, Reason: "source assignment is not active"}
		}
		if req.DelegatedBy != src.PrincipalID {
			return &ScopeError{
				RoleID:         src.RoleID,
				OrganizationID: src.OrganizationID,
				Reason:         "only the holder of an assignment may delegate it",
			}
		}
		if req.PrincipalID == src.PrincipalID {
			return fmt.Errorf("%w: cannot delegate to the assignment holder", ErrInvalidArgument)
		}

		role, err := w.GetRole(ctx, src.RoleID)
		if err != nil {
			return err
		}
		srcScope := &Role{ID: role.ID, OrganizationID: src.OrganizationID}
		if err := checkGrantScope(ctx, e.orgs, srcScope, targetOrg); err != nil {
			return err
		}

		a.RoleID = src.RoleID
		a.ExpiresAt = clipExpiry(utcPtr(req.ExpiresAt), src.ExpiresAt)
		if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			return fmt.Errorf("%w: expiry is not in the future", ErrInvalidArgument)
		}
		if err := w.InsertAssignment(ctx, a); err != nil {
			return err
		}

		rec := e.newRecord(audit.EventAssignmentGranted, audit.OutcomeSuccess, req.DelegatedBy, a.OrganizationID, audit.TargetAssignment, a.ID)
		rec.Metadata = map[string]interface{}{
			"principal_id":   a.PrincipalID,
			"role_id":        a.RoleID,
			"delegated_from": src.ID,
		}
		rec.Changes = &audit.Changes{After: audit.Snapshot(a)}
		c.record(rec)
		return e.principalScope(ctx, c, a.PrincipalID, a.OrganizationID)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Revoke ends an assignment and every assignment delegated from it.
// Revoking an assignment that is already revoked or expired changes nothing
// and reports StatusAlreadyInactive.
func (e *Engine) Revoke(ctx context.Context, assignmentID, revokedBy string) (RevokeStatus, error) {
	orgID, err := e.assignmentOrganization(ctx, assignmentID)
	if err != nil {
		return "", err
	}

	var status RevokeStatus
	m := mutation{
		name:       "Revoke",
		actor:      revokedBy,
		orgID:      orgID,
		event:      audit.EventAssignmentRevoked,
		targetType: audit.TargetAssignment,
		targetID:   assignmentID,
	}
	err = e.mutate(ctx, m, func(ctx context.Context, w Writer, c *change) error {
		a, err := w.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		now := e.now()

		if !a.ActiveAt(now) {
			status = StatusAlreadyInactive
			rec := e.newRecord(audit.EventAssignmentRevoked, audit.OutcomeAlreadyInactive, revokedBy, a.OrganizationID, audit.TargetAssignment, a.ID)
			rec.Message = "assignment already inactive"
			c.record(rec)
			return nil
		}

		status = StatusRevoked
		return e.revokeCascade(ctx, w, c, a, revokedBy, now, make(map[string]struct{}))
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// revokeCascade stamps a and its delegates as revoked, delegates first.
// done collects the ids revoked so far and is used to skip repeats.
func (e *Engine) revokeCascade(ctx context.Context, w Writer, c *change, a *Assignment, actor string, now time.Time, done map[string]struct{}) error {
	order, err := revocationOrder(ctx, w, a)
	if err != nil {
		return err
	}

	for _, x := range order {
		if _, ok := done[x.ID]; ok {
			continue
		}
		before := audit.Snapshot(x)
		if err := w.MarkRevoked(ctx, x.ID, now, actor); err != nil {
			return err
		}
		done[x.ID] = struct{}{}

		after := x.Clone()
		after.RevokedAt = &now
		after.RevokedBy = actor

		rec := e.newRecord(audit.EventAssignmentRevoked, audit.OutcomeSuccess, actor, x.OrganizationID, audit.TargetAssignment, x.ID)
		rec.Metadata = map[string]interface{}{
			"principal_id": x.PrincipalID,
			"role_id":      x.RoleID,
		}
		if x.ID != a.ID {
			rec.Metadata["cascade_from"] = a.ID
		}
		rec.Changes = &audit.Changes{Before: before, After: audit.Snapshot(after)}
		c.record(rec)

		if err := e.principalScope(ctx, c, x.PrincipalID, x.OrganizationID); err != nil {
			return err
		}
	}
	return nil
}

// GetAssignment returns an assignment, active or not
func (e *Engine) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	var a *Assignment
	err := e.repo.View(ctx, func(ctx context.Context, r Reader) error {
		var err error
		a, err = r.GetAssignment(ctx, id)
		return err
	})
	return a, err
}

// ActiveAssignments returns the principal's assignments that apply at the
// organization, including those made at its ancestors.
func (e *Engine) ActiveAssignments(ctx context.Context, principalID, organizationID string) ([]*Assignment, error) {
	if err := e.requirePrincipal(ctx, principalID); err != nil {
		return nil, err
	}
	chain, err := e.orgChain(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	var out []*Assignment
	err = e.repo.View(ctx, func(ctx context.Context, r Reader) error {
		var err error
		out, err = activeAssignments(ctx, r, principalID, chain, e.now())
		return err
	})
	return out, err
}

// PrincipalPermissions returns every permission the principal holds at the
// organization, sorted.
func (e *Engine) PrincipalPermissions(ctx context.Context, principalID, organizationID string) ([]string, error) {
	if err := e.requirePrincipal(ctx, principalID); err != nil {
		return nil, err
	}
	chain, err := e.orgChain(ctx, organizationID)
	if err != nil {
		return nil, err
	}

	var set PermissionSet
	err = e.repo.View(ctx, func(ctx context.Context, r Reader) error {
		var err error
		set, err = e.evaluator.Permissions(ctx, r, principalID, chain, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return set.Sorted(), nil
}

// SweepExpired stamps every expired, unrevoked assignment as revoked by
// SystemExpiryActor and returns how many were stamped. Decisions do not
// depend on the sweep; it keeps the store and audit trail tidy.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.now()

	var expiring []*Assignment
	err := e.repo.View(ctx, func(ctx context.Context, r Reader) error {
		var err error
		expiring, err = r.ExpiringAssignments(ctx, now)
		return err
	})
	if err != nil {
		return 0, err
	}

	byOrg := make(map[string][]string)
	for _, a := range expiring {
		byOrg[a.OrganizationID] = append(byOrg[a.OrganizationID], a.ID)
	}
	orgIDs := make([]string, 0, len(byOrg))
	for id := range byOrg {
		orgIDs = append(orgIDs, id)
	}
	sort.Strings(orgIDs)

	total := 0
	var errs []error
	for _, orgID := range orgIDs {
		if _, err := e.orgChain(ctx, orgID); errors.Is(err, ErrNotFound) {
			e.logger.WithField("organization_id", orgID).Warn("skipping expired assignments of unknown organization")
			continue
		}

		n := 0
		m := mutation{
			name:       "SweepExpired",
			actor:      SystemExpiryActor,
			orgID:      orgID,
			event:      audit.EventAssignmentExpired,
			targetType: audit.TargetAssignment,
			targetID:   orgID,
		}
		err := e.mutate(ctx, m, func(ctx context.Context, w Writer, c *change) error {
			n = 0
			for _, id := range byOrg[orgID] {
				a, err := w.GetAssignment(ctx, id)
				if err != nil {
					return err
				}
				if a.Revoked() || !a.Expired(now) {
					continue
				}
				if err := w.MarkRevoked(ctx, id, now, SystemExpiryActor); err != nil {
					return err
				}

				rec := e.newRecord(audit.EventAssignmentExpired, audit.OutcomeSuccess, SystemExpiryActor, a.OrganizationID, audit.TargetAssignment, a.ID)
				rec.Metadata = map[string]interface{}{
					"principal_id": a.PrincipalID,
					"role_id":      a.RoleID,
					"expired_at":   a.ExpiresAt.Format(time.RFC3339Nano),
				}
				c.record(rec)
				if err := e.principalScope(ctx, c, a.PrincipalID, a.OrganizationID); err != nil {
					return err
				}
				n++
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("organization %s: %w", orgID, err))
			continue
		}
		total += n
	}

	e.metrics.RecordExpired(total)
	return total, errors.Join(errs...)
}
