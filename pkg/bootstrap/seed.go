package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// Document is a seed file. Roles and grants refer to roles by name within
// their organization so the file never needs generated ids.
type Document struct {
	Organizations []*orgs.Organization `yaml:"organizations"`
	Principals    []*auth.Principal    `yaml:"principals"`
	Permissions   []Permission         `yaml:"permissions"`
	Roles         []Role               `yaml:"roles"`
	Grants        []Grant              `yaml:"grants"`
}

// Permission registers a permission code
type Permission struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description,omitempty"`
}

// Role declares a role; Parent names another role of the same organization
type Role struct {
	Name         string   `yaml:"name"`
	Organization string   `yaml:"organization"`
	Description  string   `yaml:"description,omitempty"`
	Parent       string   `yaml:"parent,omitempty"`
	Permissions  []string `yaml:"permissions"`
}

// Grant assigns a role to a principal. RoleOrganization defaults to
// Organization.
type Grant struct {
	Principal        string     `yaml:"principal"`
	Role             string     `yaml:"role"`
	RoleOrganization string     `yaml:"role_organization,omitempty"`
	Organization     string     `yaml:"organization"`
	ExpiresAt        *time.Time `yaml:"expires_at,omitempty"`
}

// Engine is the part of the permission engine the loader drives
type Engine interface {
	ListPermissions(ctx context.Context) ([]*rbac.Permission, error)
	RegisterPermission(ctx context.Context, actor string, p rbac.Permission) (*rbac.Permission, error)
	UpdatePermissionDescription(ctx context.Context, actor, code, description string) (*rbac.Permission, error)
	ListRoles(ctx context.Context, organizationID string) ([]*rbac.Role, error)
	CreateRole(ctx context.Context, actor string, spec rbac.RoleSpec) (*rbac.Role, error)
	UpdateRole(ctx context.Context, actor, roleID string, upd rbac.RoleUpdate) (*rbac.Role, error)
	ActiveAssignments(ctx context.Context, principalID, organizationID string) ([]*rbac.Assignment, error)
	Grant(ctx context.Context, req rbac.GrantRequest) (*rbac.Assignment, error)
	MoveOrganization(ctx context.Context, actor, organizationID string, parentID *string) error
}

// Result counts what Apply changed
type Result struct {
	Organizations int
	Principals    int
	Permissions   int
	RolesCreated  int
	RolesUpdated  int
	Grants        int
}

// Changed reports whether Apply changed anything
func (r *Result) Changed() bool {
	return r.Organizations+r.Principals+r.Permissions+r.RolesCreated+r.RolesUpdated+r.Grants > 0
}

// Load reads and validates a seed file
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a seed document
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the document is self-consistent. References to
// organizations and roles outside the document are checked by Apply.
func (d *Document) Validate() error {
	var errs []error
	for i, o := range d.Organizations {
		if o == nil || o.ID == "" {
			errs = append(errs, fmt.Errorf("organizations[%d]: id is required", i))
		}
	}
	for i, p := range d.Principals {
		if p == nil || p.ID == "" {
			errs = append(errs, fmt.Errorf("principals[%d]: id is required", i))
		}
	}
	for i, p := range d.Permissions {
		if _, _, err := rbac.ParsePermissionCode(p.Code); err != nil {
			errs = append(errs, fmt.Errorf("permissions[%d]: %w", i, err))
		}
	}
	seen := make(map[[2]string]bool)
	for i, r := range d.Roles {
		if r.Name == "" || r.Organization == "" {
			errs = append(errs, fmt.Errorf("roles[%d]: name and organization are required", i))
			continue
		}
		key := [2]string{r.Organization, r.Name}
		if seen[key] {
			errs = append(errs, fmt.Errorf("roles[%d]: duplicate role %s in %s", i, r.Name, r.Organization))
		}
		seen[key] = true
	}
	for i, g := range d.Grants {
		if g.Principal == "" || g.Role == "" || g.Organization == "" {
			errs = append(errs, fmt.Errorf("grants[%d]: principal, role and organization are required", i))
		}
	}
	return errors.Join(errs...)
}

// Loader applies seed documents
type Loader struct {
	Engine        Engine
	Organizations orgs.Manager
	Principals    auth.Registry
	Actor         string
}

// Apply makes the stores match the document. Existing entities are matched
// by id (organizations, principals), code (permissions) or organization and
// name (roles), so applying the same document twice changes nothing.
// Nothing is ever deleted.
func (l *Loader) Apply(ctx context.Context, doc *Document) (*Result, error) {
	res := &Result{}
	if err := l.applyOrganizations(ctx, doc, res); err != nil {
		return res, err
	}
	for _, p := range doc.Principals {
		existing, err := l.Principals.Lookup(ctx, p.ID)
		if err == nil && existing.Username == p.Username && existing.Email == p.Email {
			continue
		}
		if err != nil && !errors.Is(err, auth.ErrPrincipalNotFound) {
			return res, err
		}
		principal := *p
		principal.IsActive = true
		if err == nil {
			principal.IsActive = existing.IsActive
			principal.CreatedAt = existing.CreatedAt
		}
		if err := l.Principals.Register(ctx, &principal); err != nil {
			return res, fmt.Errorf("principal %s: %w", p.ID, err)
		}
		res.Principals++
	}
	if err := l.applyPermissions(ctx, doc, res); err != nil {
		return res, err
	}
	roles, err := l.applyRoles(ctx, doc, res)
	if err != nil {
		return res, err
	}
	return res, l.applyGrants(ctx, doc, roles, res)
}

func (l *Loader) applyOrganizations(ctx context.Context, doc *Document, res *Result) error {
	pending := slices.Clone(doc.Organizations)
	for len(pending) > 0 {
		var next []*orgs.Organization
		for _, o := range pending {
			if !o.IsRoot() {
				if _, err := l.Organizations.Get(ctx, *o.ParentID); errors.Is(err, orgs.ErrNotFound) {
					next = append(next, o)
					continue
				}
			}

			existing, err := l.Organizations.Get(ctx, o.ID)
			switch {
			case errors.Is(err, orgs.ErrNotFound):
				org := *o
				if err := l.Organizations.CreateOrganization(ctx, &org); err != nil {
					return fmt.Errorf("organization %s: %w", o.ID, err)
				}
				res.Organizations++
			case err != nil:
				return err
			case parentOf(existing) != parentOf(o):
				// moves go through the engine so cached decisions and
				// assignment scopes follow the tree
				if err := l.Engine.MoveOrganization(ctx, l.Actor, o.ID, o.ParentID); err != nil {
					return fmt.Errorf("organization %s: %w", o.ID, err)
				}
				res.Organizations++
			}
		}
		if len(next) == len(pending) {
			return fmt.Errorf("organization %s: parent %s does not exist", next[0].ID, *next[0].ParentID)
		}
		pending = next
	}
	return nil
}

func parentOf(o *orgs.Organization) string {
	if o.IsRoot() {
		return ""
	}
	return *o.ParentID
}

func (l *Loader) applyPermissions(ctx context.Context, doc *Document, res *Result) error {
	existing, err := l.Engine.ListPermissions(ctx)
	if err != nil {
		return err
	}
	byCode := make(map[string]*rbac.Permission, len(existing))
	for _, p := range existing {
		byCode[p.Code] = p
	}

	for _, p := range doc.Permissions {
		current, ok := byCode[p.Code]
		switch {
		case !ok:
			if _, err := l.Engine.RegisterPermission(ctx, l.Actor, rbac.Permission{Code: p.Code, Description: p.Description}); err != nil {
				return fmt.Errorf("permission %s: %w", p.Code, err)
			}
		case current.Description != p.Description:
			if _, err := l.Engine.UpdatePermissionDescription(ctx, l.Actor, p.Code, p.Description); err != nil {
				return fmt.Errorf("permission %s: %w", p.Code, err)
			}
		default:
			continue
		}
		res.Permissions++
	}
	return nil
}

type roleKey struct{ org, name string }

// applyRoles creates parents before children and returns every role of the
// organizations the document touches.
func (l *Loader) applyRoles(ctx context.Context, doc *Document, res *Result) (map[roleKey]*rbac.Role, error) {
	known := make(map[roleKey]*rbac.Role)
	loaded := make(map[string]bool)
	load := func(org string) error {
		if loaded[org] {
			return nil
		}
		roles, err := l.Engine.ListRoles(ctx, org)
		if err != nil {
			return fmt.Errorf("organization %s: %w", org, err)
		}
		for _, r := range roles {
			known[roleKey{org, r.Name}] = r
		}
		loaded[org] = true
		return nil
	}

	pending := slices.Clone(doc.Roles)
	for len(pending) > 0 {
		var next []Role
		for _, spec := range pending {
			if err := load(spec.Organization); err != nil {
				return nil, err
			}
			parentID := ""
			if spec.Parent != "" {
				parent, ok := known[roleKey{spec.Organization, spec.Parent}]
				if !ok {
					next = append(next, spec)
					continue
				}
				parentID = parent.ID
			}

			role, err := l.applyRole(ctx, spec, parentID, known[roleKey{spec.Organization, spec.Name}], res)
			if err != nil {
				return nil, fmt.Errorf("role %s in %s: %w", spec.Name, spec.Organization, err)
			}
			known[roleKey{spec.Organization, spec.Name}] = role
		}
		if len(next) == len(pending) {
			return nil, fmt.Errorf("role %s in %s: parent role %s does not exist", next[0].Name, next[0].Organization, next[0].Parent)
		}
		pending = next
	}

	for _, g := range doc.Grants {
		org := g.RoleOrganization
		if org == "" {
			org = g.Organization
		}
		if err := load(org); err != nil {
			return nil, err
		}
	}
	return known, nil
}

func (l *Loader) applyRole(ctx context.Context, spec Role, parentID string, current *rbac.Role, res *Result) (*rbac.Role, error) {
	if current == nil {
		role, err := l.Engine.CreateRole(ctx, l.Actor, rbac.RoleSpec{
			Name:           spec.Name,
			Description:    spec.Description,
			OrganizationID: spec.Organization,
			Permissions:    spec.Permissions,
			ParentRoleID:   parentID,
		})
		if err == nil {
			res.RolesCreated++
		}
		return role, err
	}

	upd := rbac.RoleUpdate{ExpectedVersion: current.Version}
	changed := false
	if current.Description != spec.Description {
		upd.Description = &spec.Description
		changed = true
	}
	currentParent := ""
	if current.HasParent() {
		currentParent = *current.ParentRoleID
	}
	if currentParent != parentID {
		upd.ParentRoleID = &parentID
		changed = true
	}
	want := slices.Sorted(slices.Values(spec.Permissions))
	want = slices.Compact(want)
	have := slices.Sorted(slices.Values(current.Permissions))
	if !slices.Equal(want, have) {
		upd.Permissions = want
		if upd.Permissions == nil {
			upd.Permissions = []string{}
		}
		changed = true
	}
	if !changed {
		return current, nil
	}

	role, err := l.Engine.UpdateRole(ctx, l.Actor, current.ID, upd)
	if err == nil {
		res.RolesUpdated++
	}
	return role, err
}

func (l *Loader) applyGrants(ctx context.Context, doc *Document, roles map[roleKey]*rbac.Role, res *Result) error {
	for _, g := range doc.Grants {
		roleOrg := g.RoleOrganization
		if roleOrg == "" {
			roleOrg = g.Organization
		}
		role, ok := roles[roleKey{roleOrg, g.Role}]
		if !ok {
			return fmt.Errorf("grant of %s to %s: role does not exist in %s", g.Role, g.Principal, roleOrg)
		}

		active, err := l.Engine.ActiveAssignments(ctx, g.Principal, g.Organization)
		if err != nil {
			return fmt.Errorf("grant of %s to %s: %w", g.Role, g.Principal, err)
		}
		if slices.ContainsFunc(active, func(a *rbac.Assignment) bool {
			return a.RoleID == role.ID && a.OrganizationID == g.Organization
		}) {
			continue
		}
		if g.ExpiresAt != nil && !g.ExpiresAt.After(time.Now()) {
			// an expired grant in the file is history, not a request
			continue
		}

		_, err = l.Engine.Grant(ctx, rbac.GrantRequest{
			PrincipalID:    g.Principal,
			RoleID:         role.ID,
			OrganizationID: g.Organization,
			ExpiresAt:      g.ExpiresAt,
			AssignedBy:     l.Actor,
		})
		if err != nil {
			return fmt.Errorf("grant of %s to %s: %w", g.Role, g.Principal, err)
		}
		res.Grants++
	}
	return nil
}
