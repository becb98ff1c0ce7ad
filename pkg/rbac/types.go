package rbac

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Permission is a globally unique capability code of the form
// "resource_type:action". Codes never change once registered; only the
// description may be edited.
type Permission struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	ResourceType string    `json:"resource_type"`
	Action       string    `json:"action"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// String returns the permission code
func (p Permission) String() string {
	return p.Code
}

// PermissionCode joins a resource type and an action
func PermissionCode(resourceType, action string) string {
	return resourceType + ":" + action
}

// ParsePermissionCode splits a code into resource type and action
func ParsePermissionCode(code string) (resourceType, action string, err error) {
	i := strings.Index(code, ":")
	if i <= 0 || i == len(code)-1 {
		return "", "", fmt.Errorf("%w: permission code %q must look like resource_type:action", ErrInvalidArgument, code)
	}
	return code[:i], code[i+1:], nil
}

// Role is a named permission set owned by one organization. A role may
// inherit from a parent role in the same organization.
type Role struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	OrganizationID string    `json:"organization_id"`
	Permissions    []string  `json:"permissions"`
	ParentRoleID   *string   `json:"parent_role_id,omitempty"`
	Version        int       `json:"version"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasParent reports whether the role inherits from another role
func (r *Role) HasParent() bool {
	return r.ParentRoleID != nil && *r.ParentRoleID != ""
}

// Clone returns a deep copy
func (r *Role) Clone() *Role {
	out := *r
	out.Permissions = append([]string(nil), r.Permissions...)
	if r.ParentRoleID != nil {
		p := *r.ParentRoleID
		out.ParentRoleID = &p
	}
	return &out
}

// Assignment grants a role to a principal within an organization and every
// organization below it.
type Assignment struct {
	ID             string     `json:"id"`
	PrincipalID    string     `json:"principal_id"`
	RoleID         string     `json:"role_id"`
	OrganizationID string     `json:"organization_id"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	AssignedBy     string     `json:"assigned_by,omitempty"`
	DelegatedFrom  *string    `json:"delegated_from,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokedBy      string     `json:"revoked_by,omitempty"`
}

// Expired reports whether the assignment's expiry is at or before t
func (a *Assignment) Expired(t time.Time) bool {
	return a.ExpiresAt != nil && !t.Before(*a.ExpiresAt)
}

// Revoked reports whether the assignment carries a revocation stamp
func (a *Assignment) Revoked() bool {
	return a.RevokedAt != nil
}

// ActiveAt reports whether the assignment grants anything at t
func (a *Assignment) ActiveAt(t time.Time) bool {
	return !a.Revoked() && !a.Expired(t)
}

// Clone returns a deep copy
func (a *Assignment) Clone() *Assignment {
	out := *a
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		out.ExpiresAt = &t
	}
	if a.RevokedAt != nil {
		t := *a.RevokedAt
		out.RevokedAt = &t
	}
	if a.DelegatedFrom != nil {
		d := *a.DelegatedFrom
		out.DelegatedFrom = &d
	}
	return &out
}

// RevokeStatus is the result of a revocation request
type RevokeStatus string

const (
	StatusRevoked         RevokeStatus = "revoked"
	StatusAlreadyInactive RevokeStatus = "already-inactive"
)

// Decision is the result of an access check
type Decision struct {
	PrincipalID    string    `json:"principal_id"`
	OrganizationID string    `json:"organization_id"`
	Permission     string    `json:"permission"`
	Allowed        bool      `json:"allowed"`
	Reason         string    `json:"reason,omitempty"`
	MatchedRoles   []string  `json:"matched_roles,omitempty"`
	FromCache      bool      `json:"from_cache"`
	CheckedAt      time.Time `json:"checked_at"`

	// ValidUntil is set when the decision is an allow that ends on its own
	// because every granting assignment expires.
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// RoleSpec describes a role to create
type RoleSpec struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	OrganizationID string   `json:"organization_id"`
	Permissions    []string `json:"permissions"`
	ParentRoleID   string   `json:"parent_role_id,omitempty"`
}

// RoleUpdate lists the fields to change on a role. Nil fields are left
// alone. ParentRoleID pointing at "" detaches the role from its parent.
// A non-zero ExpectedVersion makes the update fail with a ConflictError when
// the stored version differs.
type RoleUpdate struct {
	Name            *string  `json:"name,omitempty"`
	Description     *string  `json:"description,omitempty"`
	ParentRoleID    *string  `json:"parent_role_id,omitempty"`
	Permissions     []string `json:"permissions,omitempty"`
	ExpectedVersion int      `json:"expected_version,omitempty"`
}

// GrantRequest describes a new assignment
type GrantRequest struct {
	PrincipalID    string     `json:"principal_id"`
	RoleID         string     `json:"role_id"`
	OrganizationID string     `json:"organization_id"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	AssignedBy     string     `json:"assigned_by"`
}

// DelegateRequest hands the role of an active assignment to another
// principal. The delegate's expiry never outlives the source's.
type DelegateRequest struct {
	SourceAssignmentID string     `json:"source_assignment_id"`
	PrincipalID        string     `json:"principal_id"`
	OrganizationID     string     `json:"organization_id,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	DelegatedBy        string     `json:"delegated_by"`
}

// PermissionSet is a set of permission codes
type PermissionSet map[string]struct{}

// Add inserts codes
func (s PermissionSet) Add(codes ...string) {
	for _, c := range codes {
		s[c] = struct{}{}
	}
}

// Has reports membership
func (s PermissionSet) Has(code string) bool {
	_, ok := s[code]
	return ok
}

// Sorted returns the codes in lexical order
func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func normalizeCodes(codes []string) []string {
	set := make(PermissionSet, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c != "" {
			set.Add(c)
		}
	}
	return set.Sorted()
}
