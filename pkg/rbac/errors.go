package rbac

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound matches every NotFoundError
	ErrNotFound = errors.New("not found")
	// ErrCycle matches every CycleError
	ErrCycle = errors.New("role hierarchy cycle")
	// ErrScope matches every ScopeError
	ErrScope = errors.New("organization scope violation")
	// ErrRoleInUse matches every RoleInUseError
	ErrRoleInUse = errors.New("role in use")
	// ErrConflict matches every ConflictError
	ErrConflict = errors.New("conflict")
	// ErrAuditWrite matches every AuditWriteError
	ErrAuditWrite = errors.New("audit write failed")

	// ErrLockTimeout is returned when the organization lock could not be
	// acquired before the context deadline.
	ErrLockTimeout = errors.New("timed out waiting for organization lock")
	// ErrInvalidArgument is returned for malformed requests
	ErrInvalidArgument = errors.New("invalid argument")
)

// Entity kinds used in NotFoundError and ConflictError
const (
	KindOrganization = "organization"
	KindPrincipal    = "principal"
	KindRole         = "role"
	KindPermission   = "permission"
	KindAssignment   = "assignment"
)

// NotFoundError reports a missing organization, principal, role, permission
// or assignment. It is distinct from a denial.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// CycleError reports a parent assignment that would make a role its own
// ancestor. Path lists the role ids from the role being changed back to
// itself.
type CycleError struct {
	RoleID string
	Path   []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("role %s would inherit from itself: %s", e.RoleID, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// ScopeError reports a request that crosses organization boundaries
type ScopeError struct {
	RoleID         string
	OrganizationID string
	Reason         string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("scope violation for role %s in organization %s: %s", e.RoleID, e.OrganizationID, e.Reason)
}

func (e *ScopeError) Is(target error) bool { return target == ErrScope }

// RoleInUseError reports a deletion blocked by live assignments or child
// roles. Either count being non-zero refuses the deletion, so a role whose
// only users are child roles is still in use. Retry with force to revoke
// the assignments and re-parent the children.
type RoleInUseError struct {
	RoleID            string
	ActiveAssignments int
	// ChildRoles counts roles naming this one as parent. Forced deletion
	// re-parents them to this role's own parent.
	ChildRoles int
}

func (e *RoleInUseError) Error() string {
	return fmt.Sprintf("role %s is in use by %d active assignments and %d child roles", e.RoleID, e.ActiveAssignments, e.ChildRoles)
}

func (e *RoleInUseError) Is(target error) bool { return target == ErrRoleInUse }

// ConflictError reports a stale version or a duplicate name or code
type ConflictError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Kind, e.ID, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// AuditWriteError reports that a mutation was rolled back because its
// audit record could not be written.
type AuditWriteError struct {
	Err error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write failed, mutation rolled back: %v", e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

func (e *AuditWriteError) Is(target error) bool { return target == ErrAuditWrite }

// isDomainError reports whether err is a rejection the caller caused, as
// opposed to an infrastructure failure.
func isDomainError(err error) bool {
	for _, target := range []error{ErrNotFound, ErrCycle, ErrScope, ErrRoleInUse, ErrConflict, ErrInvalidArgument, ErrLockTimeout} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
