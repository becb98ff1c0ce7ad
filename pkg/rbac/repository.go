package rbac

import (
	"context"
	"time"
)

// Reader is a consistent read view of roles, permissions and assignments.
// Missing entities are reported as *NotFoundError.
type Reader interface {
	GetPermission(ctx context.Context, code string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]*Permission, error)

	GetRole(ctx context.Context, id string) (*Role, error)
	ListRoles(ctx context.Context, organizationID string) ([]*Role, error)
	ChildRoles(ctx context.Context, roleID string) ([]*Role, error)

	GetAssignment(ctx context.Context, id string) (*Assignment, error)
	// PrincipalAssignments returns the principal's unrevoked assignments
	PrincipalAssignments(ctx context.Context, principalID string) ([]*Assignment, error)
	// RoleAssignments returns the role's unrevoked assignments
	RoleAssignments(ctx context.Context, roleID string) ([]*Assignment, error)
	// Delegates returns unrevoked assignments delegated from assignmentID
	Delegates(ctx context.Context, assignmentID string) ([]*Assignment, error)
	// ExpiringAssignments returns unrevoked assignments with an expiry at or before t
	ExpiringAssignments(ctx context.Context, t time.Time) ([]*Assignment, error)
}

// Writer extends Reader with the mutations used by the engine. Writes are
// only visible to other readers once the surrounding Update returns nil.
type Writer interface {
	Reader

	InsertPermission(ctx context.Context, p *Permission) error
	UpdatePermission(ctx context.Context, p *Permission) error

	InsertRole(ctx context.Context, r *Role) error
	// UpdateRole stores r and bumps its version. It fails with a
	// ConflictError when the stored version is not r.Version.
	UpdateRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id string) error

	InsertAssignment(ctx context.Context, a *Assignment) error
	MarkRevoked(ctx context.Context, id string, at time.Time, by string) error
}

// Repository provides snapshot reads and atomic updates.
type Repository interface {
	// View runs fn against a consistent snapshot. Views never wait on
	// updates holding the organization lock.
	View(ctx context.Context, fn func(ctx context.Context, r Reader) error) error

	// Update runs fn in a transaction. A non-nil error from fn discards
	// every write made by fn. lockKeys name the organization tree roots
	// the update touches; stores shared between processes serialize
	// updates on each of them.
	Update(ctx context.Context, lockKeys []string, fn func(ctx context.Context, w Writer) error) error

	Close() error
}
