package orgs

import (
	"context"
	"errors"
	"time"
)

// MaxDepth bounds every walk up the organization tree. A chain longer than
// this is treated as a corrupt hierarchy.
const MaxDepth = 64

var (
	// ErrNotFound is returned when an organization does not exist
	ErrNotFound = errors.New("organization not found")

	// ErrHierarchyCorrupt is returned when the parent chain of an
	// organization loops or exceeds MaxDepth. It is a configuration error
	// and is never recovered from silently.
	ErrHierarchyCorrupt = errors.New("organization hierarchy is corrupt")

	// ErrInvalidParent is returned when a parent assignment would create a cycle
	ErrInvalidParent = errors.New("invalid parent organization")
)

// Organization is a node in the organization tree
type Organization struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	ParentID  *string   `json:"parent_id,omitempty" yaml:"parent,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// IsRoot reports whether the organization has no parent
func (o *Organization) IsRoot() bool {
	return o.ParentID == nil || *o.ParentID == ""
}

// Hierarchy is the read contract the permission engine needs from whatever
// owns the organization tree.
type Hierarchy interface {
	// Get returns the organization or ErrNotFound
	Get(ctx context.Context, id string) (*Organization, error)

	// Descendants returns the ids of every organization below id, not
	// including id itself. Unknown ids return ErrNotFound.
	Descendants(ctx context.Context, id string) ([]string, error)
}

// Manager extends Hierarchy with the write side used by the CLI and the
// bootstrap loader.
type Manager interface {
	Hierarchy

	CreateOrganization(ctx context.Context, org *Organization) error
	SetParent(ctx context.Context, id string, parentID *string) error
	ListOrganizations(ctx context.Context) ([]*Organization, error)
}
