package auth

import (
	"context"
	"errors"
	"time"
)

// ErrPrincipalNotFound is returned by a Directory for unknown principals
var ErrPrincipalNotFound = errors.New("principal not found")

// Principal is a user or bot account that can hold role assignments
type Principal struct {
	ID        string    `json:"id" yaml:"id"`
	Username  string    `json:"username" yaml:"username"`
	Email     string    `json:"email,omitempty" yaml:"email,omitempty"`
	IsBot     bool      `json:"is_bot" yaml:"bot,omitempty"`
	IsActive  bool      `json:"is_active" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
}

// Directory resolves principal ids. Authentication happens elsewhere; the
// permission engine only needs to know whether a principal exists.
type Directory interface {
	Lookup(ctx context.Context, id string) (*Principal, error)
}

// Registry is a Directory that can also record principals
type Registry interface {
	Directory
	Register(ctx context.Context, p *Principal) error
}
