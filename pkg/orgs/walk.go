package orgs

import (
	"context"
	"errors"
	"fmt"
)

// Ancestors returns the chain from id up to the root, starting with id
// itself. Unknown ids return ErrNotFound.
func Ancestors(ctx context.Context, h Hierarchy, id string) ([]string, error) {
	chain := make([]string, 0, 4)
	seen := make(map[string]struct{}, 4)

	current := id
	for {
		if _, ok := seen[current]; ok {
			return nil, fmt.Errorf("%w: cycle through %s", ErrHierarchyCorrupt, current)
		}
		if len(chain) >= MaxDepth {
			return nil, fmt.Errorf("%w: depth of %s exceeds %d", ErrHierarchyCorrupt, id, MaxDepth)
		}

		org, err := h.Get(ctx, current)
		if err != nil {
			if len(chain) > 0 && errors.Is(err, ErrNotFound) {
				// a dangling parent pointer
				return nil, fmt.Errorf("%w: parent %s of %s is missing", ErrHierarchyCorrupt, current, chain[len(chain)-1])
			}
			return nil, err
		}

		seen[current] = struct{}{}
		chain = append(chain, current)

		if org.IsRoot() {
			return chain, nil
		}
		current = *org.ParentID
	}
}

// Root returns the top-most ancestor of id
func Root(ctx context.Context, h Hierarchy, id string) (string, error) {
	chain, err := Ancestors(ctx, h, id)
	if err != nil {
		return "", err
	}
	return chain[len(chain)-1], nil
}

// IsWithin reports whether id is ancestor or one of its descendants
func IsWithin(ctx context.Context, h Hierarchy, ancestor, id string) (bool, error) {
	chain, err := Ancestors(ctx, h, id)
	if err != nil {
		return false, err
	}
	for _, a := range chain {
		if a == ancestor {
			return true, nil
		}
	}
	return false, nil
}

// Subtree returns id followed by all of its descendants
func Subtree(ctx context.Context, h Hierarchy, id string) ([]string, error) {
	descendants, err := h.Descendants(ctx, id)
	if err != nil {
		return nil, err
	}
	return append([]string{id}, descendants...), nil
}
