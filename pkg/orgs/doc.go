// Package orgs provides the organization tree that scopes every role and
// assignment.
//
// # Overview
//
// Organizations form a forest: each organization has at most one parent and
// the parent chain never loops. The permission engine only reads the tree
// through the Hierarchy interface, so the tree may be owned by another
// service. MemoryHierarchy and SQLHierarchy are the two implementations
// shipped here.
//
// # Walking the tree
//
// Ancestors, Root, IsWithin and Subtree are helpers over any Hierarchy:
//
//	chain, err := orgs.Ancestors(ctx, h, "team-a") // team-a, engineering, acme
//	root, err := orgs.Root(ctx, h, "team-a")       // acme
//
// Walks are bounded by MaxDepth. A chain that revisits a node or grows past
// the bound yields ErrHierarchyCorrupt, which callers treat as fatal.
package orgs
