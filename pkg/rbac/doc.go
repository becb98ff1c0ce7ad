// Package rbac resolves role-based permissions across an organization tree.
//
// # Overview
//
// The engine answers one question: may a principal use a permission at an
// organization? It is built from four parts:
//
//  1. Role graph: roles owned by an organization, each with direct
//     permissions and an optional parent role in the same organization.
//  2. Assignment store: grants of a role to a principal at an organization,
//     optionally expiring, optionally delegated from another grant.
//  3. Evaluator: unions the effective permissions of every active
//     assignment made at the organization or any of its ancestors.
//  4. Audit and cache layer: the Engine, which caches decisions, writes
//     every mutation to the audit sink in the mutation's transaction and
//     records access checks.
//
// # Permissions
//
// A permission is a code of the form "resource_type:action", registered
// once and shared by any number of roles:
//
//	perm, err := engine.RegisterPermission(ctx, "admin", rbac.Permission{
//		Code:        "doc:edit",
//		Description: "Edit documents",
//	})
//
// # Roles
//
// Effective permissions of a role are its direct permissions plus the
// effective permissions of its parent. Parent links that would close a
// cycle fail with a CycleError; parents from another organization fail
// with a ScopeError.
//
//	editor, err := engine.CreateRole(ctx, "admin", rbac.RoleSpec{
//		Name:           "Editor",
//		OrganizationID: "acme",
//		Permissions:    []string{"doc:edit"},
//		ParentRoleID:   viewer.ID,
//	})
//
// Deleting a role that still has live assignments or child roles fails
// with a RoleInUseError unless force is set.
//
// # Assignments
//
// A grant at organization O applies at O and every organization below it,
// never above:
//
//	a, err := engine.Grant(ctx, rbac.GrantRequest{
//		PrincipalID:    "alice",
//		RoleID:         editor.ID,
//		OrganizationID: "acme",
//		AssignedBy:     "admin",
//	})
//
//	d, err := engine.CheckPermission(ctx, "alice", "acme-eu", "doc:edit")
//	// d.Allowed == true
//
// Revocation is idempotent: revoking an inactive assignment returns
// StatusAlreadyInactive. Revoking a grant also revokes everything
// delegated from it.
//
// Permissions are purely additive. Options.DenyRule is the hook for
// exception rules and is not installed by default.
//
// # Consistency
//
// Mutations are serialized per organization tree root, both in process
// and, on PostgreSQL, through transaction-scoped advisory locks. Each
// mutation and its audit records commit together; when the audit write
// fails the mutation is rolled back with an AuditWriteError.
//
// Checks never take the lock. They evaluate against a repository snapshot
// and fill the cache only if no invalidation happened while they ran, so a
// check that starts after a revoke returns never sees the old allow.
// Losing the cache changes latency, not decisions.
//
// # Storage
//
// MemoryRepository keeps copy-on-write snapshots in memory.
// SQLRepository works on PostgreSQL and SQLite; apply RunMigrations first.
package rbac
