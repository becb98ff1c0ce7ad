// Package auth provides the principal directory consulted by the permission
// engine.
//
// Principals are users or bot accounts identified by an opaque string id.
// Authenticating them is out of scope here: the engine asks a Directory
// whether an id exists and treats an unknown id as a not-found error rather
// than a denial.
//
//	dir := auth.NewSQLDirectory(db)
//	p, err := dir.Lookup(ctx, "alice")
//	if errors.Is(err, auth.ErrPrincipalNotFound) {
//		// unknown principal
//	}
package auth
