// Package cli provides the gatekeeper command-line interface for
// administering roles, assignments and the audit trail.
//
// Commands talk to the database directly through the same engine the daemon
// runs, so every change is locked, audited and invalidated exactly as it
// would be in-process. Configuration comes from the GATEKEEPER_* environment
// variables (see package config). With the memory cache backend a running
// daemon only notices CLI changes once its cached decisions expire; use the
// redis backend to share invalidations.
//
// # Schema and seeding
//
//	gatekeeper migrate
//	gatekeeper seed -file seed.yaml
//
// # Organizations
//
//	gatekeeper org create -id acme-eu -parent acme
//	gatekeeper org move -id acme-eu -parent other
//
// # Roles
//
//	gatekeeper role create -name editor -org acme -parent <role-id> -permissions doc:edit
//	gatekeeper role update -id <role-id> -permissions doc:read,doc:edit -version 3
//	gatekeeper role delete -id <role-id> -force
//	gatekeeper effective -role <role-id>
//
// # Assignments and checks
//
//	gatekeeper grant -principal alice -role <role-id> -org acme-eu -expires 72h
//	gatekeeper delegate -from <assignment-id> -principal bob
//	gatekeeper revoke -assignment <assignment-id>
//	gatekeeper assignments -principal alice -org acme-eu-de
//	gatekeeper check -principal alice -org acme-eu-de -permission doc:edit
//
// check exits non-zero on a denial.
//
// # Audit
//
//	gatekeeper audit export -from 24h -format ndjson -event role-deleted
//	gatekeeper audit archive -from 2024-03-01T00:00:00Z -to 2024-03-02T00:00:00Z
package cli
