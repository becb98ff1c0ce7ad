// Package bootstrap seeds organizations, principals, permissions, roles and
// grants from a YAML document.
//
//	organizations:
//	  - id: acme
//	    name: Acme
//	  - id: acme-eu
//	    name: Acme EU
//	    parent: acme
//	principals:
//	  - id: alice
//	    username: alice
//	permissions:
//	  - code: doc:read
//	roles:
//	  - name: reader
//	    organization: acme
//	    permissions: [doc:read]
//	grants:
//	  - principal: alice
//	    role: reader
//	    organization: acme-eu
//	    role_organization: acme
//
// Applying a document is idempotent and never deletes anything. Every change
// goes through the permission engine, so it is audited like any other
// administrative mutation.
package bootstrap
