package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/platinummonkey/gatekeeper/pkg/app"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

func newGrantCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "grant",
		Description: "Assign a role to a principal within an organization",
		Flags:       newFlagSet(env, "grant"),
	}
	cmd.Flags.String("principal", "", "Principal id")
	cmd.Flags.String("role", "", "Role id")
	cmd.Flags.String("org", "", "Organization the grant applies to (and below)")
	cmd.Flags.String("expires", "", "Expiry as a duration (72h) or RFC 3339 time")
	cmd.Flags.String("actor", defaultActor(), "Actor recorded in the audit trail")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(cmd.Flags, "principal", "role", "org"); err != nil {
			return err
		}
		expiresAt, err := parseExpiry(cmd.Flags.Lookup("expires").Value.String(), time.Now())
		if err != nil {
			return err
		}
		req := rbac.GrantRequest{
			PrincipalID:    cmd.Flags.Lookup("principal").Value.String(),
			RoleID:         cmd.Flags.Lookup("role").Value.String(),
			OrganizationID: cmd.Flags.Lookup("org").Value.String(),
			ExpiresAt:      expiresAt,
			AssignedBy:     cmd.Flags.Lookup("actor").Value.String(),
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			assignment, err := a.Engine.Grant(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Granted assignment %s\n", assignment.ID)
			return nil
		})
	}
	return cmd
}

func newDelegateCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "delegate",
		Description: "Hand the role of an active assignment to another principal",
		Flags:       newFlagSet(env, "delegate"),
	}
	cmd.Flags.String("from", "", "Source assignment id")
	cmd.Flags.String("principal", "", "Delegate principal id")
	cmd.Flags.String("org", "", "Organization (default: the source assignment's)")
	cmd.Flags.String("expires", "", "Expiry as a duration (72h) or RFC 3339 time")
	cmd.Flags.String("actor", defaultActor(), "Actor recorded in the audit trail")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(cmd.Flags, "from", "principal"); err != nil {
			return err
		}
		expiresAt, err := parseExpiry(cmd.Flags.Lookup("expires").Value.String(), time.Now())
		if err != nil {
			return err
		}
		req := rbac.DelegateRequest{
			SourceAssignmentID: cmd.Flags.Lookup("from").Value.String(),
			PrincipalID:        cmd.Flags.Lookup("principal").Value.String(),
			OrganizationID:     cmd.Flags.Lookup("org").Value.String(),
			ExpiresAt:          expiresAt,
			DelegatedBy:        cmd.Flags.Lookup("actor").Value.String(),
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			assignment, err := a.Engine.Delegate(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Delegated assignment %s\n", assignment.ID)
			return nil
		})
	}
	return cmd
}

func newRevokeCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "revoke",
		Description: "Revoke an assignment and its delegates",
		Flags:       newFlagSet(env, "revoke"),
	}
	cmd.Flags.String("assignment", "", "Assignment id")
	cmd.Flags.String("actor", defaultActor(), "Actor recorded in the audit trail")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(cmd.Flags, "assignment"); err != nil {
			return err
		}
		id := cmd.Flags.Lookup("assignment").Value.String()
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			status, err := a.Engine.Revoke(ctx, id, cmd.Flags.Lookup("actor").Value.String())
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Assignment %s: %s\n", id, status)
			return nil
		})
	}
	return cmd
}

func newAssignmentsCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "assignments",
		Description: "List a principal's active assignments at an organization",
		Flags:       newFlagSet(env, "assignments"),
	}
	cmd.Flags.String("principal", "", "Principal id")
	cmd.Flags.String("org", "", "Organization")
	cmd.Flags.Bool("permissions", false, "Print the resulting permission codes instead")
	cmd.Flags.Bool("json", false, "Print JSON")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(cmd.Flags, "principal", "org"); err != nil {
			return err
		}
		principal := cmd.Flags.Lookup("principal").Value.String()
		org := cmd.Flags.Lookup("org").Value.String()
		asJSON := cmd.Flags.Lookup("json").Value.String() == "true"

		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			if cmd.Flags.Lookup("permissions").Value.String() == "true" {
				perms, err := a.Engine.PrincipalPermissions(ctx, principal, org)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(env, perms)
				}
				fmt.Fprintln(env.Out, strings.Join(perms, "\n"))
				return nil
			}

			active, err := a.Engine.ActiveAssignments(ctx, principal, org)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(env, active)
			}
			w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tROLE\tORG\tEXPIRES\tDELEGATED FROM")
			for _, as := range active {
				expires, from := "never", "-"
				if as.ExpiresAt != nil {
					expires = as.ExpiresAt.Format(time.RFC3339)
				}
				if as.DelegatedFrom != nil {
					from = *as.DelegatedFrom
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", as.ID, as.RoleID, as.OrganizationID, expires, from)
			}
			return w.Flush()
		})
	}
	return cmd
}

func newCheckCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "check",
		Description: "Decide whether a principal holds a permission at an organization",
		Flags:       newFlagSet(env, "check"),
	}
	cmd.Flags.String("principal", "", "Principal id")
	cmd.Flags.String("org", "", "Organization")
	cmd.Flags.String("permission", "", "Permission code (resource_type:action)")
	cmd.Flags.Bool("json", false, "Print the full decision as JSON")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(cmd.Flags, "principal", "org", "permission"); err != nil {
			return err
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			d, err := a.Engine.CheckPermission(ctx,
				cmd.Flags.Lookup("principal").Value.String(),
				cmd.Flags.Lookup("org").Value.String(),
				cmd.Flags.Lookup("permission").Value.String(),
			)
			if err != nil {
				return err
			}
			if cmd.Flags.Lookup("json").Value.String() == "true" {
				if err := printJSON(env, d); err != nil {
					return err
				}
			} else if d.Allowed {
				fmt.Fprintf(env.Out, "allowed via %s\n", strings.Join(d.MatchedRoles, ", "))
			} else {
				fmt.Fprintf(env.Out, "denied: %s\n", d.Reason)
			}
			if !d.Allowed {
				return ErrDenied
			}
			return nil
		})
	}
	return cmd
}

func newSweepCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "sweep",
		Description: "Record expired assignments as revoked",
		Flags:       newFlagSet(env, "sweep"),
	}
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			n, err := a.Engine.SweepExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Expired %d assignments\n", n)
			return nil
		})
	}
	return cmd
}
