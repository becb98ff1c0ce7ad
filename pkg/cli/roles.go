package cli

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/platinummonkey/gatekeeper/pkg/app"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

func newRoleCommand(env *Env) *Command {
	return group(env, "role", "Manage roles",
		newRoleCreateCommand(env),
		newRoleUpdateCommand(env),
		newRoleDeleteCommand(env),
		newRoleListCommand(env),
	)
}

func newRoleCreateCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "create",
		Description: "Create a role",
		Flags:       newFlagSet(env, "role create"),
	}
	cmd.Flags.String("name", "", "Role name, unique within the organization")
	cmd.Flags.String("org", "", "Owning organization")
	cmd.Flags.String("parent", "", "Parent role id")
	cmd.Flags.String("permissions", "", "Comma-separated permission codes")
	cmd.Flags.String("description", "", "Description")
	cmd.Flags.String("actor", defaultActor(), "Actor recorded in the audit trail")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(cmd.Flags, "name", "org"); err != nil {
			return err
		}
		spec := rbac.RoleSpec{
			Name:           cmd.Flags.Lookup("name").Value.String(),
			OrganizationID: cmd.Flags.Lookup("org").Value.String(),
			ParentRoleID:   cmd.Flags.Lookup("parent").Value.String(),
			Permissions:    splitList(cmd.Flags.Lookup("permissions").Value.String()),
			Description:    cmd.Flags.Lookup("description").Value.String(),
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			role, err := a.Engine.CreateRole(ctx, cmd.Flags.Lookup("actor").Value.String(), spec)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Created role %s (%s)\n", role.Name, role.ID)
			return nil
		})
	}
	return cmd
}

func newRoleUpdateCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "update",
		Description: "Change a role's name, description, parent or permissions",
		Flags:       newFlagSet(env, "role update"),
	}
	cmd.Flags.String("id", "", "Role id")
	cmd.Flags.String("name", "", "New name")
	cmd.Flags.String("description", "", "New description")
	cmd.Flags.String("parent", "", "New parent role id; \"none\" detaches the role")
	cmd.Flags.String("permissions", "", "Replace the direct permissions (comma-separated; \"none\" clears them)")
	cmd.Flags.Int("version", 0, "Fail unless the stored role has this version")
	cmd.Flags.String("actor", defaultActor(), "Actor recorded in the audit trail")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(cmd.Flags, "id"); err != nil {
			return err
		}

		var upd rbac.RoleUpdate
		set := make(map[string]bool)
		cmd.Flags.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if set["name"] {
			name := cmd.Flags.Lookup("name").Value.String()
			upd.Name = &name
		}
		if set["description"] {
			description := cmd.Flags.Lookup("description").Value.String()
			upd.Description = &description
		}
		if set["parent"] {
			parent := cmd.Flags.Lookup("parent").Value.String()
			if strings.EqualFold(parent, "none") {
				parent = ""
			}
			upd.ParentRoleID = &parent
		}
		if set["permissions"] {
			value := cmd.Flags.Lookup("permissions").Value.String()
			upd.Permissions = []string{}
			if !strings.EqualFold(value, "none") {
				upd.Permissions = append(upd.Permissions, splitList(value)...)
			}
		}
		if set["version"] {
			v, err := strconv.Atoi(cmd.Flags.Lookup("version").Value.String())
			if err != nil {
				return err
			}
			upd.ExpectedVersion = v
		}
		if upd.Name == nil && upd.Description == nil && upd.ParentRoleID == nil && upd.Permissions == nil {
			return fmt.Errorf("nothing to update")
		}

		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			role, err := a.Engine.UpdateRole(ctx, cmd.Flags.Lookup("actor").Value.String(), cmd.Flags.Lookup("id").Value.String(), upd)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Updated role %s to version %d\n", role.ID, role.Version)
			return nil
		})
	}
	return cmd
}

func newRoleDeleteCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "delete",
		Description: "Delete a role",
		Flags:       newFlagSet(env, "role delete"),
	}
	cmd.Flags.String("id", "", "Role id")
	cmd.Flags.Bool("force", false, "Revoke active assignments and re-parent child roles first")
	cmd.Flags.String("actor", defaultActor(), "Actor recorded in the audit trail")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(cmd.Flags, "id"); err != nil {
			return err
		}
		id := cmd.Flags.Lookup("id").Value.String()
		force := cmd.Flags.Lookup("force").Value.String() == "true"
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			if err := a.Engine.DeleteRole(ctx, cmd.Flags.Lookup("actor").Value.String(), id, force); err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Deleted role %s\n", id)
			return nil
		})
	}
	return cmd
}

func newRoleListCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "list",
		Description: "List roles",
		Flags:       newFlagSet(env, "role list"),
	}
	cmd.Flags.String("org", "", "Only roles owned by this organization")
	cmd.Flags.Bool("json", false, "Print JSON")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			roles, err := a.Engine.ListRoles(ctx, cmd.Flags.Lookup("org").Value.String())
			if err != nil {
				return err
			}
			if cmd.Flags.Lookup("json").Value.String() == "true" {
				return printJSON(env, roles)
			}
			w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tORG\tNAME\tPARENT\tVERSION\tPERMISSIONS")
			for _, r := range roles {
				parent := "-"
				if r.HasParent() {
					parent = *r.ParentRoleID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.OrganizationID, r.Name, parent, r.Version, strings.Join(r.Permissions, ","))
			}
			return w.Flush()
		})
	}
	return cmd
}

func newEffectiveCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "effective",
		Description: "Show a role's effective permissions including inherited ones",
		Flags:       newFlagSet(env, "effective"),
	}
	cmd.Flags.String("role", "", "Role id")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(cmd.Flags, "role"); err != nil {
			return err
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			perms, err := a.Engine.EffectivePermissions(ctx, cmd.Flags.Lookup("role").Value.String())
			if err != nil {
				return err
			}
			for _, p := range perms {
				fmt.Fprintln(env.Out, p)
			}
			return nil
		})
	}
	return cmd
}
