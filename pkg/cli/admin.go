package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/app"
	"github.com/platinummonkey/gatekeeper/pkg/auth"
	"github.com/platinummonkey/gatekeeper/pkg/bootstrap"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/orgs"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// withApp opens the stores, runs fn and closes them again
func withApp(env *Env, fn func(ctx context.Context, a *app.App, cfg *config.Config) error) error {
	ctx := context.Background()
	a, cfg, err := env.open(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a, cfg)
}

func printJSON(env *Env, v interface{}) error {
	enc := json.NewEncoder(env.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Create or upgrade the database schema",
		Flags:       newFlagSet(env, "migrate"),
	}
	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		cfg, err := env.Config()
		if err != nil {
			return err
		}
		db, err := app.OpenDB(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := app.Migrate(context.Background(), db)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(env.Out, "Schema is up to date")
			return nil
		}
		env.Log.WithField("versions", applied).Info("migrations applied")
		fmt.Fprintf(env.Out, "Applied migrations %v\n", applied)
		return nil
	}
	return cmd
}

func newSeedCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "seed",
		Description: "Apply a YAML seed document",
		Flags:       newFlagSet(env, "seed"),
	}
	cmd.Flags.String("file", "", "Seed document path")
	cmd.Flags.String("actor", "", "Actor recorded in the audit trail (default: the configured bootstrap actor)")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(cmd.Flags, "file"); err != nil {
			return err
		}
		doc, err := bootstrap.Load(cmd.Flags.Lookup("file").Value.String())
		if err != nil {
			return err
		}

		ctx := context.Background()
		a, cfg, err := env.open(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		actor := cmd.Flags.Lookup("actor").Value.String()
		if actor == "" {
			actor = cfg.Bootstrap.Actor
		}
		loader := &bootstrap.Loader{
			Engine:        a.Engine,
			Organizations: a.Organizations,
			Principals:    a.Principals,
			Actor:         actor,
		}
		res, err := loader.Apply(ctx, doc)
		if err != nil {
			return err
		}
		env.Log.WithFields(logrus.Fields{
			"organizations": res.Organizations,
			"principals":    res.Principals,
			"permissions":   res.Permissions,
			"roles_created": res.RolesCreated,
			"roles_updated": res.RolesUpdated,
			"grants":        res.Grants,
		}).Info("seed applied")
		if !res.Changed() {
			fmt.Fprintln(env.Out, "Nothing to change")
			return nil
		}
		fmt.Fprintf(env.Out, "Seeded %d organizations, %d principals, %d permissions, %d new and %d updated roles, %d grants\n",
			res.Organizations, res.Principals, res.Permissions, res.RolesCreated, res.RolesUpdated, res.Grants)
		return nil
	}
	return cmd
}

func newOrgCommand(env *Env) *Command {
	create := &Command{
		Name:        "create",
		Description: "Create an organization",
		Flags:       newFlagSet(env, "org create"),
	}
	create.Flags.String("id", "", "Organization id")
	create.Flags.String("name", "", "Display name (default: the id)")
	create.Flags.String("parent", "", "Parent organization id")
	create.Run = func(args []string) error {
		if err := create.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(create.Flags, "id"); err != nil {
			return err
		}
		org := &orgs.Organization{
			ID:   create.Flags.Lookup("id").Value.String(),
			Name: create.Flags.Lookup("name").Value.String(),
		}
		if org.Name == "" {
			org.Name = org.ID
		}
		if parent := create.Flags.Lookup("parent").Value.String(); parent != "" {
			org.ParentID = &parent
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			if err := a.Organizations.CreateOrganization(ctx, org); err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Created organization %s\n", org.ID)
			return nil
		})
	}

	list := &Command{
		Name:        "list",
		Description: "List organizations",
		Flags:       newFlagSet(env, "org list"),
	}
	list.Run = func(args []string) error {
		if err := list.Flags.Parse(args); err != nil {
			return err
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			all, err := a.Organizations.ListOrganizations(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPARENT")
			for _, o := range all {
				parent := "-"
				if !o.IsRoot() {
					parent = *o.ParentID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", o.ID, o.Name, parent)
			}
			return w.Flush()
		})
	}

	move := &Command{
		Name:        "move",
		Description: "Move an organization under a new parent",
		Flags:       newFlagSet(env, "org move"),
	}
	move.Flags.String("id", "", "Organization id")
	move.Flags.String("parent", "", "New parent organization id (empty makes it a root)")
	move.Flags.String("actor", defaultActor(), "Actor recorded in the audit trail")
	move.Run = func(args []string) error {
		if err := move.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(move.Flags, "id"); err != nil {
			return err
		}
		id := move.Flags.Lookup("id").Value.String()
		var parentID *string
		if parent := move.Flags.Lookup("parent").Value.String(); parent != "" {
			parentID = &parent
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			if err := a.Engine.MoveOrganization(ctx, move.Flags.Lookup("actor").Value.String(), id, parentID); err != nil {
				return err
			}
			if parentID == nil {
				fmt.Fprintf(env.Out, "Moved organization %s to the top level\n", id)
				return nil
			}
			fmt.Fprintf(env.Out, "Moved organization %s under %s\n", id, *parentID)
			return nil
		})
	}

	return group(env, "org", "Manage organizations", create, list, move)
}

func newPrincipalCommand(env *Env) *Command {
	register := &Command{
		Name:        "register",
		Description: "Register or update a principal",
		Flags:       newFlagSet(env, "principal register"),
	}
	register.Flags.String("id", "", "Principal id")
	register.Flags.String("username", "", "Username (default: the id)")
	register.Flags.String("email", "", "Email address")
	register.Flags.Bool("bot", false, "Principal is a bot account")
	register.Run = func(args []string) error {
		if err := register.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(register.Flags, "id"); err != nil {
			return err
		}
		p := &auth.Principal{
			ID:       register.Flags.Lookup("id").Value.String(),
			Username: register.Flags.Lookup("username").Value.String(),
			Email:    register.Flags.Lookup("email").Value.String(),
			IsBot:    register.Flags.Lookup("bot").Value.String() == "true",
			IsActive: true,
		}
		if p.Username == "" {
			p.Username = p.ID
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			if err := a.Principals.Register(ctx, p); err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Registered principal %s\n", p.ID)
			return nil
		})
	}
	return group(env, "principal", "Manage principals", register)
}

func newPermissionCommand(env *Env) *Command {
	register := &Command{
		Name:        "register",
		Description: "Register a permission code",
		Flags:       newFlagSet(env, "permission register"),
	}
	register.Flags.String("code", "", "Permission code (resource_type:action)")
	register.Flags.String("description", "", "Description")
	register.Flags.String("actor", defaultActor(), "Actor recorded in the audit trail")
	register.Run = func(args []string) error {
		if err := register.Flags.Parse(args); err != nil {
			return err
		}
		if err := required(register.Flags, "code"); err != nil {
			return err
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			p, err := a.Engine.RegisterPermission(ctx, register.Flags.Lookup("actor").Value.String(), rbac.Permission{
				Code:        register.Flags.Lookup("code").Value.String(),
				Description: register.Flags.Lookup("description").Value.String(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Registered permission %s\n", p.Code)
			return nil
		})
	}

	list := &Command{
		Name:        "list",
		Description: "List registered permissions",
		Flags:       newFlagSet(env, "permission list"),
	}
	list.Run = func(args []string) error {
		if err := list.Flags.Parse(args); err != nil {
			return err
		}
		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			perms, err := a.Engine.ListPermissions(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tDESCRIPTION")
			for _, p := range perms {
				fmt.Fprintf(w, "%s\t%s\n", p.Code, p.Description)
			}
			return w.Flush()
		})
	}

	return group(env, "permission", "Manage permission codes", register, list)
}
