package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/app"
	"github.com/platinummonkey/gatekeeper/pkg/config"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// ErrDenied is returned by the check command for a denied decision so the
// process exits non-zero.
var ErrDenied = errors.New("permission denied")

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// Env is what commands share: output streams, the logger and the way to
// reach the database.
type Env struct {
	Out    io.Writer
	Err    io.Writer
	Log    *logrus.Logger
	Config func() (*config.Config, error)
}

// DefaultEnv reads configuration from the environment and logs text to
// stderr.
func DefaultEnv() *Env {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return &Env{
		Out:    os.Stdout,
		Err:    os.Stderr,
		Log:    log,
		Config: config.LoadConfig,
	}
}

// open builds the engine over the configured database
func (e *Env) open(ctx context.Context, migrate bool) (*app.App, *config.Config, error) {
	cfg, err := e.Config()
	if err != nil {
		return nil, nil, err
	}
	if level, err := logrus.ParseLevel(cfg.Observability.LogLevel.String()); err == nil {
		e.Log.SetLevel(level)
	}
	// the engine's own logger only reports problems on the CLI
	logger := observability.NewLogger(observability.WarnLevel, e.Err)
	a, err := app.Open(ctx, cfg, app.Options{Logger: logger, SkipMigrations: !migrate})
	if err != nil {
		return nil, nil, err
	}
	e.Log.WithFields(logrus.Fields{
		"driver": cfg.Database.Driver,
		"cache":  cfg.Cache.Backend,
	}).Debug("connected")
	return a, cfg, nil
}

// NewRootCommand creates the root command
func NewRootCommand(env *Env) *Command {
	if env == nil {
		env = DefaultEnv()
	}
	root := &Command{
		Name:        "gatekeeper",
		Description: "Gatekeeper - organization-scoped RBAC administration",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("gatekeeper", flag.ContinueOnError),
	}

	for _, cmd := range []*Command{
		newMigrateCommand(env),
		newSeedCommand(env),
		newOrgCommand(env),
		newPrincipalCommand(env),
		newPermissionCommand(env),
		newRoleCommand(env),
		newEffectiveCommand(env),
		newGrantCommand(env),
		newDelegateCommand(env),
		newRevokeCommand(env),
		newAssignmentsCommand(env),
		newCheckCommand(env),
		newSweepCommand(env),
		newAuditCommand(env),
	} {
		root.Subcommands[cmd.Name] = cmd
	}
	return root
}

// group builds a command that only dispatches to subcommands
func group(env *Env, name, description string, subs ...*Command) *Command {
	cmd := &Command{
		Name:        name,
		Description: description,
		Subcommands: make(map[string]*Command),
		Flags:       newFlagSet(env, name),
	}
	for _, s := range subs {
		cmd.Subcommands[s.Name] = s
	}
	cmd.Run = func(args []string) error {
		return cmd.dispatch(env.Out, args)
	}
	return cmd
}

func newFlagSet(env *Env, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.Err)
	return fs
}

// Execute runs the command with the process arguments
func (c *Command) Execute() error {
	return c.ExecuteArgs(os.Args[1:])
}

// ExecuteArgs runs the command with explicit arguments
func (c *Command) ExecuteArgs(args []string) error {
	return c.dispatch(os.Stdout, args)
}

func (c *Command) dispatch(out io.Writer, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		return c.usage(out)
	}
	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(args[1:])
	}
	return fmt.Errorf("unknown command: %s", args[0])
}

// usage prints the command usage
func (c *Command) usage(out io.Writer) error {
	fmt.Fprintf(out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(out, "Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// defaultActor names the operator in audit records
func defaultActor() string {
	if user := os.Getenv("USER"); user != "" {
		return "cli:" + user
	}
	return "cli"
}

// parseExpiry accepts a duration from now or an RFC 3339 timestamp
func parseExpiry(value string, now time.Time) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("expiry duration must be positive")
		}
		t := now.Add(d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry %q: want a duration like 72h or an RFC 3339 time", value)
	}
	return &t, nil
}

// splitList splits a comma-separated flag value, dropping blanks
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// required reports the first empty flag by name
func required(fs *flag.FlagSet, names ...string) error {
	var missing []string
	for _, name := range names {
		if fs.Lookup(name).Value.String() == "" {
			missing = append(missing, "-"+name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required", strings.Join(missing, ", "))
	}
	return nil
}
