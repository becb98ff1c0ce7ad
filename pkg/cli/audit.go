package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/app"
	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/config"
)

func newAuditCommand(env *Env) *Command {
	return group(env, "audit", "Export and archive the audit trail",
		newAuditExportCommand(env),
		newAuditArchiveCommand(env),
	)
}

// parseWindow reads -from and -to. Both accept RFC 3339 times; -from also
// accepts a duration back from now.
func parseWindow(from, to string, now time.Time) (*time.Time, *time.Time, error) {
	var start, end *time.Time
	if from != "" {
		if d, err := time.ParseDuration(from); err == nil {
			t := now.Add(-d)
			start = &t
		} else {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid -from %q", from)
			}
			start = &t
		}
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid -to %q", to)
		}
		end = &t
	}
	if start != nil && end != nil && !start.Before(*end) {
		return nil, nil, fmt.Errorf("-from must be before -to")
	}
	return start, end, nil
}

func newAuditExportCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "export",
		Description: "Write audit records as JSON, NDJSON or CSV",
		Flags:       newFlagSet(env, "audit export"),
	}
	cmd.Flags.String("format", "json", "Output format: json, ndjson or csv")
	cmd.Flags.String("from", "", "Start of the window (RFC 3339 or a duration like 24h)")
	cmd.Flags.String("to", "", "End of the window, exclusive (RFC 3339)")
	cmd.Flags.String("org", "", "Only records for this organization")
	cmd.Flags.String("actor", "", "Only records by this actor")
	cmd.Flags.String("target", "", "Only records about this target id")
	cmd.Flags.String("event", "", "Comma-separated event types")
	cmd.Flags.String("outcome", "", "Only records with this outcome")
	cmd.Flags.Int("limit", 0, "Maximum number of records (0 = all)")
	cmd.Flags.String("out", "", "Output file (default: stdout)")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		format := audit.ExportFormat(cmd.Flags.Lookup("format").Value.String())
		switch format {
		case audit.ExportFormatJSON, audit.ExportFormatNDJSON, audit.ExportFormatCSV:
		default:
			return fmt.Errorf("unsupported export format: %s", format)
		}

		start, end, err := parseWindow(cmd.Flags.Lookup("from").Value.String(), cmd.Flags.Lookup("to").Value.String(), time.Now())
		if err != nil {
			return err
		}
		filter := audit.Filter{
			StartTime:      start,
			EndTime:        end,
			OrganizationID: cmd.Flags.Lookup("org").Value.String(),
			ActorID:        cmd.Flags.Lookup("actor").Value.String(),
			TargetID:       cmd.Flags.Lookup("target").Value.String(),
			Outcome:        audit.Outcome(cmd.Flags.Lookup("outcome").Value.String()),
		}
		for _, et := range splitList(cmd.Flags.Lookup("event").Value.String()) {
			filter.EventTypes = append(filter.EventTypes, audit.EventType(et))
		}
		filter.Limit = cmd.Flags.Lookup("limit").Value.(flag.Getter).Get().(int)

		var out io.Writer = env.Out
		if path := cmd.Flags.Lookup("out").Value.String(); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer f.Close()
			out = f
		}

		return withApp(env, func(ctx context.Context, a *app.App, _ *config.Config) error {
			n, err := audit.ExportStore(ctx, a.Audit, filter, format, out)
			if err != nil {
				return err
			}
			env.Log.WithFields(logrus.Fields{"records": n, "format": format}).Info("audit export finished")
			return nil
		})
	}
	return cmd
}

func newAuditArchiveCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "archive",
		Description: "Upload a window of the audit trail to the configured S3 bucket",
		Flags:       newFlagSet(env, "audit archive"),
	}
	cmd.Flags.String("from", "24h", "Start of the window (RFC 3339 or a duration back from now)")
	cmd.Flags.String("to", "", "End of the window, exclusive (RFC 3339, default: now)")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		now := time.Now().UTC()
		start, end, err := parseWindow(cmd.Flags.Lookup("from").Value.String(), cmd.Flags.Lookup("to").Value.String(), now)
		if err != nil {
			return err
		}
		if start == nil {
			return fmt.Errorf("-from required")
		}
		if end == nil {
			end = &now
		}

		return withApp(env, func(ctx context.Context, a *app.App, cfg *config.Config) error {
			if cfg.Audit.Archive.Bucket == "" {
				return fmt.Errorf("no archive bucket configured (GATEKEEPER_ARCHIVE_BUCKET)")
			}
			client, err := audit.NewS3Client(ctx, cfg.Audit.Archive)
			if err != nil {
				return err
			}
			archiver, err := audit.NewS3Archiver(a.Audit, client, cfg.Audit.Archive)
			if err != nil {
				return err
			}
			n, err := archiver.Archive(ctx, *start, *end)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Archived %d records to s3://%s/%s\n", n, cfg.Audit.Archive.Bucket, archiver.ObjectKey(*start, *end))
			return nil
		})
	}
	return cmd
}
