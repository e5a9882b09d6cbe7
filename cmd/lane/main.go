package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"laneline/internal/app"
	"laneline/internal/config"
	"laneline/internal/doctor"
	"laneline/internal/domain"
	"laneline/internal/engine"
	"laneline/internal/events"
	"laneline/internal/migrate"
	"laneline/internal/outbox"
	"laneline/internal/reduce"
	"laneline/internal/validate"
	"laneline/internal/views"
)

var rootCmd = &cobra.Command{
	Use:   "lane",
	Short: "Laneline CLI",
	Long: `Laneline tracks work packages through a fixed set of lanes with an
append-only event log as the single source of truth.
- Lanes: planned -> claimed -> in_progress -> for_review -> done, with
  blocked, canceled, and rework loops in between.
- Events: every transition is one immutable JSON line in status.jsonl.
- Snapshot: status_snapshot.json is a disposable cache, always rebuildable
  from the log with 'lane materialize'.
- Concurrency: worktrees append independently; replay order is resolved by
  (timestamp, event id), so merged logs reduce deterministically.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LANELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("feature", "f", "", "feature slug")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation (requires --reason)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("feature", rootCmd.PersistentFlags().Lookup("feature"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(materializeCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(outboxCmd())
}

func logger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func resolveFeature(allowMissing bool) (app.Feature, error) {
	return app.ResolveFeature(viper.GetString("workspace"), viper.GetString("feature"), allowMissing)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default laneline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show current work-package lanes for a feature",
		RunE: func(cmd *cobra.Command, args []string) error {
			feat, err := resolveFeature(false)
			if err != nil {
				return err
			}
			evs, err := events.ReadAll(feat.Dir)
			if err != nil {
				return err
			}
			snap := reduce.Reduce(feat.Slug, evs)
			if viper.GetBool("json") {
				return printJSON(snap)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"WP", "Lane", "Actor", "Updated", "Forced"})
			ids := make([]string, 0, len(snap.WorkPackages))
			for wp := range snap.WorkPackages {
				ids = append(ids, wp)
			}
			sort.Strings(ids)
			for _, wp := range ids {
				st := snap.WorkPackages[wp]
				tw.AppendRow(table.Row{wp, st.Lane, st.Actor, st.TransitionAt, st.ForceCount})
			}
			tw.Render()
			fmt.Printf("%d events, last %s\n", snap.EventCount, snap.LastEventID)
			return nil
		},
	}
}

func setCmd() *cobra.Command {
	var (
		reason      string
		reviewRef   string
		mode        string
		repoRoot    string
		reviewer    string
		verdict     string
		approvalRef string
	)
	cmd := &cobra.Command{
		Use:   "set <wp> <lane>",
		Short: "Transition a work package to a new lane",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			feat, err := resolveFeature(true)
			if err != nil {
				return err
			}
			eng := engine.New(logger())
			eng.Views = viewUpdater{}
			if feat.Config.Outbox.Enabled {
				ob, err := outbox.Open(viper.GetString("workspace"))
				if err != nil {
					// Telemetry spool trouble must not block the write path.
					lg := logger()
					lg.Warn().Err(err).Msg("outbox unavailable")
				} else {
					defer ob.Close()
					eng.Sync = ob
				}
			}
			opts := engine.EmitOptions{
				Force:         viper.GetBool("force"),
				Reason:        reason,
				ReviewRef:     reviewRef,
				ExecutionMode: mode,
				RepoRoot:      repoRoot,
			}
			if reviewer != "" || verdict != "" || approvalRef != "" {
				opts.Evidence = &domain.DoneEvidence{Review: domain.ReviewApproval{
					Reviewer:  reviewer,
					Verdict:   verdict,
					Reference: approvalRef,
				}}
			}
			ev, err := eng.Emit(feat.Dir, feat.Slug, args[0], args[1], viper.GetString("actor-id"), opts)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(ev)
			}
			fmt.Printf("%s: %s -> %s (%s)\n", ev.WP, ev.FromLane, ev.ToLane, ev.EventID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the transition")
	cmd.Flags().StringVar(&reviewRef, "review-ref", "", "review feedback reference")
	cmd.Flags().StringVar(&mode, "mode", "", "execution mode (worktree|direct_repo)")
	cmd.Flags().StringVar(&repoRoot, "repo-root", "", "repository root for workspace context")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "review approval: reviewer")
	cmd.Flags().StringVar(&verdict, "verdict", "", "review approval: verdict")
	cmd.Flags().StringVar(&approvalRef, "approval-ref", "", "review approval: reference")
	return cmd
}

// viewUpdater adapts the views package to the engine's collaborator
// interface.
type viewUpdater struct{}

func (viewUpdater) UpdateAllViews(featureDir string, snap domain.StatusSnapshot) error {
	return views.UpdateAllViews(featureDir, snap)
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			feat, err := resolveFeature(false)
			if err != nil {
				return err
			}
			evs, err := events.ReadAll(feat.Dir)
			if err != nil {
				return err
			}
			if len(evs) > n {
				evs = evs[len(evs)-n:]
			}
			if viper.GetBool("json") {
				return printJSON(evs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"TS", "WP", "From", "To", "Actor", "Force", "Reason"})
			for _, ev := range evs {
				tw.AppendRow(table.Row{ev.Timestamp, ev.WP, ev.FromLane, ev.ToLane, ev.Actor, ev.Force, ev.Reason})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	return cmd
}

func materializeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "materialize",
		Short: "Rebuild the snapshot file from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			feat, err := resolveFeature(false)
			if err != nil {
				return err
			}
			snap, err := reduce.Materialize(feat.Dir)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(snap)
			}
			fmt.Printf("materialized %d events into %s\n", snap.EventCount, events.SnapshotPath(feat.Dir))
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Audit the log, snapshot, and derived views",
		RunE: func(cmd *cobra.Command, args []string) error {
			feat, err := resolveFeature(false)
			if err != nil {
				return err
			}
			findings, err := validate.Feature(feat.Dir, feat.Config)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(findings)
			}
			if len(findings) == 0 {
				fmt.Println("clean")
				return nil
			}
			for _, f := range findings {
				fmt.Println(f)
			}
			for _, f := range findings {
				if f.Severity == validate.SeverityError {
					return fmt.Errorf("%d findings", len(findings))
				}
			}
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	var dryRun, all bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Reconstruct event history from legacy work-package files",
		RunE: func(cmd *cobra.Command, args []string) error {
			var feats []app.Feature
			if all {
				var err error
				feats, err = app.ListFeatures(viper.GetString("workspace"))
				if err != nil {
					return err
				}
			} else {
				feat, err := resolveFeature(false)
				if err != nil {
					return err
				}
				feats = []app.Feature{feat}
			}
			results := map[string]migrate.Result{}
			for _, feat := range feats {
				res, err := migrate.MigrateFeature(feat.Dir, feat.Config, migrate.Options{DryRun: dryRun})
				if err != nil {
					return fmt.Errorf("%s: %w", feat.Slug, err)
				}
				results[feat.Slug] = res
			}
			if viper.GetBool("json") {
				return printJSON(results)
			}
			for slug, res := range results {
				fmt.Printf("%s: %s (%s)\n", slug, res.Status, res.Detail)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute without writing")
	cmd.Flags().BoolVar(&all, "all", false, "migrate every feature in the workspace")
	return cmd
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run health checks over a feature",
		RunE: func(cmd *cobra.Command, args []string) error {
			feat, err := resolveFeature(false)
			if err != nil {
				return err
			}
			findings, err := doctor.Run(feat.Dir, feat.Config, time.Now().UTC())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(findings)
			}
			if len(findings) == 0 {
				fmt.Println("healthy")
				return nil
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Severity", "Category", "WP", "Message", "Action"})
			for _, f := range findings {
				tw.AppendRow(table.Row{f.Severity, f.Category, f.WP, f.Message, f.Action})
			}
			tw.Render()
			return nil
		},
	}
}

func outboxCmd() *cobra.Command {
	ob := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the telemetry spool",
	}
	ob.AddCommand(outboxListCmd())
	ob.AddCommand(outboxPurgeCmd())
	return ob
}

func outboxListCmd() *cobra.Command {
	var undelivered bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List spooled status-change records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutbox(func(ctx context.Context, ob *outbox.Outbox) error {
				records, err := ob.List(ctx, undelivered)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Feature", "WP", "From", "To", "Actor", "Delivered"})
				for _, r := range records {
					tw.AppendRow(table.Row{r.TS, r.Feature, r.WP, r.FromLane, r.ToLane, r.Actor, r.Delivered})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&undelivered, "undelivered", false, "only records not yet drained")
	return cmd
}

func outboxPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete delivered records from the spool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOutbox(func(ctx context.Context, ob *outbox.Outbox) error {
				n, err := ob.Purge(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("purged %d records\n", n)
				return nil
			})
		},
	}
}

func withOutbox(fn func(context.Context, *outbox.Outbox) error) error {
	ob, err := outbox.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ob.Close()
	return fn(context.Background(), ob)
}
