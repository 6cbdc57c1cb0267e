package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dray-io/sweepd/internal/backup"
	"github.com/dray-io/sweepd/internal/config"
	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/logging"
	"github.com/dray-io/sweepd/internal/metadata"
	"github.com/dray-io/sweepd/internal/metadata/keys"
	"github.com/dray-io/sweepd/internal/sweep"
	"github.com/dray-io/sweepd/internal/sweep/priority"
	"github.com/dray-io/sweepd/internal/sweep/progress"
	"github.com/dray-io/sweepd/internal/sweep/selector"
	"github.com/dray-io/sweepd/internal/timestamp"
)

const adminTimeout = 30 * time.Second

// AdminOptions contains the stores admin commands operate on.
type AdminOptions struct {
	Config   *config.Config
	Logger   *logging.Logger
	Meta     metadata.MetadataStore
	KV       kvs.KeyValueService
	Progress *progress.Store
	Priority *priority.Store
	Selector *selector.Selector
	Bounds   *timestamp.BoundStore

	// Backups is nil when backups are disabled.
	Backups *backup.Manager
}

// runAdmin handles admin subcommands.
func runAdmin(args []string) {
	if len(args) < 1 {
		printAdminUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "config":
		runAdminConfig(args[1:])
	case "status":
		runAdminStatus(args[1:])
	case "priority":
		runAdminPriority(args[1:])
	case "reset":
		runAdminReset(args[1:])
	case "backup":
		runAdminBackup(args[1:])
	case "restore":
		runAdminRestore(args[1:])
	case "timestamp-backup":
		runAdminTimestampBackup(args[1:])
	case "timestamp-restore":
		runAdminTimestampRestore(args[1:])
	case "help", "-h", "--help":
		printAdminUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n\n", subcommand)
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Println(`Usage: sweepd admin <command> [options]

Admin commands for inspecting and repairing sweep state.

Commands:
  config             Print the effective configuration as YAML
  status             Tables with their sweep priority, progress and score
  priority           Show the priority record of one or all tables
  reset              Discard the sweep run in flight on a table
  backup             Snapshot progress and priority records to the object store
  restore            Restore progress and priority records from a snapshot
  timestamp-backup   Move the timestamp bound aside before a store restore
  timestamp-restore  Move the timestamp bound back after a store restore

Run 'sweepd admin <command> --help' for more information on a command.`)
}

// adminCommand parses flags, opens the stores and runs fn with a timeout.
func adminCommand(fs *flag.FlagSet, args []string, usage string, fn func(ctx context.Context, opts *AdminOptions) error) {
	configPath := fs.String("config", "", "Path to configuration file")
	fs.Usage = func() {
		fmt.Println(usage + "\n\nOptions:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	if err := fn(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		cleanup()
		os.Exit(1)
	}
}

// ============================================================================
// Config
// ============================================================================

func runAdminConfig(args []string) {
	fs := flag.NewFlagSet("admin config", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	fs.Usage = func() {
		fmt.Println(`Usage: sweepd admin config [options]

Print the configuration after defaults and environment overrides, with
credentials masked.

Options:`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := printConfig(os.Stdout, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printConfig(w io.Writer, cfg *config.Config) error {
	data, err := cfg.Redacted().YAML()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ============================================================================
// Status
// ============================================================================

// TableStatus is one row of the status report.
type TableStatus struct {
	Table      string          `json:"table"`
	Strategy   string          `json:"strategy"`
	Eligible   bool            `json:"eligible"`
	Score      float64         `json:"score"`
	InProgress bool            `json:"inProgress"`
	Priority   *sweep.Priority `json:"priority,omitempty"`
	Progress   *sweep.Progress `json:"progress,omitempty"`
}

// StatusReport holds diagnostic information about sweeping.
type StatusReport struct {
	Timestamp     string        `json:"timestamp"`
	MetadataStore string        `json:"metadataStore"`
	Tables        []TableStatus `json:"tables"`
	Errors        []string      `json:"errors,omitempty"`
}

func runAdminStatus(args []string) {
	fs := flag.NewFlagSet("admin status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	adminCommand(fs, args, `Usage: sweepd admin status [options]

Show every table with its sweep priority, progress and selection score.`,
		func(ctx context.Context, opts *AdminOptions) error {
			report, err := buildStatus(ctx, opts, time.Now())
			if err != nil {
				return err
			}
			return printStatus(os.Stdout, report, *jsonOutput)
		})
}

func buildStatus(ctx context.Context, opts *AdminOptions, now time.Time) (StatusReport, error) {
	report := StatusReport{Timestamp: now.Format(time.RFC3339)}

	_, err := opts.Meta.Get(ctx, keys.HealthCheckKeyPath)
	if err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
		report.MetadataStore = "error"
		report.Errors = append(report.Errors, fmt.Sprintf("metadata store: %v", err))
		return report, nil
	}
	report.MetadataStore = "ok"

	tables, err := opts.KV.ListTables(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list tables: %w", err)
	}
	priorities, err := opts.Priority.ListByTable(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list priorities: %w", err)
	}
	runs, err := opts.Progress.List(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list progress: %w", err)
	}
	candidates, err := opts.Selector.Candidates(ctx)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
	}
	eligible := make(map[kvs.TableRef]bool, len(candidates))
	for _, c := range candidates {
		eligible[c.Table] = true
	}
	progressByTable := make(map[kvs.TableRef]sweep.Progress, len(runs))
	for _, p := range runs {
		progressByTable[p.Table] = p
	}

	for _, table := range tables {
		if table.IsSystem() {
			continue
		}
		row := TableStatus{Table: table.String(), Eligible: eligible[table]}
		if md, err := opts.KV.Metadata(ctx, table); err == nil {
			row.Strategy = string(md.SweepStrategy.Normalize())
		} else {
			report.Errors = append(report.Errors, fmt.Sprintf("metadata of %s: %v", table, err))
		}
		if p, ok := priorities[table]; ok {
			row.Priority = &p
			row.Score = opts.Selector.Score(p, now.UnixMilli())
		}
		if p, ok := progressByTable[table]; ok {
			row.Progress = &p
			row.InProgress = true
		}
		report.Tables = append(report.Tables, row)
	}
	return report, nil
}

func printStatus(w io.Writer, report StatusReport, asJSON bool) error {
	if asJSON {
		return writeJSON(w, report)
	}

	fmt.Fprintln(w, "Sweep Status")
	fmt.Fprintln(w, "============")
	fmt.Fprintf(w, "Timestamp: %s\n", report.Timestamp)
	fmt.Fprintf(w, "Metadata Store: %s\n", report.MetadataStore)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tSTRATEGY\tELIGIBLE\tSCORE\tWRITES\tDELETED\tEXAMINED\tLAST SWEEP\tIN PROGRESS")
	for _, t := range report.Tables {
		var writes, deleted, examined int64
		lastSweep := "never"
		if t.Priority != nil {
			writes = t.Priority.WriteCount
			deleted = t.Priority.StaleValuesDeleted
			examined = t.Priority.CellTsPairsExamined
			if !t.Priority.NeverSwept() {
				lastSweep = time.UnixMilli(t.Priority.LastSweepTimeMillis).UTC().Format(time.RFC3339)
			}
		}
		inProgress := "-"
		if t.Progress != nil {
			inProgress = fmt.Sprintf("run %s at %q", t.Progress.RunID, t.Progress.StartRow)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%.1f\t%d\t%d\t%d\t%s\t%s\n",
			t.Table, t.Strategy, t.Eligible, t.Score, writes, deleted, examined, lastSweep, inProgress)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(report.Errors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Errors:")
		for _, e := range report.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	return nil
}

// ============================================================================
// Priority and reset
// ============================================================================

func runAdminPriority(args []string) {
	fs := flag.NewFlagSet("admin priority", flag.ExitOnError)
	table := fs.String("table", "", "Qualified table name (default: all tables)")
	adminCommand(fs, args, `Usage: sweepd admin priority [options]

Print the stored sweep priority records as JSON.`,
		func(ctx context.Context, opts *AdminOptions) error {
			return showPriority(ctx, opts, os.Stdout, *table)
		})
}

func showPriority(ctx context.Context, opts *AdminOptions, w io.Writer, table string) error {
	if table == "" {
		all, err := opts.Priority.List(ctx)
		if err != nil {
			return err
		}
		return writeJSON(w, all)
	}
	ref := kvs.ParseTableRef(table)
	p, ok, err := opts.Priority.Get(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no priority recorded for table %s", ref)
	}
	return writeJSON(w, p)
}

func runAdminReset(args []string) {
	fs := flag.NewFlagSet("admin reset", flag.ExitOnError)
	table := fs.String("table", "", "Qualified table name (required)")
	dropPriority := fs.Bool("priority", false, "Also delete the table's priority record")
	adminCommand(fs, args, `Usage: sweepd admin reset -table <name> [options]

Discard the sweep run in flight on a table. The next run starts from the
first row. Counters contributed by the discarded run are removed from the
priority totals.`,
		func(ctx context.Context, opts *AdminOptions) error {
			return resetTable(ctx, opts, os.Stdout, *table, *dropPriority)
		})
}

func resetTable(ctx context.Context, opts *AdminOptions, w io.Writer, table string, dropPriority bool) error {
	ref := kvs.ParseTableRef(table)
	if err := ref.Validate(); err != nil {
		return err
	}
	if err := opts.Progress.Clear(ctx, ref); err != nil {
		return err
	}
	if dropPriority {
		if err := opts.Priority.Delete(ctx, ref); err != nil {
			return err
		}
		fmt.Fprintf(w, "Reset %s and deleted its priority record\n", ref)
		return nil
	}
	if _, ok, err := opts.Priority.Get(ctx, ref); err != nil {
		return err
	} else if ok {
		if err := opts.Priority.AbandonRun(ctx, ref); err != nil {
			return err
		}
	}
	fmt.Fprintf(w, "Reset %s\n", ref)
	return nil
}

// ============================================================================
// Backups
// ============================================================================

func runAdminBackup(args []string) {
	fs := flag.NewFlagSet("admin backup", flag.ExitOnError)
	list := fs.Bool("list", false, "List snapshots instead of taking one")
	adminCommand(fs, args, `Usage: sweepd admin backup [options]

Snapshot every progress and priority record to the object store.`,
		func(ctx context.Context, opts *AdminOptions) error {
			return backupState(ctx, opts, os.Stdout, *list)
		})
}

func backupState(ctx context.Context, opts *AdminOptions, w io.Writer, list bool) error {
	if opts.Backups == nil {
		return errors.New("backups are disabled; set backup.enabled and backup.bucket")
	}
	if list {
		infos, err := opts.Backups.List(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tTAKEN AT\tCODEC\tSIZE")
		for _, info := range infos {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", info.Key,
				time.UnixMilli(info.TakenAtMillis).UTC().Format(time.RFC3339), info.Codec, info.Size)
		}
		return tw.Flush()
	}
	info, err := opts.Backups.Backup(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Wrote %s (%d bytes)\n", info.Key, info.Size)
	return nil
}

func runAdminRestore(args []string) {
	fs := flag.NewFlagSet("admin restore", flag.ExitOnError)
	key := fs.String("key", "", "Snapshot object key (default: latest)")
	skipMissing := fs.Bool("skip-missing", false, "Skip records of tables that no longer exist")
	adminCommand(fs, args, `Usage: sweepd admin restore [options]

Restore progress and priority records from a snapshot. Stop every sweeper
first. Fails without writing anything when a table in the snapshot no
longer exists, unless -skip-missing is set.`,
		func(ctx context.Context, opts *AdminOptions) error {
			return restoreState(ctx, opts, os.Stdout, *key, *skipMissing)
		})
}

func restoreState(ctx context.Context, opts *AdminOptions, w io.Writer, key string, skipMissing bool) error {
	if opts.Backups == nil {
		return errors.New("backups are disabled; set backup.enabled and backup.bucket")
	}
	result, err := opts.Backups.Restore(ctx, key, backup.RestoreOptions{SkipMissingTables: skipMissing})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Restored %s: %d priority, %d progress records, %d cleared\n",
		result.Key, result.PriorityRestored, result.ProgressRestored, result.ProgressCleared)
	for _, t := range result.SkippedTables {
		fmt.Fprintf(w, "  skipped missing table %s\n", t)
	}
	return nil
}

// ============================================================================
// Timestamp bound
// ============================================================================

func runAdminTimestampBackup(args []string) {
	fs := flag.NewFlagSet("admin timestamp-backup", flag.ExitOnError)
	adminCommand(fs, args, `Usage: sweepd admin timestamp-backup [options]

Move the timestamp bound to its backup cell and print it. No sweep
timestamp is issued until timestamp-restore runs.`,
		func(ctx context.Context, opts *AdminOptions) error {
			return backupTimestamp(ctx, opts, os.Stdout)
		})
}

func runAdminTimestampRestore(args []string) {
	fs := flag.NewFlagSet("admin timestamp-restore", flag.ExitOnError)
	adminCommand(fs, args, `Usage: sweepd admin timestamp-restore [options]

Restore the timestamp bound from its backup cell.`,
		func(ctx context.Context, opts *AdminOptions) error {
			return restoreTimestamp(ctx, opts, os.Stdout)
		})
}

func backupTimestamp(ctx context.Context, opts *AdminOptions, w io.Writer) error {
	limit, err := opts.Bounds.BackupAndInvalidate(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Timestamp bound %d backed up and invalidated\n", limit)
	return nil
}

func restoreTimestamp(ctx context.Context, opts *AdminOptions, w io.Writer) error {
	if err := opts.Bounds.RevalidateFromBackup(ctx); err != nil {
		return err
	}
	limit, err := opts.Bounds.UpperLimit(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Timestamp bound %d restored\n", limit)
	return nil
}

// ============================================================================
// Helper Functions
// ============================================================================

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func initAdminOpts(configPath string) (*AdminOptions, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := openBackends(ctx, cfg, backendMetrics{}, logger)
	if err != nil {
		return nil, nil, err
	}
	opts, err := newAdminOpts(cfg, logger, b)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	cleanup := func() {
		b.Close()
	}
	return opts, cleanup, nil
}

func newAdminOpts(cfg *config.Config, logger *logging.Logger, b *backends) (*AdminOptions, error) {
	progressStore := progress.NewStore(b.Meta)
	priorityStore := priority.NewStore(b.Meta)
	sel, err := selector.New(selector.Config{
		DisabledTables:   cfg.Sweep.DisabledTables,
		ShardCount:       cfg.Sweep.ShardCount,
		ShardIndex:       cfg.Sweep.ShardIndex,
		StarvationWeight: cfg.Sweep.StarvationWeight,
		StarvationWindow: cfg.StarvationWindow(),
	}, b.KV, priorityStore, progressStore, logger)
	if err != nil {
		return nil, err
	}

	opts := &AdminOptions{
		Config:   cfg,
		Logger:   logger,
		Meta:     b.Meta,
		KV:       b.KV,
		Progress: progressStore,
		Priority: priorityStore,
		Selector: sel,
		Bounds:   timestamp.NewBoundStore(b.KV),
	}
	if b.Objects != nil {
		codec, err := backup.ParseCodec(cfg.Backup.Codec)
		if err != nil {
			return nil, err
		}
		opts.Backups, err = backup.NewManager(b.Objects, progressStore, priorityStore, b.KV, backup.Config{
			Codec:  codec,
			Retain: cfg.Backup.Retain,
		}, logger)
		if err != nil {
			return nil, err
		}
	}
	return opts, nil
}
