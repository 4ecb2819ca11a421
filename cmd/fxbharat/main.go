// fxbharat — INR exchange rates and LME commodity prices.
//
// Main CLI entrypoint using the cobra command framework.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	// SQL drivers for the relational backends and goose.
	_ "github.com/glebarez/go-sqlite"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fxbharat/fxbharat/internal/alerting"
	"github.com/fxbharat/fxbharat/internal/config"
	"github.com/fxbharat/fxbharat/internal/cron"
	"github.com/fxbharat/fxbharat/internal/dates"
	"github.com/fxbharat/fxbharat/internal/fx"
	"github.com/fxbharat/fxbharat/internal/logging"
	"github.com/fxbharat/fxbharat/internal/migrate"
	"github.com/fxbharat/fxbharat/internal/storage"
	"github.com/fxbharat/fxbharat/pkg/sources"
	"github.com/fxbharat/fxbharat/pkg/sources/rbi"
	"github.com/fxbharat/fxbharat/pkg/sources/sbi"

	// Registers the LME series sources.
	_ "github.com/fxbharat/fxbharat/pkg/sources/lme"
)

// Build-time variables (set via -ldflags).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	cfg *config.Config
	log *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fxbharat",
	Short: "INR exchange rates and LME commodity prices",
	Long: `fxbharat collects the INR exchange rates published by RBI and SBI and the
LME copper and aluminum cash settlements, persists them across SQLite,
PostgreSQL, MySQL and MongoDB backends, and serves daily, weekly and
monthly views of the stored series.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		level := cfg.Logging.Level
		if override, _ := cmd.Flags().GetString("log-level"); override != "" {
			level = override
		}
		log = logging.Init("fxbharat", level, cfg.Logging.Format)

		// Configured artifact directories override the package defaults.
		if cfg.Sources.RBIDir != "" {
			sources.Replace(rbi.New(cfg.Sources.RBIDir))
		}
		if cfg.Sources.SBIDir != "" {
			sources.Replace(sbi.New(cfg.Sources.SBIDir))
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path (default: ./fxbharat.yaml)")
	rootCmd.PersistentFlags().String("db", "", "storage URL override (sqlite://, postgres://, mysql://, mongodb://, memory)")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(metalsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(copyCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(watchCmd)
}

// dbURL resolves the storage URL: the --db flag wins over the config file.
func dbURL() string {
	if override, _ := rootCmd.PersistentFlags().GetString("db"); override != "" {
		return override
	}
	return cfg.Database.URL
}

// openService opens the configured backend and wraps it in the facade.
// Callers own the returned backend and must Close it.
func openService(ctx context.Context) (*fx.Service, storage.Backend, error) {
	backend, err := storage.Open(ctx, storage.Config{URL: dbURL(), Logger: log})
	if err != nil {
		return nil, nil, err
	}
	return fx.New(backend, log), backend, nil
}

func parseDayFlag(cmd *cobra.Command, name string, fallback time.Time) (time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return dates.Day(fallback), nil
	}
	day, err := dates.ParseDay(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return day, nil
}

// optionalDayFlag returns nil when the flag was not given, so the facade can
// apply its own open-bound semantics.
func optionalDayFlag(cmd *cobra.Command, name string) (*time.Time, error) {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return nil, nil
	}
	day, err := dates.ParseDay(raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &day, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// --- Version Command ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fxbharat %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

// --- Seed Command ---

var seedCmd = &cobra.Command{
	Use:   "seed [source]",
	Short: "Backfill rate rows for a source over a date range",
	Long: `Fetch and persist rate rows for one source (RBI or SBI) over an inclusive
date range. Months already covered by the source's checkpoint are skipped,
so re-running a seed is cheap.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		from, err := parseDayFlag(cmd, "from", storage.RBIMinAvailableDate)
		if err != nil {
			return err
		}
		to, err := parseDayFlag(cmd, "to", dates.Today().AddDate(0, 0, -1))
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		svc, backend, err := openService(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		res, err := svc.Seed(ctx, from, to, args[0], fx.SeedOptions{DryRun: dryRun})
		if err != nil {
			return err
		}
		label := strings.ToUpper(strings.TrimSpace(args[0]))
		if dryRun {
			fmt.Printf("%s: would ingest %d rows\n", label, res.Total())
			return nil
		}
		fmt.Printf("%s: %d inserted, %d updated\n", label, res.Inserted, res.Updated)
		return nil
	},
}

func init() {
	seedCmd.Flags().String("from", "", "start date YYYY-MM-DD (default: first RBI publication)")
	seedCmd.Flags().String("to", "", "end date YYYY-MM-DD (default: yesterday)")
	seedCmd.Flags().Bool("dry-run", false, "report what would be ingested without writing")
}

// --- Rate Command ---

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Show the stored rates for a day",
	Long: `Print the rate snapshot for a day as JSON, one snapshot per source.
Without --date each source reports its latest available day; without
--source both sources are shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		day, err := optionalDayFlag(cmd, "date")
		if err != nil {
			return err
		}
		source, _ := cmd.Flags().GetString("source")

		svc, backend, err := openService(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		snaps, err := svc.Rate(ctx, day, source)
		if err != nil {
			return err
		}
		return printJSON(snaps)
	},
}

func init() {
	rateCmd.Flags().String("date", "", "date YYYY-MM-DD (default: latest per source)")
	rateCmd.Flags().String("source", "", "restrict to one source (RBI or SBI)")
}

// --- History Command ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show stored rates over a range, down-sampled by frequency",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		from, err := optionalDayFlag(cmd, "from")
		if err != nil {
			return err
		}
		to, err := optionalDayFlag(cmd, "to")
		if err != nil {
			return err
		}
		frequency, _ := cmd.Flags().GetString("frequency")
		source, _ := cmd.Flags().GetString("source")

		svc, backend, err := openService(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		snaps, err := svc.History(ctx, from, to, frequency, source)
		if err != nil {
			return err
		}
		return printJSON(snaps)
	},
}

func init() {
	historyCmd.Flags().String("from", "", "start date YYYY-MM-DD (default: open)")
	historyCmd.Flags().String("to", "", "end date YYYY-MM-DD (default: open)")
	historyCmd.Flags().String("frequency", "daily", "daily, weekly or monthly")
	historyCmd.Flags().String("source", "", "restrict to one source (RBI or SBI)")
}

// --- Metals Commands ---

var metalsCmd = &cobra.Command{
	Use:   "metals",
	Short: "Work with the LME commodity series",
}

var metalsSeedCmd = &cobra.Command{
	Use:   "seed [metal]",
	Short: "Ingest new LME observations",
	Long: `Fetch the published settlement tables and persist every observation newer
than the series checkpoint. Without an argument both copper and aluminum
are refreshed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		metals := storage.Metals()
		if len(args) == 1 {
			m, err := storage.ParseMetal(args[0])
			if err != nil {
				return err
			}
			metals = []storage.Metal{m}
		}

		svc, backend, err := openService(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		for _, m := range metals {
			res, err := svc.SeedMetals(ctx, m, fx.SeedOptions{DryRun: dryRun})
			if err != nil {
				return err
			}
			name := strings.ToLower(string(m))
			if dryRun {
				fmt.Printf("%s: would ingest %d rows\n", name, res.Total())
				continue
			}
			fmt.Printf("%s: %d inserted, %d updated\n", name, res.Inserted, res.Updated)
		}
		return nil
	},
}

var metalsHistoryCmd = &cobra.Command{
	Use:   "history [metal]",
	Short: "Show stored observations for one metal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, err := storage.ParseMetal(args[0])
		if err != nil {
			return err
		}
		from, err := optionalDayFlag(cmd, "from")
		if err != nil {
			return err
		}
		to, err := optionalDayFlag(cmd, "to")
		if err != nil {
			return err
		}

		svc, backend, err := openService(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		rows, err := svc.MetalHistory(ctx, m, from, to)
		if err != nil {
			return err
		}
		return printJSON(rows)
	},
}

func init() {
	metalsSeedCmd.Flags().Bool("dry-run", false, "report what would be ingested without writing")
	metalsHistoryCmd.Flags().String("from", "", "start date YYYY-MM-DD (default: open)")
	metalsHistoryCmd.Flags().String("to", "", "end date YYYY-MM-DD (default: open)")

	metalsCmd.AddCommand(metalsSeedCmd)
	metalsCmd.AddCommand(metalsHistoryCmd)
}

// --- Status Command ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend connectivity and ingestion progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, backend, err := openService(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		ok, desc := svc.Connection(ctx)
		fmt.Printf("fxbharat %s (%s)\n", version, commit)
		fmt.Printf("  storage:         %s\n", desc)
		if !ok {
			return errors.New("storage unreachable")
		}

		for _, tag := range []string{storage.SourceRBI, storage.SourceSBI} {
			latest, err := svc.LatestRateDate(ctx, tag)
			if err != nil {
				return err
			}
			val := "no data"
			if latest != nil {
				val = dates.FormatDay(*latest)
			}
			fmt.Printf("  %-15s %s\n", tag+" latest:", val)
		}
		for _, metal := range storage.Metals() {
			cp, err := backend.Checkpoint(ctx, storage.MetalCheckpointSource(metal))
			if err != nil {
				return err
			}
			val := "no data"
			if cp != nil {
				val = dates.FormatDay(cp.LastIngested)
			}
			fmt.Printf("  %-15s %s\n", strings.ToLower(string(metal))+" latest:", val)
		}
		return nil
	},
}

// --- Copy Command ---

var copyCmd = &cobra.Command{
	Use:   "copy [target-url]",
	Short: "Copy every stored row and checkpoint into another backend",
	Long: `Copy all rate rows, both metal series and the ingestion checkpoints from
the configured backend into the target backend. The target schema is
created when missing; existing rows are upserted, never duplicated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, backend, err := openService(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		target, err := storage.Open(ctx, storage.Config{URL: args[0], Logger: log})
		if err != nil {
			return fmt.Errorf("open target: %w", err)
		}
		defer target.Close()

		res, err := svc.Migrate(ctx, target)
		if err != nil {
			return err
		}
		fmt.Printf("copied %d rows (%d inserted, %d updated)\n", res.Total(), res.Inserted, res.Updated)
		return nil
	},
}

// --- Migrate Commands ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run goose schema migrations against a SQL backend",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return migrate.Up(cmd.Context(), dbURL())
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return migrate.Down(cmd.Context(), dbURL())
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return migrate.Status(cmd.Context(), dbURL())
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

// --- Watch Command ---

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the scheduled ingestion worker",
	Long: `Refresh every configured rate source and LME series on the configured
schedule until interrupted. With --once a single cycle runs and the
command exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, backend, err := openService(ctx)
		if err != nil {
			return err
		}
		defer backend.Close()

		alerter := alerting.New(alerting.Config{
			WebhookURL:  cfg.Alerting.WebhookURL,
			WebhookType: cfg.Alerting.WebhookType,
			MinFailures: cfg.Alerting.MinFailures,
		}, log)

		worker, err := cron.New(svc, alerter, log, cron.Config{
			Schedule: cfg.Watch.Schedule,
			Sources:  cfg.Watch.Sources,
			Metals:   cfg.Watch.Metals,
		})
		if err != nil {
			return err
		}

		if once, _ := cmd.Flags().GetBool("once"); once {
			return worker.RunOnce(ctx)
		}

		if addr := cfg.Watch.MetricsAddr; addr != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				log.Info("metrics listener starting", "addr", addr)
				if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics listener failed", "error", err)
				}
			}()
		}

		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().Bool("once", false, "run a single ingestion cycle and exit")
}
