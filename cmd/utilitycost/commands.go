package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/bher20/utilitycost/internal/app"
	"github.com/bher20/utilitycost/internal/config"
	"github.com/bher20/utilitycost/internal/cron"
	"github.com/bher20/utilitycost/internal/migrate"
	"github.com/bher20/utilitycost/internal/recalc"
	"github.com/bher20/utilitycost/internal/tariff"
)

func newServeCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []fx.Option{app.Core, app.Server}
			if withWorker {
				opts = append(opts, app.Worker)
			}
			return runApp(opts...)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", true, "also run the scheduled recalculation worker")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the scheduled recalculation pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !once {
				return runApp(app.Core, app.Worker)
			}
			ctx, cancel := signalContext()
			defer cancel()

			var w *cron.Worker
			return withCore(ctx, func(ctx context.Context) error {
				return w.Tick(ctx)
			}, &w)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	run := func(fn func(ctx context.Context, cfg config.Config) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if cfg.Database.Driver == "memory" {
				return fmt.Errorf("the memory driver has no schema to migrate")
			}
			return fn(cmd.Context(), cfg)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: run(func(ctx context.Context, cfg config.Config) error {
				return migrate.Up(ctx, cfg.Database.Driver, cfg.Database.DSN)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: run(func(ctx context.Context, cfg config.Config) error {
				return migrate.Down(ctx, cfg.Database.Driver, cfg.Database.DSN)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print migration status",
			RunE: run(func(ctx context.Context, cfg config.Config) error {
				return migrate.Status(ctx, cfg.Database.Driver, cfg.Database.DSN)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: run(func(ctx context.Context, cfg config.Config) error {
				v, err := migrate.Version(ctx, cfg.Database.Driver, cfg.Database.DSN)
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			}),
		},
	)
	return cmd
}

func newImportTariffCmd() *cobra.Command {
	var (
		provider    string
		file        string
		effective   string
		version     int
		keepCurrent bool
		list        bool
	)
	cmd := &cobra.Command{
		Use:   "import-tariff",
		Short: "Parse a tariff sheet and publish it as an official rate version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if list {
				for _, key := range tariff.ListParsers() {
					p, _ := tariff.GetParser(key)
					fmt.Printf("%-20s %-12s %s\n", key, p.UtilityType, p.Name)
				}
				return nil
			}
			if provider == "" || file == "" {
				return fmt.Errorf("--provider and --file are required")
			}

			opts := tariff.ImportOptions{Version: version, KeepCurrent: keepCurrent}
			if effective != "" {
				t, err := time.Parse("2006-01-02", effective)
				if err != nil {
					return fmt.Errorf("--effective: %w", err)
				}
				opts.EffectiveDate = t
			}

			var imp *tariff.Importer
			return withCore(cmd.Context(), func(ctx context.Context) error {
				rv, err := imp.ImportFile(ctx, provider, file, opts)
				if err != nil {
					return err
				}
				return printJSON(rv)
			}, &imp)
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "parser key, see --list")
	cmd.Flags().StringVar(&file, "file", "", "tariff sheet, PDF or plain text")
	cmd.Flags().StringVar(&effective, "effective", "", "effective date YYYY-MM-DD, overrides the sheet")
	cmd.Flags().IntVar(&version, "version", 0, "version number, defaults to one past the latest")
	cmd.Flags().BoolVar(&keepCurrent, "keep-current", false, "publish without replacing the current version")
	cmd.Flags().BoolVar(&list, "list", false, "list the registered parsers")
	return cmd
}

func newRecalcCmd() *cobra.Command {
	var utility, month string
	cmd := &cobra.Command{
		Use:   "recalc",
		Short: "Recalculate one billing month",
		RunE: func(cmd *cobra.Command, args []string) error {
			if utility == "" || month == "" {
				return fmt.Errorf("--utility and --month are required")
			}
			var job *recalc.Job
			return withCore(cmd.Context(), func(ctx context.Context) error {
				res, err := job.RecalculateMonth(ctx, utility, month)
				if err != nil {
					return err
				}
				return printJSON(res)
			}, &job)
		},
	}
	cmd.Flags().StringVar(&utility, "utility", "", "utility type")
	cmd.Flags().StringVar(&month, "month", "", "billing month YYYY-MM")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
