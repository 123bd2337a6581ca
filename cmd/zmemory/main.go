// Command zmemory runs the z-memory service and its maintenance tasks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bossandy123/z-memory/internal/backup"
	"github.com/bossandy123/z-memory/internal/config"
	"github.com/bossandy123/z-memory/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Each subcommand loads configuration
// from --config, defaults and ZMEMORY_* environment variables.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "zmemory",
		Short:         "Dual-store memory service with a reward-trained extraction policy",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default: $ZMEMORY_CONFIG)")

	load := func() (*config.Config, error) {
		return config.LoadConfig(configPath)
	}

	root.AddCommand(
		newServeCmd(load),
		newEvaluateCmd(load),
		newTrainCmd(load),
		newStatsCmd(load),
		newMigrateCmd(load),
		newBackupCmd(load),
	)
	return root
}

type configLoader func() (*config.Config, error)

// withApp loads configuration, wires the app and runs fn with it.
func withApp(ctx context.Context, load configLoader, live bool, fn func(context.Context, *app) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	logger, closer := newLogger(cfg)
	defer closer.Close()

	a, err := newApp(ctx, cfg, logger, live)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the reward sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, load, true, serve)
		},
	}
}

// serve runs the HTTP server and the sweeper until ctx is cancelled.
func serve(ctx context.Context, a *app) error {
	g, ctx := errgroup.WithContext(ctx)

	addr, err := server.Start(ctx, a.cfg, a.deps(), a.logger)
	if err != nil {
		return err
	}
	a.logger.Info("z-memory running", "url", "http://"+addr,
		"storage", a.cfg.Storage.Engine, "vector", a.cfg.Vector.Backend,
		"rl_flywheel", a.cfg.Features.EnableRL)

	if sw := a.sweeper(); sw != nil {
		g.Go(func() error { return sw.Start(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}

func newEvaluateCmd(load configLoader) *cobra.Command {
	var limit, days int
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate rewards for matured action logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), load, false, func(ctx context.Context, a *app) error {
				res, err := a.rewards.BatchEvaluate(ctx, limit, days)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum logs to evaluate")
	cmd.Flags().IntVar(&days, "days", 7, "only evaluate logs at least this many days old")
	return cmd
}

func newTrainCmd(load configLoader) *cobra.Command {
	var days, epochs int
	var noCheckpoint bool
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the extraction policy on evaluated logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), load, false, func(ctx context.Context, a *app) error {
				res, err := a.training.Train(ctx, days, epochs, !noCheckpoint)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "train on logs from the last N days")
	cmd.Flags().IntVar(&epochs, "epochs", 10, "training epochs")
	cmd.Flags().BoolVar(&noCheckpoint, "no-checkpoint", false, "do not save a checkpoint")
	return cmd
}

func newStatsCmd(load configLoader) *cobra.Command {
	var action string
	var days int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print reward and action log statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			act, err := parseAction(action)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), load, false, func(ctx context.Context, a *app) error {
				logs, err := a.rewards.LogStatistics(ctx, days)
				if err != nil {
					return err
				}
				out := map[string]interface{}{"logs": logs}
				if a.rewards.Enabled() {
					rewards, err := a.rewards.Statistics(ctx, act, days)
					if err != nil {
						return err
					}
					out["rewards"] = rewards
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "restrict reward statistics to one action")
	cmd.Flags().IntVar(&days, "days", 7, "statistics window in days")
	return cmd
}

func newMigrateCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	run := func(fn func(ctx context.Context, cmd *cobra.Command, a *migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, closer := newLogger(cfg)
			defer closer.Close()

			ctx := cmd.Context()
			m, err := openMigrator(ctx, cfg)
			if err != nil {
				return err
			}
			defer m.Close()
			logger.Debug("running migration command", "command", cmd.Name(), "engine", cfg.Storage.Engine)
			return fn(ctx, cmd, m)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, m *migrator) error {
				if err := m.mgr.Up(ctx); err != nil {
					return err
				}
				return m.printStatus(ctx, cmd.OutOrStdout())
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, m *migrator) error {
				if err := m.mgr.Down(ctx); err != nil {
					return err
				}
				return m.printStatus(ctx, cmd.OutOrStdout())
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, m *migrator) error {
				return m.printStatus(ctx, cmd.OutOrStdout())
			}),
		},
	)
	return cmd
}

func newBackupCmd(load configLoader) *cobra.Command {
	var dir string
	var policy backup.Policy
	def := backup.DefaultPolicy()

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot, list, prune and restore the sqlite store",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "backup directory (default: <data_path>/backups)")
	cmd.PersistentFlags().IntVar(&policy.Hourly, "keep-hourly", def.Hourly, "hourly snapshots to keep")
	cmd.PersistentFlags().IntVar(&policy.Daily, "keep-daily", def.Daily, "daily snapshots to keep")
	cmd.PersistentFlags().IntVar(&policy.Weekly, "keep-weekly", def.Weekly, "weekly snapshots to keep")
	cmd.PersistentFlags().IntVar(&policy.Monthly, "keep-monthly", def.Monthly, "monthly snapshots to keep")

	run := func(fn func(ctx context.Context, cmd *cobra.Command, m *backup.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Storage.Engine != "sqlite" && cfg.Storage.Engine != "" {
				return fmt.Errorf("backup supports the sqlite engine only, got %q", cfg.Storage.Engine)
			}
			logger, closer := newLogger(cfg)
			defer closer.Close()

			target := dir
			if target == "" {
				target = filepath.Join(cfg.Storage.DataPath, "backups")
			}
			m, err := backup.NewManager(cfg.Storage.SQLitePath(), target, policy, logger)
			if err != nil {
				return err
			}
			return fn(cmd.Context(), cmd, m)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "Write a verified snapshot and prune old ones",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, m *backup.Manager) error {
				snap, err := m.Create(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), snap)
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List snapshots, newest first",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, m *backup.Manager) error {
				snaps, err := m.List()
				if err != nil {
					return err
				}
				if snaps == nil {
					snaps = []backup.Snapshot{}
				}
				return printJSON(cmd.OutOrStdout(), snaps)
			}),
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Delete snapshots outside the retention policy",
			RunE: run(func(ctx context.Context, cmd *cobra.Command, m *backup.Manager) error {
				removed, err := m.Prune()
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"removed": len(removed)})
			}),
		},
		&cobra.Command{
			Use:   "restore <snapshot>",
			Short: "Replace the database with a snapshot (stop the server first)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(func(ctx context.Context, cmd *cobra.Command, m *backup.Manager) error {
					return m.Restore(ctx, args[0])
				})(cmd, args)
			},
		},
	)
	return cmd
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
