// Package main provides the valet binary entry point.
// Valet is a vault-centered personal operations agent: watchers turn
// upstream events into intake files, plans await human approval as
// files, and the executor performs approved actions with a full audit
// trail.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c360studio/valet/config"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/orchestrator"
	"github.com/c360studio/valet/plan"
	"github.com/c360studio/valet/watcher"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "valet"
)

// Exit codes.
const (
	exitOK        = 0
	exitPartial   = 1
	exitConfig    = 2
	exitAuth      = 3
	exitCancelled = 4
)

// errConfigSentinel marks configuration failures for the exit code.
var errConfigSentinel = errors.New("configuration error")

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitConfig)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented exit codes.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errConfigSentinel):
		return exitConfig
	case fault.IsKind(err, fault.KindAuth):
		return exitAuth
	case fault.IsKind(err, fault.KindCancelled), errors.Is(err, context.Canceled):
		return exitCancelled
	default:
		return exitPartial
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		vaultPath  string
		logLevel   string
		mode       string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Vault-centered personal operations agent",
		Long: `Valet watches your channels, files everything actionable into a
plain-markdown vault, and proposes plans for anything that would touch
the outside world. Nothing external happens until you move the plan
file into Approved/; sensitive actions additionally require approving
the dry-run re-emission.

The vault stays readable and editable by hand at all times.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&vaultPath, "vault", "", "Vault root (overrides config)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&mode, "mode", "", "Override all adapter modes (mock, real)")

	load := func() (*config.Config, *slog.Logger, error) {
		logger := newLogger(logLevel)
		cfg, err := loadConfig(configPath, vaultPath, mode, logger)
		if err != nil {
			return nil, nil, err
		}
		return cfg, logger, nil
	}

	cmd.AddCommand(runCommand(load))
	cmd.AddCommand(watchCommand(load))
	cmd.AddCommand(sweepCommand(load))
	cmd.AddCommand(executeCommand(load))
	cmd.AddCommand(statusCommand(load))
	cmd.AddCommand(initCommand(load))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

type loadFunc func() (*config.Config, *slog.Logger, error)

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig(configPath, vaultPath, mode string, logger *slog.Logger) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.NewLoader(logger).Load()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConfigSentinel, err)
	}
	if vaultPath != "" {
		cfg.Vault.Root = vaultPath
	}
	if mode != "" {
		if err := cfg.SetAllModes(mode); err != nil {
			return nil, fmt.Errorf("%w: %v", errConfigSentinel, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errConfigSentinel, err)
	}
	return cfg, nil
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runCommand(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run watchers, the approval sweep, and the daily cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			logger.Info("valet ready",
				"version", Version,
				"vault", cfg.Vault.Root,
				"watchers", strings.Join(a.watcherNames, ","))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.orchestrator().Run(gctx) })
			if a.fsWatcher != nil {
				g.Go(func() error { return watcher.RunWithNotify(gctx, a.fsWatcher, a.store, 0) })
			}
			err = g.Wait()
			if ctx.Err() != nil {
				// Signal-driven shutdown is a clean exit.
				logger.Info("shutting down")
				return nil
			}
			return err
		},
	}
}

func watchCommand(load loadFunc) *cobra.Command {
	var (
		source string
		once   bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run one watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			var runner *watcher.Runner
			for i, name := range a.watcherNames {
				if name == source {
					runner = a.watchers[i]
				}
			}
			if runner == nil {
				return fmt.Errorf("%w: watcher %q is not enabled (have: %s)",
					errConfigSentinel, source, strings.Join(a.watcherNames, ", "))
			}

			ctx, cancel := signalContext()
			defer cancel()

			if once {
				created, err := runner.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("created %d intake(s)\n", created)
				return nil
			}
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "filesystem", "Watcher to run")
	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass and exit")
	return cmd
}

func sweepCommand(load loadFunc) *cobra.Command {
	var (
		loop     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile approvals and dispatch approved plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			sweep := func() error {
				stats, err := a.sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("approved=%d rejected=%d executed=%d reemitted=%d failed=%d deferred=%d archived=%d\n",
					stats.Approved, stats.Rejected, stats.Dispatch.Executed,
					stats.Dispatch.Reemitted, stats.Dispatch.Failed,
					stats.Dispatch.Deferred, stats.Archived)
				if stats.Dispatch.Failed > 0 {
					return fmt.Errorf("%d plan(s) failed", stats.Dispatch.Failed)
				}
				return nil
			}

			if !loop {
				return sweep()
			}
			if interval <= 0 {
				interval = cfg.Executor.SweepInterval
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if err := sweep(); err != nil {
					logger.Error("sweep failed", "error", err)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "Keep sweeping on an interval")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Sweep interval when looping")
	return cmd
}

// guardExecution refuses a mutating plan unless the caller opted in
// with --execute. Read-only plans run without the flag.
func guardExecution(p *plan.Plan, execute bool) error {
	if execute || !p.Mutating() {
		return nil
	}
	return fmt.Errorf("plan %s would perform %s on %s; re-run with --execute, or --dry-run to preview",
		p.ID, p.ActionType, p.Channel)
}

func executeCommand(load loadFunc) *cobra.Command {
	var (
		dryRun  bool
		execute bool
	)
	cmd := &cobra.Command{
		Use:   "execute <plan-id>",
		Short: "Process one approved plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			// Pick up any approval the human just made by moving files.
			if _, err := plan.Reconcile(ctx, a.reg, a.store); err != nil {
				return err
			}
			if dryRun {
				preview, err := a.exec.Rehearse(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("plan %s: dry_run ok: %s\n", args[0], preview.Summary)
				return nil
			}
			p, err := a.reg.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if err := guardExecution(p, execute); err != nil {
				return err
			}
			outcome, err := a.exec.Process(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("plan %s: %s\n", args[0], outcome)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview the action without executing it")
	cmd.Flags().BoolVar(&execute, "execute", false, "Perform the plan's mutating action")
	return cmd
}

func statusCommand(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the system-status snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := signalContext()
			defer cancel()

			snap, err := orchestrator.Snapshot(ctx, os.TempDir(), a.cps, a.reg, a.watcherNames)
			if err != nil {
				return err
			}
			out, err := snap.MarshalIndent()
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func initCommand(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vault tree and a default user config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			if err := config.NewLoader(logger).EnsureUserConfig(); err != nil {
				return fmt.Errorf("%w: %v", errConfigSentinel, err)
			}
			fmt.Printf("vault ready at %s\n", cfg.Vault.Root)
			return nil
		},
	}
}
