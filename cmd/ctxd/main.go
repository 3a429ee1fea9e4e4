// Package main implements the ctxd CLI: capture events, rebuild typed
// memory, rehydrate context packages and version memory snapshots for the
// repository in the current directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/config"
	"github.com/fyrsmithlabs/continuity/internal/logging"
	"github.com/fyrsmithlabs/continuity/internal/memerr"
	"github.com/fyrsmithlabs/continuity/internal/metrics"
	"github.com/fyrsmithlabs/continuity/internal/repoid"
	"github.com/fyrsmithlabs/continuity/internal/services"
	"github.com/fyrsmithlabs/continuity/internal/telemetry"
)

// version is set via ldflags during build.
var version = "dev"

// exitEvalFailed is returned when a rehydrated package fails evaluation.
const exitEvalFailed = 3

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp()
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.close(context.WithoutCancel(ctx))
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return exitCode(err)
}

// exitError carries a specific process status.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return memerr.ExitCode(err)
}

// app holds process-wide state shared by every command.
type app struct {
	repo       string
	configPath string
	jsonOut    bool

	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	metrics   *metrics.Metrics
	now       func() time.Time
	getenv    func(string) string
}

func newApp() *app {
	return &app{
		metrics: metrics.New(),
		now:     time.Now,
		getenv:  os.Getenv,
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ctxd",
		Short: "Context-continuity memory for coding sessions",
		Long: `ctxd keeps an append-only, hash-chained event log per repository and
derives typed memory, budgeted context packages and versioned snapshots
from it, so a new session can pick up where the last one stopped.

Memory lives under ~/.local/share/ctxd/<repo-id>/ unless memory.home is set.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.repo, "repo", "", "repository directory (default: current directory)")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default: ~/.config/ctxd/config.yaml)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newInitCmd(a),
		newWhereCmd(a),
		newCaptureCmd(a),
		newRebuildCmd(a),
		newRehydrateCmd(a),
		newEvalCmd(a),
		newVerifyCmd(a),
		newBackupCmd(a),
		newRepairCmd(a),
		newScrubCmd(a),
		newContextCmd(a),
		newSessionCmd(a),
		newCycleCmd(a),
		newMCPCmd(a),
	)
	return root
}

// load resolves the repository identity and its configuration.
func (a *app) load() (*config.Config, repoid.Identity, error) {
	id, err := repoid.Resolve(a.repo)
	if err != nil {
		return nil, repoid.Identity{}, err
	}
	cfg, err := config.Load(config.LoadOptions{ConfigPath: a.configPath, RepoRoot: id.WorkRoot})
	if err != nil {
		return nil, id, err
	}
	return cfg, id, nil
}

// setup builds the logger and telemetry once per process.
func (a *app) setup(ctx context.Context, cfg *config.Config) error {
	if a.logger != nil {
		return nil
	}
	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version))
	if err != nil {
		return err
	}
	a.telemetry = tel

	lc, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	var provider log.LoggerProvider
	if lc.Output.OTEL {
		provider = global.GetLoggerProvider()
	}
	logger, err := logging.NewLogger(lc, provider)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger
	if derr := tel.Degraded(); derr != nil {
		logger.Warn(ctx, "telemetry degraded", zap.Error(derr))
	}
	return nil
}

// open wires every component and bootstraps the memory root. source labels
// events written by the command.
func (a *app) open(cmd *cobra.Command, source string, mutate ...func(*config.Config)) (services.Registry, error) {
	reg, err := a.connect(cmd, source, mutate...)
	if err != nil {
		return nil, err
	}
	if _, err := services.Init(cmd.Context(), reg, a.now()); err != nil {
		return nil, err
	}
	return reg, nil
}

// connect loads config and wires every component without touching disk.
func (a *app) connect(cmd *cobra.Command, source string, mutate ...func(*config.Config)) (services.Registry, error) {
	ctx := cmd.Context()
	cfg, id, err := a.load()
	if err != nil {
		return nil, err
	}
	for _, m := range mutate {
		m(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if err := a.setup(ctx, cfg); err != nil {
		return nil, err
	}
	reg, err := services.Open(cfg, id, services.OpenOptions{
		Logger:  a.logger.Underlying(),
		Metrics: a.metrics,
		Source:  source,
		Now:     a.now,
	})
	if err != nil {
		return nil, err
	}
	cmd.SetContext(logging.WithRepoID(ctx, id.ID))
	return reg, nil
}

func (a *app) close(ctx context.Context) {
	if a.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(shutdownCtx); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// emit prints v as JSON with --json, otherwise calls text.
func (a *app) emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if a.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode output: %w", err)
		}
		return nil
	}
	text(w)
	return nil
}
