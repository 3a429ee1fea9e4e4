package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuity/internal/autocycle"
	"github.com/fyrsmithlabs/continuity/internal/config"
	httpserver "github.com/fyrsmithlabs/continuity/internal/http"
)

// cycleFlags override the scheduler config section.
type cycleFlags struct {
	intervalSeconds    int
	snapshotMinSeconds int
	budget             int
	query              string
	metricsAddr        string
}

func (f *cycleFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.intervalSeconds, "interval-seconds", 0, "seconds between ticks (default from config, minimum 5)")
	cmd.Flags().IntVar(&f.snapshotMinSeconds, "snapshot-min-seconds", 0, "minimum seconds between snapshot commits (default from config)")
	cmd.Flags().IntVar(&f.budget, "budget-tokens", 0, "rehydration budget (default from config)")
	cmd.Flags().StringVar(&f.query, "query", "", "rehydration focus (default from config)")
}

func (f *cycleFlags) apply(cmd *cobra.Command) func(*config.Config) {
	return func(cfg *config.Config) {
		fl := cmd.Flags()
		if fl.Changed("interval-seconds") {
			cfg.Scheduler.Interval = config.Duration(time.Duration(f.intervalSeconds) * time.Second)
		}
		if fl.Changed("snapshot-min-seconds") {
			cfg.Scheduler.SnapshotMinSeconds = f.snapshotMinSeconds
		}
		if fl.Changed("budget-tokens") {
			cfg.Scheduler.BudgetTokens = f.budget
		}
		if fl.Changed("query") {
			cfg.Scheduler.Query = f.query
		}
		if fl.Lookup("metrics-addr") != nil && fl.Changed("metrics-addr") {
			cfg.Metrics.Addr = f.metricsAddr
		}
	}
}

func newCycleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Refresh memory and snapshot it when something changed",
		Long: `A tick verifies the log, rebuilds typed memory, rehydrates and evaluates
a package, then commits a snapshot when the memory fingerprint changed
and the snapshot interval has elapsed.`,
	}
	cmd.AddCommand(newCycleOnceCmd(a), newCycleWatchCmd(a))
	return cmd
}

func newCycleOnceCmd(a *app) *cobra.Command {
	var f cycleFlags
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single tick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, autocycle.Source, f.apply(cmd))
			if err != nil {
				return err
			}
			res, err := reg.Cycle().Tick(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, res, func(w io.Writer) { printTick(w, res, nil) })
		},
	}
	f.register(cmd)
	return cmd
}

func newCycleWatchCmd(a *app) *cobra.Command {
	var f cycleFlags
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tick on an interval and whenever the event log changes",
		Long: `Tick immediately, then every --interval-seconds and on writes to the
event log until interrupted. With --metrics-addr (or metrics.addr) the
process also serves /health, /metrics and /api/v1/status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, autocycle.Source, f.apply(cmd))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := a.logger.Underlying()
			w := cmd.OutOrStdout()

			var srv *httpserver.Server
			if addr := reg.Config().Metrics.Addr; addr != "" {
				srv, err = httpserver.NewServer(reg, logger.Named("http"), &httpserver.Config{Addr: addr, Version: version})
				if err != nil {
					return err
				}
				errCh := make(chan error, 1)
				go func() { errCh <- srv.Start() }()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						logger.Warn("http shutdown failed", zap.Error(err))
					}
					if err := <-errCh; err != nil {
						logger.Warn("http server stopped", zap.Error(err))
					}
				}()
			}

			enc := json.NewEncoder(w)
			return reg.Cycle().Run(ctx, func(res autocycle.TickResult, err error) {
				if srv != nil {
					srv.RecordTick(res, err)
				}
				if a.jsonOut {
					_ = enc.Encode(struct {
						autocycle.TickResult
						Error string `json:"error,omitempty"`
					}{res, errString(err)})
					return
				}
				printTick(w, res, err)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve metrics and status on this address, e.g. localhost:9464")
	return cmd
}

func printTick(w io.Writer, res autocycle.TickResult, err error) {
	if err != nil {
		fmt.Fprintf(w, "%s tick failed: %v\n", time.Now().Format(time.RFC3339), err)
		return
	}
	line := fmt.Sprintf("%s %s tip seq %d coverage %.2f", res.At.Format(time.RFC3339), res.Result, res.TipSeq, res.Coverage)
	if res.CommitID != "" {
		line += " commit " + shortID(res.CommitID)
	}
	fmt.Fprintln(w, line)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
