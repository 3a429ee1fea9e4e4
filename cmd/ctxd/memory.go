package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/continuity/internal/eventstore"
	"github.com/fyrsmithlabs/continuity/internal/layout"
	"github.com/fyrsmithlabs/continuity/internal/repoid"
	"github.com/fyrsmithlabs/continuity/internal/services"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the memory root for this repository",
		Long: `Create the memory root for the repository and seed the durable notes
(PROJECT_MEMORY.md, ACTIVE_TASK.md, DECISIONS.md). Existing files are
never overwritten, so init is safe to run repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.connect(cmd, "cli")
			if err != nil {
				return err
			}
			res, err := services.Init(cmd.Context(), reg, a.now())
			if err != nil {
				return err
			}
			out := struct {
				RepoID string `json:"repoId"`
				layout.BootstrapResult
			}{reg.Identity().ID, res}
			return a.emit(cmd, out, func(w io.Writer) {
				fmt.Fprintf(w, "Memory root: %s\n", res.Root)
				fmt.Fprintf(w, "Repository:  %s\n", out.RepoID)
			})
		},
	}
}

func newWhereCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "where",
		Short: "Print the memory root without creating it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, id, err := a.load()
			if err != nil {
				return err
			}
			home, err := services.MemoryHome(cfg)
			if err != nil {
				return err
			}
			out := struct {
				repoid.Identity
				MemoryRoot string `json:"memory_root"`
			}{id, id.MemoryRoot(home)}
			return a.emit(cmd, out, func(w io.Writer) {
				fmt.Fprintln(w, out.MemoryRoot)
			})
		},
	}
}

func newCaptureCmd(a *app) *cobra.Command {
	var f eventstore.Fields
	cmd := &cobra.Command{
		Use:   "capture [summary...]",
		Short: "Append an event to the log",
		Long: `Append one event to the hash-chained log. The summary is scrubbed for
secrets before it is hashed.

Examples:
  ctxd capture --kind test --status failure --path internal/eventstore/repair.go "TestRepair fails on torn tail"
  ctxd capture --kind decision --task repair "Chose BLAKE3 for the chain"
  ctxd capture --idempotency-key build-42 "build finished"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				f.Summary = strings.Join(args, " ")
			}
			reg, err := a.open(cmd, f.Source)
			if err != nil {
				return err
			}
			ev, err := reg.Events().Append(cmd.Context(), f)
			if err != nil {
				return err
			}
			return a.emit(cmd, ev, func(w io.Writer) {
				fmt.Fprintf(w, "seq %d %s %s\n", ev.Seq, ev.Kind, ev.Hash[:12])
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "note", "event kind (edit, test, decision, risk, note, ...)")
	cmd.Flags().StringVar(&f.Status, "status", eventstore.StatusInfo, "success, failure, partial, warning or info")
	cmd.Flags().StringVar(&f.Summary, "summary", "", "one-line summary (or pass it as arguments)")
	cmd.Flags().StringVar(&f.Path, "path", "", "primary file path")
	cmd.Flags().StringSliceVar(&f.Paths, "paths", nil, "additional file paths")
	cmd.Flags().StringVar(&f.Task, "task", "", "task the event belongs to")
	cmd.Flags().StringArrayVar(&f.Commands, "command", nil, "command that was run (repeatable)")
	cmd.Flags().StringSliceVar(&f.Refs, "ref", nil, "related refs such as commit or issue ids")
	cmd.Flags().StringVar(&f.IdempotencyKey, "idempotency-key", "", "retries with the same key append at most once")
	cmd.Flags().StringVar(&f.Source, "source", "cli", "writer identity")
	return cmd
}

func newRebuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild typed memory from the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			idx, err := reg.Refresher().Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, idx, func(w io.Writer) {
				fmt.Fprintf(w, "%d signals from %d events (tip seq %d)\n", len(idx.Signals), idx.EventCount, idx.TipSeq)
				fmt.Fprintf(w, "Wrote %s\n", reg.Layout().TypedIndex())
			})
		},
	}
}

func newRehydrateCmd(a *app) *cobra.Command {
	var (
		budget int
		query  string
	)
	cmd := &cobra.Command{
		Use:   "rehydrate",
		Short: "Compile a context package within a token budget",
		Long: `Score the active task note, decision log, project memory, latest
snapshot, typed signals and recent events, then select the best of them
without exceeding the token budget. The package is written to
rehydrated/latest.md with a trace of every decision.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			if budget <= 0 {
				budget = reg.Config().Rehydrate.DefaultBudget
			}
			pkg, tr, err := reg.Refresher().Rehydrate(cmd.Context(), query, budget)
			if err != nil {
				return err
			}
			out := struct {
				Path     string `json:"path"`
				Markdown string `json:"markdown"`
				Trace    any    `json:"trace"`
			}{reg.Layout().RehydratedLatest(), pkg.Markdown, tr}
			return a.emit(cmd, out, func(w io.Writer) {
				fmt.Fprint(w, pkg.Markdown)
			})
		},
	}
	cmd.Flags().IntVar(&budget, "budget-tokens", 0, "token budget (default from config)")
	cmd.Flags().StringVar(&query, "query", "", "focus for relevance scoring")
	return cmd
}

func newEvalCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "eval",
		Short: "Score the latest rehydrated package",
		Long: `Score rehydrated/latest.md for coverage of the required signal types
and token utilization. Exits with status 3 when the package fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			rep, err := reg.Refresher().Evaluate(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.emit(cmd, rep, func(w io.Writer) {
				st := stylesFor(w)
				verdict := st.good.Render("PASS")
				if !rep.Pass {
					verdict = st.bad.Render("FAIL")
				}
				fmt.Fprintf(w, "%s coverage %.2f utilization %.2f (%d/%d tokens)\n",
					verdict, rep.Coverage, rep.TokenUtilization, rep.TokensUsed, rep.BudgetTokens)
				if len(rep.MissingTypes) > 0 {
					fmt.Fprintf(w, "missing: %s\n", strings.Join(rep.MissingTypes, ", "))
				}
				for _, r := range rep.Reasons {
					fmt.Fprintf(w, "- %s\n", r)
				}
			}); err != nil {
				return err
			}
			if !rep.Pass {
				return &exitError{code: exitEvalFailed, msg: "evaluation failed"}
			}
			return nil
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the event log hash chain",
		Long: `Recompute every event hash and check sequence continuity. The default
mode tolerates gaps flagged by earlier writes and an unterminated tail;
--strict rejects both and needs exclusive access to the log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			rep, verr := reg.Events().Verify(cmd.Context(), strict)
			if err := a.emit(cmd, rep, func(w io.Writer) {
				st := stylesFor(w)
				if rep.OK {
					fmt.Fprintf(w, "%s %d events, tip seq %d\n", st.good.Render("OK"), rep.Events, rep.TipSeq)
					if len(rep.ToleratedGaps) > 0 {
						fmt.Fprintf(w, "tolerated gaps at lines %v\n", rep.ToleratedGaps)
					}
					return
				}
				fmt.Fprintf(w, "%s at seq %d: %s\n", st.bad.Render("BROKEN"), rep.BreakSeq, rep.Detail)
			}); err != nil {
				return err
			}
			return verr
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "reject flagged gaps and torn tails")
	return cmd
}

func newBackupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Verify the log strictly and copy it to the backup slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			info, err := reg.Events().Backup(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, info, func(w io.Writer) {
				fmt.Fprintf(w, "Backed up %d events through seq %d\n", info.Events, info.ThroughSeq)
			})
		},
	}
}

func newRepairCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Restore a valid chain after corruption",
		Long: `Truncate the log after its last valid event, extend it from the backup
when possible and re-append staged events. The damaged file is kept
next to the log as events.jsonl.broken-<timestamp>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			rep, err := reg.Events().Repair(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, rep, func(w io.Writer) {
				if !rep.Changed {
					fmt.Fprintln(w, "Log verifies; nothing to repair")
					return
				}
				fmt.Fprintf(w, "Kept through seq %d, discarded %d, recovered %d, tip seq %d\n",
					rep.KeptThrough, rep.Discarded, rep.Recovered, rep.TipSeq)
				if rep.BrokenPath != "" {
					fmt.Fprintf(w, "Damaged log saved to %s\n", rep.BrokenPath)
				}
			})
		},
	}
}

// newScrubCmd runs the secret scrubber over a file or stdin.
func newScrubCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scrub [file]",
		Short: "Redact secrets from a file or stdin",
		Long: `Redact secrets from a file or stdin with the same scrubber that guards
event summaries.

Examples:
  ctxd scrub .env
  cat output.log | ctxd scrub -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				content []byte
				err     error
			)
			if len(args) == 0 || args[0] == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read from stdin: %w", err)
				}
			} else {
				content, err = os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("failed to read file %s: %w", args[0], err)
				}
			}
			if len(content) == 0 {
				return fmt.Errorf("no content to scrub")
			}

			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			res := reg.Scrubber().Scrub(string(content))
			out := struct {
				Content       string   `json:"content"`
				FindingsCount int      `json:"findings_count"`
				Rules         []string `json:"rules,omitempty"`
			}{res.Content, len(res.Findings), res.RuleIDs()}
			return a.emit(cmd, out, func(w io.Writer) {
				fmt.Fprint(w, res.Content)
				if len(res.Findings) > 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "\nRedacted %d secret(s)\n", len(res.Findings))
				}
			})
		},
	}
}
