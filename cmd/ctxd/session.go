package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/continuity/internal/logging"
	"github.com/fyrsmithlabs/continuity/internal/session"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Give concurrent sessions their own workspaces",
	}
	cmd.AddCommand(newSessionEnsureCmd(a), newSessionListCmd(a), newSessionPruneCmd(a))
	return cmd
}

func newSessionEnsureCmd(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Return the workspace for a session, allocating it if needed",
		Long: `Return the workspace mapped to a session id, allocating one when the
session is new or its workspace disappeared.

Without --session-id the id comes from CTXD_SESSION_ID, CODEX_THREAD_ID,
CODEX_SESSION_ID, SESSION_ID or TERM_SESSION_ID, in that order, and
otherwise a fresh manual id is generated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			sid := session.ResolveID(id, a.getenv, a.now())
			ctx := logging.WithSessionID(cmd.Context(), sid)
			m, created, err := reg.Sessions().Ensure(ctx, sid)
			if err != nil {
				return err
			}
			out := struct {
				session.Mapping
				Created bool `json:"created"`
			}{m, created}
			return a.emit(cmd, out, func(w io.Writer) {
				fmt.Fprintln(w, m.Workspace)
			})
		},
	}
	cmd.Flags().StringVar(&id, "session-id", "", "session id (default from environment)")
	return cmd
}

func newSessionListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List session mappings, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			list, err := reg.Sessions().List(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, list, func(w io.Writer) {
				if len(list) == 0 {
					fmt.Fprintln(w, "No sessions")
					return
				}
				for _, m := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\tlast seen %s\n",
						m.SessionID, m.Ref, m.Workspace, m.LastSeenAt.Format(time.RFC3339))
				}
			})
		},
	}
}

func newSessionPruneCmd(a *app) *cobra.Command {
	var (
		maxAge time.Duration
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove stale or orphaned session workspaces",
		Long: `Remove mappings idle longer than --max-age or whose workspace is gone.
Workspaces with uncommitted changes or commits missing from the base
repository are kept unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			if maxAge <= 0 {
				maxAge = reg.Config().Session.StaleAfter.Duration()
			}
			rep, err := reg.Sessions().Prune(cmd.Context(), maxAge, force)
			if err != nil {
				return err
			}
			return a.emit(cmd, rep, func(w io.Writer) {
				for _, id := range rep.Removed {
					fmt.Fprintf(w, "removed %s\n", id)
				}
				for _, s := range rep.Skipped {
					fmt.Fprintf(w, "skipped %s: %s\n", s.SessionID, s.Reason)
				}
				if len(rep.Removed) == 0 && len(rep.Skipped) == 0 {
					fmt.Fprintln(w, "Nothing to prune")
				}
			})
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "idle time after which a session is stale (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "remove dirty workspaces too")
	return cmd
}
