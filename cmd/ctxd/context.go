package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/continuity/internal/contextver"
)

func newContextCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Version typed memory with commits, refs and merges",
		Long: `Snapshot typed memory into content-addressed commits on named refs.

Examples:
  ctxd context commit -m "before refactor"
  ctxd context branch spike
  ctxd context switch spike
  ctxd context merge main --resolution union
  ctxd context log --limit 5`,
	}
	cmd.AddCommand(
		newContextStatusCmd(a),
		newContextCommitCmd(a),
		newContextBranchCmd(a),
		newContextSwitchCmd(a),
		newContextMergeCmd(a),
		newContextRefsCmd(a),
		newContextLogCmd(a),
	)
	return cmd
}

func newContextStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current ref and whether memory changed since its head",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			st, err := reg.Context().Status(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, st, func(w io.Writer) {
				sty := stylesFor(w)
				fmt.Fprintf(w, "On ref %s\n", st.CurrentRef)
				if st.Head == "" {
					fmt.Fprintln(w, "No commits yet")
				} else {
					fmt.Fprintf(w, "Head %s (tip seq %d)\n", shortID(st.Head), st.HeadTipSeq)
				}
				if st.Dirty {
					fmt.Fprintf(w, "%s %d event(s) since head, log tip seq %d\n", sty.bad.Render("dirty:"), st.Pending, st.TipSeq)
				} else {
					fmt.Fprintln(w, sty.good.Render("Clean"))
				}
			})
		},
	}
}

func newContextCommitCmd(a *app) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Snapshot typed memory onto the current ref",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			c, err := reg.Context().Commit(cmd.Context(), message)
			if err != nil {
				return err
			}
			return a.emit(cmd, c, func(w io.Writer) {
				fmt.Fprintf(w, "[%s %s] %s\n", c.Ref, shortID(c.ID), c.Message)
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message")
	return cmd
}

func newContextBranchCmd(a *app) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "branch <name>",
		Short: "Create a ref at the current head or at --from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			t, err := reg.Context().Branch(cmd.Context(), args[0], from)
			if err != nil {
				return err
			}
			return a.emit(cmd, t, func(w io.Writer) {
				fmt.Fprintf(w, "Created %s at %s\n", args[0], orNone(shortID(t.Refs[args[0]])))
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "ref or commit id to branch from")
	return cmd
}

func newContextSwitchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <name>",
		Short: "Make a ref current",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			t, err := reg.Context().Switch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd, t, func(w io.Writer) {
				fmt.Fprintf(w, "Switched to %s\n", t.Current)
			})
		},
	}
}

func newContextMergeCmd(a *app) *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "merge <ref>",
		Short: "Merge another ref's head into the current ref",
		Long: `Union the typed signals of another ref into the current ref. Decisions
that diverged on both sides are conflicts; without --resolution the merge
stops and exits with status 14.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := contextver.ParseResolution(resolution)
			if err != nil {
				return err
			}
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			out, merr := reg.Context().Merge(cmd.Context(), args[0], res)
			if out == nil {
				return merr
			}
			if err := a.emit(cmd, out, func(w io.Writer) {
				switch {
				case out.NoOp:
					fmt.Fprintf(w, "Nothing to merge: %s\n", out.Reason)
				case merr != nil:
					fmt.Fprintf(w, "%d conflict(s):\n", len(out.Conflicts))
					for _, c := range out.Conflicts {
						fmt.Fprintf(w, "  %s\n", c)
					}
					fmt.Fprintln(w, "Re-run with --resolution ours|theirs|union")
				case out.Commit != nil:
					fmt.Fprintf(w, "[%s %s] %s\n", out.Commit.Ref, shortID(out.Commit.ID), out.Commit.Message)
				}
			}); err != nil {
				return err
			}
			return merr
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "settle conflicts with ours, theirs or union")
	return cmd
}

func newContextRefsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refs",
		Short: "List refs and their heads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			t, err := reg.Context().Refs(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(cmd, t, func(w io.Writer) {
				names := make([]string, 0, len(t.Refs)+1)
				for name := range t.Refs {
					names = append(names, name)
				}
				if _, ok := t.Refs[t.Current]; !ok {
					names = append(names, t.Current)
				}
				sort.Strings(names)
				for _, name := range names {
					marker := " "
					if name == t.Current {
						marker = "*"
					}
					fmt.Fprintf(w, "%s %s %s\n", marker, name, orNone(shortID(t.Refs[name])))
				}
			})
		},
	}
}

func newContextLogCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log [ref]",
		Short: "Show commits of a ref, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.open(cmd, "cli")
			if err != nil {
				return err
			}
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			commits, err := reg.Context().Log(cmd.Context(), ref, limit)
			if err != nil {
				return err
			}
			if commits == nil {
				commits = []*contextver.Commit{}
			}
			return a.emit(cmd, commits, func(w io.Writer) {
				dim := stylesFor(w).dim
				for _, c := range commits {
					merge := ""
					if c.MergeParentID != "" {
						merge = " (merge " + shortID(c.MergeParentID) + ")"
					}
					fmt.Fprintf(w, "%s %s %s%s\n", shortID(c.ID), dim.Render(c.Timestamp.Format("2006-01-02 15:04:05")), c.Message, merge)
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum commits to show (0 for all)")
	return cmd
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
