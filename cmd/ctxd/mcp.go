package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/continuity/internal/mcp"
)

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve memory tools over MCP on stdio",
		Long: `Run an MCP server on stdin/stdout exposing memory_capture,
memory_rehydrate, memory_status and memory_commit for the repository.
Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := a.open(cmd, "mcp")
			if err != nil {
				return err
			}
			srv, err := mcp.NewServer(&mcp.Config{
				Name:    "ctxd",
				Version: version,
				Source:  "mcp",
				Logger:  a.logger.Underlying().Named("mcp"),
			}, reg)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
}
