package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forest6511/credvault/internal/mcp"
	"github.com/forest6511/credvault/pkg/audit"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func mcpServerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-server",
		Short: "Start the MCP server for AI coding assistant integration",
		Long: `Start an MCP server over stdio that lets AI coding assistants see which
projects and details exist in the vault.

The server never unlocks the vault. It reads project names, detail keys and
timestamps, which are stored in the clear, and cannot return values or
tokens.

Available tools:
  - project_list:   List projects with detail counts
  - detail_list:    List the detail keys of a project
  - detail_exists:  Check whether a detail exists

Policy:
  Create mcp-policy.yaml (mode 0600) in the credvault home directory to hide
  projects from the assistant. Without a policy file every project is visible.

Example MCP configuration:
  {
    "mcpServers": {
      "credvault": {
        "type": "stdio",
        "command": "/path/to/credvault",
        "args": ["mcp-server"]
      }
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Operations driven by the assistant are tagged as such.
			a.audit = audit.NewLogger(a.cfg.AuditDir, audit.WithSource(audit.SourceMCP), audit.WithLogger(a.log))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			v, err := a.initializedVault(ctx)
			if err != nil {
				return err
			}

			server, err := mcp.NewServer(mcp.ServerOptions{
				Vault:     v,
				PolicyDir: a.cfg.Home,
				Logger:    a.log,
				Version:   version,
			})
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}

			a.log.Info().Str("vault", v.Path()).Msg("MCP server listening on stdio")
			if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				return fmt.Errorf("MCP server error: %w", err)
			}
			return nil
		},
	}
}
