package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/graphide/graphide/internal/mcp"
	"github.com/graphide/graphide/pkg/graphide"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve analysis tools over MCP stdio",
	Long: `Starts an MCP server over stdin/stdout exposing submit_analysis,
get_run_status and cancel_run. Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	logger := newLogger(stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := graphide.New(
		graphide.WithFileConfig(rootFlags.configPath),
		graphide.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := svc.Init(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		svc.Shutdown(shutdownCtx)
	}()

	logger.Info("starting graphide MCP server over stdio")
	return mcp.NewServer(svc.Orchestrator(), version, logger).Run(ctx)
}
