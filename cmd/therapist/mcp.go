package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	mcpTransport "github.com/kailas-cloud/therapist/internal/transport/mcp"
	"github.com/kailas-cloud/therapist/internal/version"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio",
	Long: `Start a Model Context Protocol server speaking JSON-RPC over stdio.
Tools: gather_context (query, mode) and chat (message).

Logs and the audit stream go to stderr, stdout carries only protocol frames.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(_ *cobra.Command, _ []string) error {
	a, err := openApp(context.Background())
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("Starting MCP server", zap.String("version", version.Version))
	return mcpTransport.NewServer(a.agent, a.therapist, version.Version, a.logger).Serve()
}
