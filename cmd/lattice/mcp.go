package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aretw0/lattice/internal/adapters/mcp"
	"github.com/aretw0/lattice/internal/config"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Starts a lattice node as an MCP Server.
This allows AI agents to read and edit the record namespace as tools.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := loadConfig(path)
		if err != nil {
			return err
		}
		transport, _ := cmd.Flags().GetString("transport")
		port, _ := cmd.Flags().GetInt("port")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runMCP(ctx, cfg, transport, port)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().Int("port", 8080, "Port to listen on (only for SSE)")
}

func runMCP(ctx context.Context, cfg *config.Config, transport string, port int) error {
	if transport != "stdio" && transport != "sse" {
		return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", transport)
	}

	n, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(context.Background()); err != nil {
			n.logger.Error("Failed to close node", "err", err)
		}
	}()

	srv := mcp.NewServer(n.doc, n.records, n.logger)
	switch transport {
	case "sse":
		n.logger.Info("Starting Lattice MCP Server (SSE)", "port", port, "namespace", n.records.Name())
		if err := srv.ServeSSE(ctx, fmt.Sprintf(":%d", port)); err != nil {
			return fmt.Errorf("MCP server execution failed: %w", err)
		}
		n.logger.Info("MCP Server stopped gracefully")
		return nil
	default:
		// Logs go to Stderr, so they never corrupt JSON-RPC on Stdout.
		n.logger.Info("Starting Lattice MCP Server (Stdio)", "namespace", n.records.Name())
		if err := srv.ServeStdio(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("MCP server execution failed: %w", err)
		}
		return nil
	}
}
