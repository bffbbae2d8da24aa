package main

import (
	"context"
	"errors"

	mcpserver "chatwatch/internal/mcp"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ssePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the chat operations as an MCP server (stdio or SSE)",
	Long: `Starts an MCP server with tools to launch the browser, open a chat,
send prompts, await answers and query the recorded facts.

stdio is used unless --sse-port (or mcp.sse_port) is set. The SSE listener
also serves Prometheus metrics at mcp.metrics_path.`,
	RunE: serve,
}

func init() {
	serveCmd.Flags().IntVar(&ssePort, "sse-port", 0, "Serve over SSE on this port (overrides mcp.sse_port)")
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if ssePort != 0 {
		cfg.MCP.SSEPort = ssePort
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	if cfg.Browser.AutoStart {
		if err := rt.startBrowser(ctx); err != nil {
			return err
		}
	} else {
		logger.Info("browser auto-start disabled; use launch-browser to start it")
	}

	server, err := mcpserver.NewServer(cfg, rt.sessions, rt.engine, logger)
	if err != nil {
		return err
	}
	defer server.Close()

	if cfg.MCP.SSEPort > 0 {
		logger.Info("starting MCP SSE server", zap.Int("port", cfg.MCP.SSEPort))
		err = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting MCP stdio server")
		err = server.Start(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
