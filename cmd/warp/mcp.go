package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/warp/internal/gateway/mcpserver"
)

var mcpUser string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve warp tools over MCP stdio",
	Long: `Runs an MCP server on stdin/stdout exposing execute_command,
create_session, quota and list_files. Commands run in the workspace of the
given user with the same sandbox and routing as the API server.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpUser, "user", "mcp", "user id owning the MCP sessions")
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer c.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer c.Sessions.StartCleanup(ctx, cfg.Session.CleanupInterval())()

	srv := mcpserver.New(mcpserver.Config{Version: version, UserID: mcpUser}, c.Sessions, c.Router, logger)
	return srv.Start(ctx)
}
