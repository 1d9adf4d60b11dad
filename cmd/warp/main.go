// Warp is a remote command-execution backend for browser terminals and
// coding agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "warp",
	Short: "Warp runs shell commands in isolated per-user workspaces.",
	Long: `Warp executes commands for browser terminals and coding agents. Light
commands run in a local sandbox; builds, installs and dev servers are routed
to a heavy compute backend, and detected dev servers are published through a
preview proxy.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, heavyCmd, mcpCmd, versionCmd)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "warp.yaml", "path to config file (yaml, toml or json)")
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
