// Package cli implements the mcpscope command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Persistent flags available to all subcommands
	adminURL   string
	jsonOutput bool
	configPath string

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "mcpscope",
	Short: "mcpscope is a capturing gateway for MCP traffic",
	Long: `mcpscope proxies Model Context Protocol traffic to registered downstream
servers and records every request, response and server-sent event into a
queryable capture log.

Run 'mcpscope serve' to start the gateway, then point MCP clients at
http://<gateway>/servers/<name>/mcp.`,
	SilenceUsage:  true,
	SilenceErrors: true, // errors are reported once, in Execute
}

// Execute runs the root command. Called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin-url",
		envOr("MCPSCOPE_ADMIN_URL", "http://localhost:8081"),
		"Admin API base URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output command results in JSON format")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to the configuration file")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
