// Command rowsync serves a shared record set to many websocket clients and
// reconciles their concurrent edits in batches.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/rowsync/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "rowsync",
	Short: "Batched mutation reconciliation server",
	Long: `rowsync keeps one authoritative record set and lets many clients
change it at once. Requests are collected for a short interval, reconciled
as a single pass, and the outcome is broadcast to every connected client.

Conflicting requests on the same record (a delete racing an edit) are
rejected and reported back to the clients that issued them.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./rowsync.toml or ~/.config/rowsync/rowsync.toml)")
	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

// mustLoadConfig loads configuration or exits.
func mustLoadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
