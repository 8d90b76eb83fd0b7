// Command shopsync keeps a local copy of shop data in step with the remote
// API and raises stock notifications.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shopsync",
	Short: "Offline-first sync for inventory and sales",
	Long: `shopsync keeps a local SQLite copy of products, sales, clients and
schedules for the active user, queues writes made while offline and replays
them when the API is reachable again, and raises low and out of stock
notifications from a background engine.

Settings are read from shopsync.toml (or .yaml) in the working directory or
the user config directory, and from SHOPSYNC_* environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: search shopsync.* in . and the user config dir)")
	rootCmd.PersistentFlags().StringP("user", "u", "", "Active user id, overriding user_id from the config")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
