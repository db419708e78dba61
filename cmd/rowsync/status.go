package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/rowsync/internal/db"
	"github.com/steveyegge/rowsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maint",
	Short:   "Show journal statistics",
	Long: `Show the record count, data version and event count stored in the
journal database. The server does not need to be running.`,
	Run: runStatus,
}

func init() {
	statusCmd.Flags().String("db", "", "Database path (default: db_path from config)")
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}

// openJournalDB opens the journal database named by --db or the config.
func openJournalDB(cmd *cobra.Command) *db.DB {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		path = mustLoadConfig().DBPath
	}
	if path == "" {
		fmt.Fprintf(os.Stderr, "Error: no database configured (db_path is empty)\n")
		os.Exit(1)
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: database not found at %s\n", path)
		os.Exit(1)
	}

	database, err := db.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := database.InitSchema(); err != nil {
		database.Close()
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return database
}

func runStatus(cmd *cobra.Command, args []string) {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	database := openJournalDB(cmd)
	defer database.Close()

	stats, err := database.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading stats: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	last := ui.RenderMuted("never")
	if stats.LastEventAt != nil {
		ago := time.Since(*stats.LastEventAt).Round(time.Second)
		last = fmt.Sprintf("%s (%s ago)", stats.LastEventAt.Local().Format(time.DateTime), ago)
	}

	fmt.Printf("%s %s\n\n", ui.RenderAccent("Journal"), database.Path())
	fmt.Println(ui.KeyValues(
		[2]string{"Records", strconv.Itoa(stats.Records)},
		[2]string{"Version", strconv.FormatInt(stats.Version, 10)},
		[2]string{"Next id", strconv.FormatInt(stats.NextID, 10)},
		[2]string{"Events", strconv.Itoa(stats.Events)},
		[2]string{"Last event", last},
	))
	if stats.Version == 0 {
		fmt.Printf("\n%s\n", ui.RenderWarn("No state saved yet; the server has not run against this database"))
	}
}
