package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/steveyegge/rowsync/internal/db"
	"github.com/steveyegge/rowsync/internal/engine"
	"github.com/steveyegge/rowsync/internal/journal"
	"github.com/steveyegge/rowsync/internal/ui"
)

var eventsCmd = &cobra.Command{
	Use:     "events",
	GroupID: "maint",
	Short:   "List journaled changes, conflicts and failures",
	Long: `List the events recorded by each reconciliation pass.

--since accepts a duration ("15m"), an RFC 3339 time, or natural language
such as "10 minutes ago" or "yesterday".

Examples:
  rowsync events --since "1 hour ago"
  rowsync events --key Alice --limit 20
  rowsync events --after 120 --json`,
	Run: runEvents,
}

func init() {
	eventsCmd.Flags().String("db", "", "Database path (default: db_path from config)")
	eventsCmd.Flags().String("since", "", "Only events at or after this time")
	eventsCmd.Flags().String("key", "", "Only events for this record key")
	eventsCmd.Flags().Int64("after", 0, "Only events with a larger sequence number")
	eventsCmd.Flags().Int("limit", 100, "Maximum number of events (0 = no limit)")
	eventsCmd.Flags().Bool("json", false, "Output as JSON lines")
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) {
	since, _ := cmd.Flags().GetString("since")
	key, _ := cmd.Flags().GetString("key")
	after, _ := cmd.Flags().GetInt64("after")
	limit, _ := cmd.Flags().GetInt("limit")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	filter := db.EventFilter{AfterSeq: after, Key: key, Limit: limit}
	if since != "" {
		t, err := parseSince(since, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		filter.Since = t
	}

	database := openJournalDB(cmd)
	defer database.Close()

	events, err := database.ListEvents(filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing events: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				fmt.Fprintf(os.Stderr, "Error encoding event: %v\n", err)
				os.Exit(1)
			}
		}
		return
	}

	if len(events) == 0 {
		fmt.Println(ui.RenderMuted("No events"))
		return
	}

	width := ui.TerminalWidth(100)
	for _, ev := range events {
		line := fmt.Sprintf("%6d  v%-5d %s  %-8s %-16s %s",
			ev.Seq, ev.Version, ev.CreatedAt.Local().Format(time.TimeOnly),
			ev.Type, ev.Key, string(ev.Body))
		fmt.Println(renderEventType(ev.Type, ui.Truncate(line, width)))
	}
}

func renderEventType(typ, line string) string {
	switch typ {
	case string(engine.MessageConflict), journal.EventFailure:
		return ui.RenderFail(line)
	case string(engine.MessageDelete):
		return ui.RenderWarn(line)
	default:
		return line
	}
}

// parseSince resolves a duration, an RFC 3339 timestamp or a natural
// language phrase relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d.Abs()), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}
