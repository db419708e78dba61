package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/rowsync/internal/engine"
	"github.com/steveyegge/rowsync/internal/loadtest"
	"github.com/steveyegge/rowsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Measure reconciliation under concurrent load",
	Long: `Run many simulated clients against an in-process engine, or against a
running server with --url.

In-process mode submits mixed add, edit and delete batches from every
client at once and fails if any two passes share a data version or the
versions leave a gap. Remote mode measures the time from sending an add
request to receiving its broadcast.

Examples:
  rowsync loadtest --clients 50 --passes 100
  rowsync loadtest --verify 5s
  rowsync loadtest --url ws://localhost:8000 --clients 20 --requests 50`,
	Run: runLoadtest,
}

func init() {
	loadtestCmd.Flags().Int("clients", 20, "Number of simulated clients")
	loadtestCmd.Flags().Int("records", 1000, "Number of seeded records (in-process)")
	loadtestCmd.Flags().Int("passes", 50, "Batches per client (in-process)")
	loadtestCmd.Flags().Int("actions", 10, "Actions per batch (in-process)")
	loadtestCmd.Flags().Duration("verify", 0, "Also run reader/writer race verification for this long")
	loadtestCmd.Flags().String("url", "", "Server base URL for remote mode, e.g. ws://localhost:8000")
	loadtestCmd.Flags().Int("requests", 20, "Requests per client (remote)")
	loadtestCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

func runLoadtest(cmd *cobra.Command, args []string) {
	clients, _ := cmd.Flags().GetInt("clients")
	url, _ := cmd.Flags().GetString("url")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if url != "" {
		requests, _ := cmd.Flags().GetInt("requests")
		if !jsonOutput {
			fmt.Printf("%s %d clients x %d requests against %s\n", ui.RenderAccent("▶"), clients, requests, url)
		}
		stats, err := loadtest.RunRemote(ctx, loadtest.RemoteOptions{
			URL:               url,
			Clients:           clients,
			RequestsPerClient: requests,
		})
		if err != nil && stats == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printLoadtest(stats, nil, jsonOutput)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Errors during run:"), err)
			os.Exit(1)
		}
		return
	}

	records, _ := cmd.Flags().GetInt("records")
	passes, _ := cmd.Flags().GetInt("passes")
	actions, _ := cmd.Flags().GetInt("actions")
	verify, _ := cmd.Flags().GetDuration("verify")

	h := loadtest.NewHarness(records, &engine.Config{Logger: log.New(io.Discard, "", 0)})
	if !jsonOutput {
		fmt.Printf("%s %d clients x %d passes x %d actions over %d records\n",
			ui.RenderAccent("▶"), clients, passes, actions, records)
	}

	start := time.Now()
	report, err := h.RunConcurrentPasses(ctx, loadtest.Options{
		Clients:         clients,
		PassesPerClient: passes,
		ActionsPerPass:  actions,
		Seed:            time.Now().UnixNano(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	printLoadtest(report.Latency, report, jsonOutput)
	if !jsonOutput {
		fmt.Printf("\n  Throughput:    %.0f passes/s\n", float64(report.Latency.TotalPasses)/elapsed.Seconds())
	}

	if verify > 0 {
		if err := h.VerifyNoRaceConditions(clients, verify); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Race verification failed:"), err)
			os.Exit(1)
		}
		if !jsonOutput {
			fmt.Printf("%s No races detected in %v\n", ui.RenderPass("✓"), verify)
		}
	}
}

func printLoadtest(stats *loadtest.LatencyStats, report *loadtest.Report, jsonOutput bool) {
	if jsonOutput {
		out := map[string]any{
			"passes":  stats.TotalPasses,
			"errors":  stats.Errors,
			"min_ms":  ms(stats.Min),
			"p50_ms":  ms(stats.P50),
			"mean_ms": ms(stats.Mean),
			"p95_ms":  ms(stats.P95),
			"p99_ms":  ms(stats.P99),
			"max_ms":  ms(stats.Max),
		}
		if report != nil {
			out["first_version"] = report.FirstVersion
			out["final_version"] = report.FinalVersion
			out["conflicts"] = report.Conflicts
			out["failures"] = report.Failures
			out["records"] = report.Records
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}

	fmt.Println()
	stats.PrintStats(os.Stdout)
	if report != nil {
		fmt.Printf("\n  Versions:      %d -> %d (gap-free)\n", report.FirstVersion, report.FinalVersion)
		fmt.Printf("  Conflicts:     %d\n", report.Conflicts)
		fmt.Printf("  Key failures:  %d\n", report.Failures)
		fmt.Printf("  Records:       %d\n", report.Records)
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
