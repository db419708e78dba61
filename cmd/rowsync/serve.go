package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/steveyegge/rowsync/internal/config"
	"github.com/steveyegge/rowsync/internal/db"
	"github.com/steveyegge/rowsync/internal/engine"
	"github.com/steveyegge/rowsync/internal/hub"
	"github.com/steveyegge/rowsync/internal/inbox"
	"github.com/steveyegge/rowsync/internal/journal"
	"github.com/steveyegge/rowsync/internal/logging"
	"github.com/steveyegge/rowsync/internal/schema"
	"github.com/steveyegge/rowsync/internal/ui"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the reconciliation server",
	Long: `Start the HTTP and websocket server.

Clients connect to /ws/{id} (or /ws/new for a generated id), receive a
snapshot of every record, and then send add, edit and delete requests.
Pending requests are reconciled every batch_interval.

State is journaled to db_path so a restart resumes at the same data
version. With inbox_dir set, JSON files dropped into that directory are
turned into add requests and removing them deletes the record.

Send SIGHUP to reopen the log file after external rotation.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Override the listen address")
	serveCmd.Flags().Bool("memory", false, "Keep state in memory only (ignore db_path)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := mustLoadConfig()
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Listen = listen
	}
	if memory, _ := cmd.Flags().GetBool("memory"); memory {
		cfg.DBPath = ""
	}

	out := logging.Open(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer out.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	seeds, err := loadSeeds(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	j := journal.Memory()
	if cfg.DBPath != "" {
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer database.Close()

		if err := database.InitSchemaContext(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}
		j = journal.New(database, out.Logger("journal"))
	}

	st, err := j.Restore(ctx, seeds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error restoring state: %v\n", err)
		os.Exit(1)
	}

	eng := engine.New(st, &engine.Config{
		LockTimeout: cfg.LockTimeout,
		Logger:      out.Logger("engine"),
	})

	server := hub.NewServer(eng, j, &hub.Config{
		Addr:          cfg.Listen,
		BatchInterval: cfg.BatchInterval,
		SendBuffer:    hub.DefaultConfig().SendBuffer,
		Metrics:       cfg.Metrics,
		Logger:        out.Logger("hub"),
	})
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	records, version, _ := eng.Records()
	fmt.Printf("%s Serving on %s\n", ui.RenderPass("✓"), ui.RenderAccent(server.GetAddr()))
	fmt.Printf("  %d records at version %d\n", len(records), version)
	if cfg.DBPath != "" {
		fmt.Printf("  Journal: %s\n", cfg.DBPath)
	} else {
		fmt.Printf("  %s\n", ui.RenderWarn("Journal disabled, state is lost on exit"))
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.InboxDir != "" {
		in, err := inbox.New(server, cfg.InboxDir, &inbox.Config{
			DebounceInterval: cfg.InboxDebounce,
			Logger:           out.Logger("inbox"),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating inbox: %v\n", err)
			_ = server.Stop()
			os.Exit(1)
		}
		fmt.Printf("  Inbox: %s\n", cfg.InboxDir)
		g.Go(func() error { return in.Run(gctx) })
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := out.Rotate(); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: log rotation failed: %v\n", err)
				}
			}
		}
	})

	waitErr := g.Wait()

	fmt.Printf("\n%s Shutting down...\n", ui.RenderAccent("⏹"))
	if err := server.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		os.Exit(1)
	}
	if waitErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", waitErr)
		os.Exit(1)
	}
	fmt.Printf("%s Stopped at version %d\n", ui.RenderPass("✓"), server.CurrentVersion())
}

// loadSeeds reads the configured seed file, or returns the built-in users.
func loadSeeds(cfg *config.Config) ([]schema.Seed, error) {
	if cfg.SeedFile == "" {
		return schema.DefaultSeeds(), nil
	}
	return schema.ReadSeedFile(cfg.SeedFile)
}
