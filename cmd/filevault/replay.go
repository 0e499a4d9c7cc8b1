// -------------------------------------------------------------------------------
// Replay Subcommand - Manual Retry of Failed Queue Entries
//
// Author: Alex Freidah
//
// Returns Failed queue entries to Pending with a fresh retry budget so the
// running service's queue processor picks them up on its next drain. Used
// after an operator has fixed whatever made the entries fail permanently.
// -------------------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/munchlab/filevault/internal/config"
	"github.com/munchlab/filevault/internal/metadata"
)

func runReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	operationID := fs.String("id", "", "Replay a single failed entry by operation id")
	allFailed := fs.Bool("all-failed", false, "Replay every failed entry")
	dryRun := fs.Bool("dry-run", false, "Preview what would be replayed without writing")
	_ = fs.Parse(args)

	if *operationID == "" && !*allFailed {
		fmt.Fprintln(os.Stderr, "error: either --id or --all-failed is required")
		fs.Usage()
		os.Exit(1)
	}

	// --- Initialize structured logger ---
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// --- Load configuration ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// --- Initialize store ---
	store, err := metadata.NewStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.RunMigrations(ctx); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	mode := "replay"
	if *dryRun {
		mode = "dry-run"
	}

	// --- Collect target entries ---
	var targets []metadata.QueueEntry
	if *operationID != "" {
		entry, err := store.GetEntry(ctx, *operationID)
		if err != nil {
			slog.Error("Failed to load entry", "operation_id", *operationID, "error", err)
			os.Exit(1)
		}
		if entry.Status != metadata.QueueFailed {
			slog.Error("Entry is not failed", "operation_id", *operationID, "status", entry.Status)
			os.Exit(1)
		}
		targets = append(targets, *entry)
	} else {
		targets, err = store.ListEntries(ctx, metadata.QueueFailed, 0)
		if err != nil {
			slog.Error("Failed to list failed entries", "error", err)
			os.Exit(1)
		}
	}

	if len(targets) == 0 {
		slog.Info("No failed entries to replay")
		return
	}

	slog.Info("Starting replay", "entries", len(targets), "mode", mode)

	// --- Requeue ---
	replayed := 0
	for _, entry := range targets {
		if *dryRun {
			slog.Info("Would replay",
				"operation_id", entry.OperationID, "type", entry.Type,
				"attempts", entry.RetryCount, "last_error", entry.ErrorMessage)
			replayed++
			continue
		}
		if err := store.RequeueFailed(ctx, entry.OperationID); err != nil {
			slog.Error("Failed to requeue entry", "operation_id", entry.OperationID, "error", err)
			os.Exit(1)
		}
		slog.Info("Replayed", "operation_id", entry.OperationID, "type", entry.Type)
		replayed++
	}

	slog.Info("Replay complete", "entries", replayed, "mode", mode)
}
