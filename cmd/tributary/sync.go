package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tributary/internal/config"
	"github.com/hyperengineering/tributary/internal/embedding"
	"github.com/hyperengineering/tributary/internal/feed"
	"github.com/hyperengineering/tributary/internal/memory"
	"github.com/hyperengineering/tributary/internal/semantic"
	"github.com/hyperengineering/tributary/internal/store"
	"github.com/hyperengineering/tributary/internal/syncer"
	"github.com/hyperengineering/tributary/internal/types"
)

var syncJSONOutput bool

var syncCmd = &cobra.Command{
	Use:   "sync <channel-id>",
	Short: "Backfill a single channel and exit",
	Long:  "Run one backfill pass for the given channel against the configured feed, persist the results, and print the resulting position.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncJSONOutput, "json", false,
		"Output in JSON format")
}

func runSync(cmd *cobra.Command, args []string) error {
	channel := types.NewChannelID(args[0])
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg.Log)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open structured store: %w", err)
	}
	defer db.Close()

	embedder := embedding.NewOpenAI(cfg.Embedding.APIKey, cfg.Embedding.Model)
	vectors, err := semantic.NewStore(cfg.Database.SemanticPath, embedder)
	if err != nil {
		return fmt.Errorf("open semantic store: %w", err)
	}
	defer vectors.Close()

	mem := memory.New(db, vectors)
	feedClient := feed.NewClient(cfg.Feed.BaseURL, func() string { return cfg.Feed.Token })
	engine := syncer.NewEngine(feedClient, db, mem, cfg.Feed.BatchSize)

	engine.Sync(ctx, channel)

	position, err := db.GetPosition(ctx, channel)
	if err != nil {
		return fmt.Errorf("read position: %w", err)
	}

	return printSyncResult(cmd.OutOrStdout(), channel, position)
}

func printSyncResult(w io.Writer, channel types.ChannelID, position int64) error {
	if syncJSONOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"channel":  channel.Raw,
			"position": position,
		})
	}
	_, err := fmt.Fprintf(w, "%s synced to position %d\n", channel.Raw, position)
	return err
}
