package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tributary/internal/api"
	"github.com/hyperengineering/tributary/internal/config"
	"github.com/hyperengineering/tributary/internal/embedding"
	"github.com/hyperengineering/tributary/internal/feed"
	"github.com/hyperengineering/tributary/internal/memory"
	"github.com/hyperengineering/tributary/internal/semantic"
	"github.com/hyperengineering/tributary/internal/snapshot"
	"github.com/hyperengineering/tributary/internal/store"
	"github.com/hyperengineering/tributary/internal/stream"
	"github.com/hyperengineering/tributary/internal/syncer"
	"github.com/hyperengineering/tributary/internal/types"
	"github.com/hyperengineering/tributary/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "tributary",
	Short: "Tributary - Channel Replication & Hybrid Memory Engine",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	setupLogger(cfg.Log)
	slog.Info("configuration loaded")

	// 4. Initialize the structured replica (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("structured store initialized", "path", cfg.Database.Path)

	// 5. Initialize embedding service and semantic store
	embedder := embedding.NewOpenAI(cfg.Embedding.APIKey, cfg.Embedding.Model)
	slog.Info("embedder initialized", "model", cfg.Embedding.Model)

	vectors, err := semantic.NewStore(cfg.Database.SemanticPath, embedder)
	if err != nil {
		return err
	}
	slog.Info("semantic store initialized", "path", cfg.Database.SemanticPath)

	// 6. Hybrid memory over both stores
	mem := memory.New(db, vectors)

	// 7. Feed client and sync engine
	feedClient := feed.NewClient(cfg.Feed.BaseURL, func() string { return cfg.Feed.Token })
	engine := syncer.NewEngine(feedClient, db, mem, cfg.Feed.BatchSize)

	// 8. Realtime stream subscription
	var identity types.WalletAddress
	if cfg.Agent.Address != "" {
		identity, err = types.ParseWalletAddress(cfg.Agent.Address)
		if err != nil {
			return fmt.Errorf("invalid agent address: %w", err)
		}
	}
	subscriber := syncer.NewSubscriber(identity, mem, engine)

	var streamMgr *stream.Manager
	if cfg.Stream.URL != "" {
		streamMgr = stream.NewManager(cfg.Stream.URL,
			func() string { return cfg.Feed.Token },
			subscriber,
			stream.WithKeepaliveInterval(time.Duration(cfg.Stream.KeepaliveInterval)),
			stream.WithReconnectWait(time.Duration(cfg.Stream.ReconnectWait)),
		)
	}

	// 9. Replica snapshot upload
	uploader, err := snapshot.NewUploader(cfg.Snapshot)
	if err != nil {
		return err
	}
	snapshots := worker.NewSnapshotCoordinator([]worker.NamedReplica{
		{Name: "structured", Replica: db},
		{Name: "semantic", Replica: vectors},
	}, time.Duration(cfg.Worker.SnapshotInterval), uploader)

	// 10. HTTP surface
	handler := api.NewHandler(mem, engine, uploader, cfg.Auth.APIKey, Version, embedder.ModelName())
	router := api.NewRouter(handler)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 11. Background workers
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync-engine", engine.Run)
	startWorker(ctx, &wg, "snapshot", snapshots.Run)
	if streamMgr != nil {
		startWorker(ctx, &wg, "stream", streamMgr.Run)
	}

	// 12. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error indicates an actual server failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 13. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 14. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if streamMgr != nil {
		streamMgr.Disconnect()
	}
	wg.Wait()

	if err := vectors.Close(); err != nil {
		slog.Error("semantic store close error", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
