// Package worker contains background coordinators that run alongside the
// replication loop.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/tributary/internal/snapshot"
)

// Replica is a local database file that can be flushed into a consistent,
// copyable state.
type Replica interface {
	Checkpoint(ctx context.Context) error
	Path() string
}

// NamedReplica pairs a replica with the name it is uploaded under.
type NamedReplica struct {
	Name    string
	Replica Replica
}

// SnapshotCoordinator periodically checkpoints each replica database and
// uploads the resulting file to S3-compatible storage.
type SnapshotCoordinator struct {
	replicas []NamedReplica
	uploader snapshot.Uploader
	interval time.Duration
}

// NewSnapshotCoordinator creates a coordinator for the given replicas.
// The uploader parameter is optional; if nil, no S3 upload is attempted.
func NewSnapshotCoordinator(
	replicas []NamedReplica,
	interval time.Duration,
	uploader snapshot.Uploader,
) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		replicas: replicas,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the coordinator loop.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Generate snapshots immediately on start
	c.snapshotAll(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.snapshotAll(ctx)
		}
	}
}

// snapshotAll checkpoints and uploads every replica.
func (c *SnapshotCoordinator) snapshotAll(ctx context.Context) {
	var succeeded, failed int
	for _, r := range c.replicas {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log summary
		}
		if c.snapshotReplica(ctx, r) {
			succeeded++
		} else {
			failed++
		}
	}

	if succeeded > 0 || failed > 0 {
		slog.Info("snapshot cycle completed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "cycle_complete",
			"total", len(c.replicas),
			"succeeded", succeeded,
			"failed", failed,
		)
	}
}

// snapshotReplica checkpoints a single replica and uploads the file.
// Returns true if the checkpoint succeeded; upload failures are non-fatal.
func (c *SnapshotCoordinator) snapshotReplica(ctx context.Context, r NamedReplica) bool {
	if err := r.Replica.Checkpoint(ctx); err != nil {
		if ctx.Err() != nil {
			return false // Graceful shutdown, don't log as error
		}
		slog.Warn("replica checkpoint failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"replica", r.Name,
			"error", err,
		)
		return false
	}

	if c.uploader != nil {
		c.uploadReplica(ctx, r)
	}

	return true
}

// uploadReplica uploads the checkpointed database file to S3.
// Upload failures are logged as warnings but are NOT fatal; the local
// replica remains valid.
func (c *SnapshotCoordinator) uploadReplica(ctx context.Context, r NamedReplica) {
	if err := c.uploader.Upload(ctx, r.Name, r.Replica.Path()); err != nil {
		slog.Warn("snapshot upload to S3 failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"replica", r.Name,
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded to S3",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_uploaded",
		"replica", r.Name,
	)
}
