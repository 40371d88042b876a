// Package syncer drives paginated backfill of channel history against the
// remote feed, converging the per-channel position ledger, and serializes
// sync runs per channel behind a coalescing work queue.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/tributary/internal/feed"
	"github.com/hyperengineering/tributary/internal/store"
	"github.com/hyperengineering/tributary/internal/types"
)

// Feed is the consumer-side contract for the remote paginated feed.
type Feed interface {
	FetchPage(ctx context.Context, channel types.ChannelID, limit int, cursor string) (feed.Page, error)
	FetchLatest(ctx context.Context, channel types.ChannelID) (*types.Message, error)
}

// Writer persists one message into the hybrid memory. Implementations are
// best-effort and never fail.
type Writer interface {
	Put(ctx context.Context, msg types.Message)
}

// DefaultBatchSize is the page size requested from the feed.
const DefaultBatchSize = 50

// Engine backfills channel history. Sync may be called directly; Enqueue
// goes through the per-channel worker queue so overlapping requests for one
// channel coalesce and never race the ledger's read-then-advance.
type Engine struct {
	feed      Feed
	ledger    store.PositionLedger
	writer    Writer
	batchSize int

	requests chan types.ChannelID
}

// NewEngine creates a sync engine. A batchSize of 0 selects
// DefaultBatchSize.
func NewEngine(f Feed, ledger store.PositionLedger, writer Writer, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		feed:      f,
		ledger:    ledger,
		writer:    writer,
		batchSize: batchSize,
		requests:  make(chan types.ChannelID, 64),
	}
}

// Enqueue requests a backfill for the channel. The call never blocks; when
// the dispatch queue is full the request is dropped (a later realtime event
// or manual sync will pick the channel up again).
func (e *Engine) Enqueue(channel types.ChannelID) {
	select {
	case e.requests <- channel:
	default:
		slog.Warn("sync queue full, dropping request",
			"component", "syncer",
			"channel", channel.Raw,
		)
	}
}

// Run drains the dispatch queue, maintaining one single-concurrency worker
// per channel. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("sync engine started",
		"component", "syncer",
		"batch_size", e.batchSize,
	)

	var wg sync.WaitGroup
	workers := make(map[string]chan struct{})

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			slog.Info("sync engine stopped",
				"component", "syncer",
				"reason", "context_cancelled",
			)
			return
		case channel := <-e.requests:
			wake, ok := workers[channel.Raw]
			if !ok {
				// Capacity 1: a request arriving mid-sync schedules
				// exactly one follow-up run, further requests coalesce.
				wake = make(chan struct{}, 1)
				workers[channel.Raw] = wake
				wg.Add(1)
				go e.channelWorker(ctx, &wg, channel, wake)
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// channelWorker serializes sync runs for one channel.
func (e *Engine) channelWorker(ctx context.Context, wg *sync.WaitGroup, channel types.ChannelID, wake <-chan struct{}) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			e.Sync(ctx, channel)
		}
	}
}

// Sync backfills the channel from the feed. All failures are logged and
// swallowed: a sync failure must never crash the caller, and partial
// progress is retained (puts are idempotent) so a later run resumes from
// the last persisted position.
func (e *Engine) Sync(ctx context.Context, channel types.ChannelID) {
	// Run ids tie together the log lines of one backfill.
	runID := ulid.Make().String()
	if err := e.sync(ctx, channel, runID); err != nil {
		slog.Error("channel sync failed",
			"component", "syncer",
			"channel", channel.Raw,
			"run_id", runID,
			"error", err,
		)
	}
}

func (e *Engine) sync(ctx context.Context, channel types.ChannelID, runID string) error {
	highWater, err := e.ledger.GetPosition(ctx, channel)
	if err != nil {
		return fmt.Errorf("read position: %w", err)
	}

	// Short-circuit: when the newest record is already ingested there is
	// nothing to page through.
	latest, err := e.feed.FetchLatest(ctx, channel)
	if err != nil {
		return fmt.Errorf("fetch latest: %w", err)
	}
	if latest == nil || latest.Sequence <= highWater {
		return nil
	}

	maxSeen := highWater
	cursor := ""

	for {
		page, err := e.feed.FetchPage(ctx, channel, e.batchSize, cursor)
		if err != nil {
			return fmt.Errorf("fetch page: %w", err)
		}
		cursor = page.Cursor

		// Paging must stay sequential: each cursor depends on the prior
		// page, and the already-seen cutoff below depends on delivery
		// order.
		for _, msg := range page.Messages {
			if msg.Sequence < highWater {
				// The page has crossed into already-ingested territory;
				// drop the remaining cursor once this page is done.
				cursor = ""
				continue
			}
			if msg.Sequence > highWater {
				e.writer.Put(ctx, msg)
			}
			if msg.Sequence > maxSeen {
				maxSeen = msg.Sequence
			}
		}

		if cursor == "" {
			break
		}
	}

	if err := e.ledger.AdvanceTo(ctx, channel, maxSeen); err != nil {
		return fmt.Errorf("advance position: %w", err)
	}

	slog.Debug("channel sync completed",
		"component", "syncer",
		"channel", channel.Raw,
		"run_id", runID,
		"position", maxSeen,
	)
	return nil
}
