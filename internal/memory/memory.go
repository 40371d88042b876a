// Package memory fans message writes out to the structured replica and the
// semantic store, and merges search results from both into one deduplicated
// answer. Durability is best-effort per store: an outage on one side never
// blocks the other.
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hyperengineering/tributary/internal/types"
)

// StructuredStore is the exact-match side of the hybrid memory. It is the
// system of record for field values.
type StructuredStore interface {
	Put(ctx context.Context, msg types.Message) error
	Search(ctx context.Context, channel types.ChannelID, query string, limit int) ([]types.Message, error)
	Recent(ctx context.Context, channel types.ChannelID, limit int, order types.Order) ([]types.Message, error)
}

// SemanticStore is the similarity-search side of the hybrid memory.
type SemanticStore interface {
	Put(ctx context.Context, msg types.Message) error
	Search(ctx context.Context, channel types.ChannelID, query string, limit int) ([]types.Message, error)
}

// Memory is the dual-store writer and hybrid reader over both stores.
type Memory struct {
	structured StructuredStore
	semantic   SemanticStore
}

// New creates a Memory over the given stores.
func New(structured StructuredStore, semantic SemanticStore) *Memory {
	return &Memory{structured: structured, semantic: semantic}
}

// Put writes the message to both stores concurrently. Each store's failure
// is logged and swallowed independently, so a semantic-store outage never
// blocks durability in the structured replica (and vice versa). Put never
// returns an error; durability degrades rather than failing atomically.
func (m *Memory) Put(ctx context.Context, msg types.Message) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := m.structured.Put(ctx, msg); err != nil {
			slog.Error("structured store put failed",
				"component", "memory",
				"message_id", msg.ID,
				"channel", msg.ChannelID.Raw,
				"error", err,
			)
		}
	}()

	go func() {
		defer wg.Done()
		if err := m.semantic.Put(ctx, msg); err != nil {
			slog.Error("semantic store put failed",
				"component", "memory",
				"message_id", msg.ID,
				"channel", msg.ChannelID.Raw,
				"error", err,
			)
		}
	}()

	wg.Wait()
}

// Search queries both stores concurrently with the same limit and merges
// the results by message id. Structured entries win on id collision: the
// replica is the system of record for exact field values. The union is not
// re-capped, so the total may exceed limit.
// A failure on one side is logged and that side contributes
// nothing; Search fails only when both sides fail.
func (m *Memory) Search(ctx context.Context, channel types.ChannelID, query string, limit int) ([]types.Message, error) {
	var (
		wg                         sync.WaitGroup
		structured, semantic       []types.Message
		structuredErr, semanticErr error
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		structured, structuredErr = m.structured.Search(ctx, channel, query, limit)
	}()

	go func() {
		defer wg.Done()
		semantic, semanticErr = m.semantic.Search(ctx, channel, query, limit)
	}()

	wg.Wait()

	if structuredErr != nil && semanticErr != nil {
		slog.Error("hybrid search failed in both stores",
			"component", "memory",
			"channel", channel.Raw,
			"structured_error", structuredErr,
			"semantic_error", semanticErr,
		)
		return nil, structuredErr
	}
	if semanticErr != nil {
		slog.Warn("semantic search failed, structured results only",
			"component", "memory",
			"channel", channel.Raw,
			"error", semanticErr,
		)
	}
	if structuredErr != nil {
		slog.Warn("structured search failed, semantic results only",
			"component", "memory",
			"channel", channel.Raw,
			"error", structuredErr,
		)
	}

	return mergeResults(semantic, structured), nil
}

// Recent returns the channel's messages in chronological order from the
// structured replica.
func (m *Memory) Recent(ctx context.Context, channel types.ChannelID, limit int, order types.Order) ([]types.Message, error) {
	return m.structured.Recent(ctx, channel, limit, order)
}

// mergeResults deduplicates by message id. Semantic results are inserted
// first so structured entries overwrite them on collision.
func mergeResults(semantic, structured []types.Message) []types.Message {
	uniques := make(map[string]types.Message, len(semantic)+len(structured))
	order := make([]string, 0, len(semantic)+len(structured))

	for _, msg := range semantic {
		if _, seen := uniques[msg.ID]; !seen {
			order = append(order, msg.ID)
		}
		uniques[msg.ID] = msg
	}
	for _, msg := range structured {
		if _, seen := uniques[msg.ID]; !seen {
			order = append(order, msg.ID)
		}
		uniques[msg.ID] = msg
	}

	merged := make([]types.Message, 0, len(uniques))
	for _, id := range order {
		merged = append(merged, uniques[id])
	}
	return merged
}
