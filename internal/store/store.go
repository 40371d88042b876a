// Package store implements the structured message replica and the
// per-channel position ledger on SQLite.
package store

import (
	"context"

	"github.com/hyperengineering/tributary/internal/types"
)

// MessageStore is the exact-match message replica. Put is idempotent on
// message id; Search matches content by substring within a channel; Recent
// returns channel messages in chronological order. All methods are safe for
// concurrent use.
type MessageStore interface {
	Put(ctx context.Context, msg types.Message) error
	Search(ctx context.Context, channel types.ChannelID, query string, limit int) ([]types.Message, error)
	Recent(ctx context.Context, channel types.ChannelID, limit int, order types.Order) ([]types.Message, error)
	Get(ctx context.Context, id string) (*types.Message, error)
}

// PositionLedger tracks the highest fully ingested sequence per channel.
// Get returns -1 when no position has been recorded. AdvanceTo persists the
// given sequence only when it exceeds the stored value; a stale update is a
// no-op, never a regression.
type PositionLedger interface {
	GetPosition(ctx context.Context, channel types.ChannelID) (int64, error)
	AdvanceTo(ctx context.Context, channel types.ChannelID, sequence int64) error
}
