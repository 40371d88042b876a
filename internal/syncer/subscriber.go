package syncer

import (
	"context"
	"log/slog"

	"github.com/hyperengineering/tributary/internal/feed"
	"github.com/hyperengineering/tributary/internal/types"
)

// Subscriber consumes raw realtime stream payloads. It decodes each payload
// at the boundary (decode-or-skip), drops the agent's own echoes, persists
// the event, and enqueues a backfill for the channel's message sub-stream
// so any gap between the replica and the feed is closed.
type Subscriber struct {
	identity types.WalletAddress
	writer   Writer
	engine   *Engine
}

// NewSubscriber creates a Subscriber. identity is the local agent's wallet
// address, used to avoid self-echo.
func NewSubscriber(identity types.WalletAddress, writer Writer, engine *Engine) *Subscriber {
	return &Subscriber{
		identity: identity,
		writer:   writer,
		engine:   engine,
	}
}

// HandleMessage processes one raw payload from the stream. Undecodable
// payloads are skipped silently; nothing here ever fails the stream.
func (s *Subscriber) HandleMessage(ctx context.Context, payload []byte) {
	msg, ok := feed.DecodeProof(payload)
	if !ok {
		slog.Debug("stream payload skipped",
			"component", "subscriber",
			"bytes", len(payload),
		)
		return
	}

	if msg.Author.Equal(s.identity) {
		return
	}

	s.writer.Put(ctx, msg)
	s.engine.Enqueue(msg.ChannelID.MessageChannel())
}
