package syncer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hyperengineering/tributary/internal/types"
)

const (
	selfAddress  = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	otherAddress = "0xcafe5801a7d398351b8be11c439e05c5b3259aec"
)

func streamPayload(t *testing.T, id, author, channel, body string, seq int64) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"action": 1,
		"type":   "message",
		"model":  map[string]any{"body": body},
	})
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	raw, err := json.Marshal(map[string]any{
		"id":              id,
		"author":          author,
		"channelId":       channel,
		"serverTimestamp": 1700000000000 + seq,
		"sequence":        seq,
		"data":            string(data),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func newTestSubscriber(t *testing.T) (*Subscriber, *fakeWriter, *Engine) {
	t.Helper()
	identity, err := types.ParseWalletAddress(selfAddress)
	if err != nil {
		t.Fatalf("parse identity: %v", err)
	}
	writer := newFakeWriter()
	engine := NewEngine(&fakeFeed{}, newFakeLedger(), writer, 50)
	return NewSubscriber(identity, writer, engine), writer, engine
}

func TestHandleMessagePersistsAndEnqueues(t *testing.T) {
	sub, writer, engine := newTestSubscriber(t)

	payload := streamPayload(t, "m1", otherAddress, "0xchan/reaction", "hello", 7)
	sub.HandleMessage(context.Background(), payload)

	if writer.count() != 1 {
		t.Fatalf("writes = %d, want 1", writer.count())
	}

	// The backfill targets the root's message sub-stream, not the
	// sub-stream the event arrived on.
	select {
	case channel := <-engine.requests:
		if channel.Raw != "0xchan/message" {
			t.Errorf("enqueued channel = %q, want 0xchan/message", channel.Raw)
		}
	default:
		t.Error("no sync request enqueued")
	}
}

func TestHandleMessageDropsSelfEcho(t *testing.T) {
	sub, writer, engine := newTestSubscriber(t)

	payload := streamPayload(t, "m1", selfAddress, "0xchan/message", "my own words", 7)
	sub.HandleMessage(context.Background(), payload)

	if writer.count() != 0 {
		t.Errorf("writes = %d, want 0 for self-authored event", writer.count())
	}
	select {
	case <-engine.requests:
		t.Error("sync enqueued for self-authored event")
	default:
	}
}

func TestHandleMessageSkipsUndecodablePayloads(t *testing.T) {
	sub, writer, engine := newTestSubscriber(t)

	for _, payload := range [][]byte{
		[]byte("not json at all"),
		[]byte(`{"id":"m1"}`),
		[]byte(`{"action":"ping"}`),
	} {
		sub.HandleMessage(context.Background(), payload)
	}

	if writer.count() != 0 {
		t.Errorf("writes = %d, want 0", writer.count())
	}
	select {
	case <-engine.requests:
		t.Error("sync enqueued for undecodable payload")
	default:
	}
}
