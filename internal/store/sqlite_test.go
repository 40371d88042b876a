package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperengineering/tributary/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(t *testing.T, id string, channel string, seq int64) types.Message {
	t.Helper()
	author, err := types.ParseWalletAddress("0xab5801a7d398351b8be11c439e05c5b3259aec9b")
	if err != nil {
		t.Fatalf("parse author: %v", err)
	}
	return types.Message{
		ID:          id,
		Author:      author,
		Content:     "message " + id,
		TimestampMs: 1700000000000 + seq,
		ChannelID:   types.NewChannelID(channel),
		Sequence:    seq,
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage(t, "m1", "0xchan/message", 1)
	if err := s.Put(ctx, msg); err != nil {
		t.Fatalf("first put: %v", err)
	}

	// Second put with the same id but different content must be a no-op.
	altered := msg
	altered.Content = "changed"
	if err := s.Put(ctx, altered); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err := s.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != msg.Content {
		t.Errorf("content overwritten: got %q, want %q", got.Content, msg.Content)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSearchMatchesSubstringWithinChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	channel := types.NewChannelID("0xchan/message")
	other := types.NewChannelID("0xother/message")

	msgs := []types.Message{
		testMessage(t, "m1", channel.Raw, 1),
		testMessage(t, "m2", channel.Raw, 2),
		testMessage(t, "m3", other.Raw, 3),
	}
	msgs[0].Content = "the quick brown fox"
	msgs[1].Content = "lazy dog"
	msgs[2].Content = "another quick fox elsewhere"

	for _, m := range msgs {
		if err := s.Put(ctx, m); err != nil {
			t.Fatalf("put %s: %v", m.ID, err)
		}
	}

	results, err := s.Search(ctx, channel, "quick", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "m1" {
		t.Errorf("search results = %+v, want only m1", results)
	}
}

func TestSearchEscapesLikeWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	channel := types.NewChannelID("0xchan/message")

	m1 := testMessage(t, "m1", channel.Raw, 1)
	m1.Content = "discount is 100% off"
	m2 := testMessage(t, "m2", channel.Raw, 2)
	m2.Content = "discount is 100 percent off"

	for _, m := range []types.Message{m1, m2} {
		if err := s.Put(ctx, m); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	results, err := s.Search(ctx, channel, "100%", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "m1" {
		t.Errorf("wildcard not escaped: results = %+v", results)
	}
}

func TestRecentOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	channel := types.NewChannelID("0xchan/message")

	for i := int64(1); i <= 5; i++ {
		if err := s.Put(ctx, testMessage(t, fmt.Sprintf("m%d", i), channel.Raw, i)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	asc, err := s.Recent(ctx, channel, 3, types.OrderAscending)
	if err != nil {
		t.Fatalf("recent asc: %v", err)
	}
	if len(asc) != 3 || asc[0].ID != "m1" || asc[2].ID != "m3" {
		t.Errorf("ascending order wrong: %+v", asc)
	}

	desc, err := s.Recent(ctx, channel, 3, types.OrderDescending)
	if err != nil {
		t.Fatalf("recent desc: %v", err)
	}
	if len(desc) != 3 || desc[0].ID != "m5" || desc[2].ID != "m3" {
		t.Errorf("descending order wrong: %+v", desc)
	}
}

func TestPositionAbsentIsMinusOne(t *testing.T) {
	s := newTestStore(t)

	seq, err := s.GetPosition(context.Background(), types.NewChannelID("0xchan/message"))
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if seq != -1 {
		t.Errorf("absent position = %d, want -1", seq)
	}
}

func TestAdvanceToIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	channel := types.NewChannelID("0xchan/message")

	// Stored value after any sequence of advances equals the max seen.
	for _, seq := range []int64{5, 3, 10, 7, 10, 2} {
		if err := s.AdvanceTo(ctx, channel, seq); err != nil {
			t.Fatalf("advance to %d: %v", seq, err)
		}
	}

	got, err := s.GetPosition(ctx, channel)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if got != 10 {
		t.Errorf("position = %d, want 10", got)
	}
}

func TestAdvanceToIsolatedPerChannel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := types.NewChannelID("0xaaa/message")
	b := types.NewChannelID("0xbbb/message")

	if err := s.AdvanceTo(ctx, a, 100); err != nil {
		t.Fatalf("advance a: %v", err)
	}
	if err := s.AdvanceTo(ctx, b, 7); err != nil {
		t.Fatalf("advance b: %v", err)
	}

	gotA, _ := s.GetPosition(ctx, a)
	gotB, _ := s.GetPosition(ctx, b)
	if gotA != 100 || gotB != 7 {
		t.Errorf("positions = %d/%d, want 100/7", gotA, gotB)
	}
}

func TestConcurrentPutsAcrossChannels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			channel := fmt.Sprintf("0xchan%d/message", c)
			for i := int64(0); i < 25; i++ {
				msg := testMessage(t, fmt.Sprintf("c%d-m%d", c, i), channel, i)
				if err := s.Put(ctx, msg); err != nil {
					t.Errorf("put: %v", err)
					return
				}
			}
		}(c)
	}
	wg.Wait()

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 100 {
		t.Errorf("count = %d, want 100", count)
	}
}
