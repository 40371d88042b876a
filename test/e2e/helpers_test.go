// Package e2e wires real SQLite stores, the sync engine, and the HTTP API
// together and drives them through the public client, with only the remote
// feed and the embedding provider faked.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/tributary/internal/api"
	"github.com/hyperengineering/tributary/internal/feed"
	"github.com/hyperengineering/tributary/internal/memory"
	"github.com/hyperengineering/tributary/internal/semantic"
	"github.com/hyperengineering/tributary/internal/snapshot"
	"github.com/hyperengineering/tributary/internal/store"
	"github.com/hyperengineering/tributary/internal/syncer"
	"github.com/hyperengineering/tributary/pkg/tributary"
)

const (
	testAPIKey  = "e2e-api-key"
	testChannel = "0xfeedface/message"
	testAuthor  = "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
)

// hashEmbedder maps each word to a bucket so texts sharing words land near
// each other in vector space. Deterministic, no network.
type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 16)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		vec[h.Sum32()%16]++
	}
	return vec, nil
}

func (e hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (hashEmbedder) ModelName() string { return "hash-test" }

// feedRecord is one message the fake feed will serve.
type feedRecord struct {
	id       string
	body     string
	sequence int64
}

// fakeFeed serves /get_proofs pages, newest first, the way the live feed
// does. Records can be appended between syncs.
type fakeFeed struct {
	mu      sync.Mutex
	records []feedRecord
}

func (f *fakeFeed) add(records ...feedRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
}

func (f *fakeFeed) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get_proofs" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer feed-token" {
			t.Errorf("feed auth header = %q", got)
		}

		var req struct {
			ChannelID string `json:"channelId"`
			Limit     int    `json:"limit"`
			Cursor    string `json:"cursor"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		sorted := make([]feedRecord, len(f.records))
		copy(sorted, f.records)
		f.mu.Unlock()
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].sequence > sorted[j].sequence })

		offset := 0
		if req.Cursor != "" {
			offset, _ = strconv.Atoi(req.Cursor)
		}

		proofs := []json.RawMessage{}
		for i := offset; i < len(sorted) && len(proofs) < req.Limit; i++ {
			proofs = append(proofs, proofJSON(t, req.ChannelID, sorted[i]))
		}
		cursor := ""
		if next := offset + len(proofs); next < len(sorted) {
			cursor = strconv.Itoa(next)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"proofs": proofs,
			"cursor": cursor,
		})
	}
}

func proofJSON(t *testing.T, channel string, rec feedRecord) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"action": 1,
		"type":   "message",
		"model":  map[string]string{"body": rec.body},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(map[string]any{
		"id":              rec.id,
		"author":          testAuthor,
		"channelId":       channel,
		"serverTimestamp": 1700000000000 + rec.sequence,
		"sequence":        rec.sequence,
		"data":            string(payload),
	})
	if err != nil {
		t.Fatalf("marshal proof: %v", err)
	}
	return raw
}

// env is one fully wired server instance.
type env struct {
	feed    *fakeFeed
	client  *tributary.Client
	baseURL string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	db, err := store.NewSQLiteStore(filepath.Join(dir, "structured.db"))
	if err != nil {
		t.Fatalf("open structured store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	vectors, err := semantic.NewStore(filepath.Join(dir, "semantic.db"), hashEmbedder{})
	if err != nil {
		t.Fatalf("open semantic store: %v", err)
	}
	t.Cleanup(func() { vectors.Close() })

	mem := memory.New(db, vectors)

	fakeF := &fakeFeed{}
	feedSrv := httptest.NewServer(fakeF.handler(t))
	t.Cleanup(feedSrv.Close)

	feedClient := feed.NewClient(feedSrv.URL, func() string { return "feed-token" })
	engine := syncer.NewEngine(feedClient, db, mem, 2)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)

	handler := api.NewHandler(mem, engine, &snapshot.NoopUploader{}, testAPIKey, "e2e", "hash-test")
	apiSrv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(apiSrv.Close)

	client, err := tributary.New(tributary.Config{BaseURL: apiSrv.URL, APIKey: testAPIKey})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	return &env{feed: fakeF, client: client, baseURL: apiSrv.URL}
}

// waitForMessages polls the recent endpoint until the channel holds want
// messages or the deadline passes.
func (e *env) waitForMessages(t *testing.T, channel string, want int) []tributary.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		msgs, err := e.client.Recent(context.Background(), channel, 100, tributary.OrderAscending)
		if err != nil {
			t.Fatalf("recent: %v", err)
		}
		if len(msgs) >= want {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d messages, have %d", want, len(msgs))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func record(seq int64, body string) feedRecord {
	return feedRecord{id: fmt.Sprintf("msg-%03d", seq), body: body, sequence: seq}
}
