package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/tributary/internal/snapshot"
	"github.com/hyperengineering/tributary/internal/types"
	"github.com/hyperengineering/tributary/internal/validation"
)

const (
	defaultLimit = 10
	maxLimit     = 100
	maxQueryLen  = 1000
)

// MemoryReader is the hybrid memory surface exposed over HTTP.
type MemoryReader interface {
	Search(ctx context.Context, channel types.ChannelID, query string, limit int) ([]types.Message, error)
	Recent(ctx context.Context, channel types.ChannelID, limit int, order types.Order) ([]types.Message, error)
}

// SyncRequester accepts backfill requests for a channel.
type SyncRequester interface {
	Enqueue(channel types.ChannelID)
}

// Handler implements the API handlers
type Handler struct {
	memory   MemoryReader
	syncer   SyncRequester
	uploader snapshot.Uploader
	apiKey   string
	version  string
	model    string
}

// NewHandler creates a new Handler.
func NewHandler(memory MemoryReader, syncer SyncRequester, uploader snapshot.Uploader, apiKey, version, model string) *Handler {
	return &Handler{
		memory:   memory,
		syncer:   syncer,
		uploader: uploader,
		apiKey:   apiKey,
		version:  version,
		model:    model,
	}
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	EmbeddingModel string `json:"embedding_model"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "healthy",
		Version:        h.version,
		EmbeddingModel: h.model,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type messagesResponse struct {
	ChannelID string          `json:"channelId"`
	Messages  []types.Message `json:"messages"`
}

// Search handles GET /api/v1/search?channel=...&q=...&limit=N
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	channelRaw := r.URL.Query().Get("channel")
	query := r.URL.Query().Get("q")

	var c validation.Collector
	c.Add(validation.ValidateRequired("channel", channelRaw))
	c.Add(validation.ValidateRequired("q", query))
	c.Add(validation.ValidateUTF8("q", query))
	c.Add(validation.ValidateNoNullBytes("q", query))
	c.Add(validation.ValidateMaxLength("q", query, maxQueryLen))

	limit, lerr := parseLimit(r)
	c.Add(lerr)

	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid parameters", c.Errors())
		return
	}

	channel := types.NewChannelID(channelRaw)
	results, err := h.memory.Search(r.Context(), channel, query, limit)
	if err != nil {
		slog.Error("search failed", "error", err, "channel", channel.Raw)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, messagesResponse{ChannelID: channel.Raw, Messages: emptyIfNil(results)})
}

// Messages handles GET /api/v1/messages?channel=...&limit=N&order=ASC|DESC
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	channelRaw := r.URL.Query().Get("channel")
	orderRaw := r.URL.Query().Get("order")

	var c validation.Collector
	c.Add(validation.ValidateRequired("channel", channelRaw))
	if orderRaw != "" {
		c.Add(validation.ValidateEnum("order", orderRaw, []string{"ASC", "DESC"}))
	}

	limit, lerr := parseLimit(r)
	c.Add(lerr)

	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid parameters", c.Errors())
		return
	}

	channel := types.NewChannelID(channelRaw)
	results, err := h.memory.Recent(r.Context(), channel, limit, types.ParseOrder(orderRaw))
	if err != nil {
		slog.Error("recent lookup failed", "error", err, "channel", channel.Raw)
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, messagesResponse{ChannelID: channel.Raw, Messages: emptyIfNil(results)})
}

type syncRequest struct {
	ChannelID string `json:"channelId"`
}

type syncResponse struct {
	ChannelID string `json:"channelId"`
	Status    string `json:"status"`
}

// SyncChannel handles POST /api/v1/sync. The backfill runs asynchronously;
// the request only enqueues it.
func (h *Handler) SyncChannel(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	var c validation.Collector
	c.Add(validation.ValidateRequired("channelId", req.ChannelID))
	c.Add(validation.ValidateNoNullBytes("channelId", req.ChannelID))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", c.Errors())
		return
	}

	channel := types.NewChannelID(req.ChannelID)
	h.syncer.Enqueue(channel)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(syncResponse{ChannelID: channel.Raw, Status: "queued"})
}

type replicaURLResponse struct {
	URL     string    `json:"url"`
	Expires time.Time `json:"expires"`
}

// ReplicaURL handles GET /api/v1/replica/{name}/url, returning a pre-signed
// download URL for the named replica snapshot.
func (h *Handler) ReplicaURL(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	c := validation.Collector{}
	c.Add(validation.ValidateRequired("name", name))
	c.Add(validation.ValidateEnum("name", name, []string{"structured", "semantic"}))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid parameters", c.Errors())
		return
	}

	url, expires, err := h.uploader.PresignedURL(r.Context(), name)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, replicaURLResponse{URL: url, Expires: expires})
}

func parseLimit(r *http.Request) (int, *validation.ValidationError) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &validation.ValidationError{Field: "limit", Message: "must be an integer"}
	}
	if verr := validation.ValidateIntRange("limit", n, 1, maxLimit); verr != nil {
		return 0, verr
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func emptyIfNil(msgs []types.Message) []types.Message {
	if msgs == nil {
		return []types.Message{}
	}
	return msgs
}
