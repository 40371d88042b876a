// Package feed pulls historical channel records from the remote paginated
// proof feed.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hyperengineering/tributary/internal/types"
)

// Page is one page of decoded feed records. Cursor is empty on the last
// page.
type Page struct {
	Messages []types.Message
	Cursor   string
}

// TokenSource supplies the bearer credential for feed requests. The
// credential is owned by the excluded auth layer and may rotate between
// calls.
type TokenSource func() string

// Client is the HTTP client for the proof feed.
type Client struct {
	baseURL string
	token   TokenSource
	client  *http.Client
}

// NewClient creates a feed client for the given base URL. No per-request
// timeout is set here: a hung page fetch stalls only the one sync call that
// issued it.
func NewClient(baseURL string, token TokenSource) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{},
	}
}

type proofsRequest struct {
	ChannelID string `json:"channelId"`
	Limit     int    `json:"limit"`
	Cursor    string `json:"cursor,omitempty"`
}

type proofsResponse struct {
	Proofs []json.RawMessage `json:"proofs"`
	Cursor string            `json:"cursor"`
}

// FetchPage fetches one page of records for the channel, starting at cursor
// (empty on the first call). Records that fail to decode into a Message are
// silently skipped; a skip is not a page failure.
func (c *Client) FetchPage(ctx context.Context, channel types.ChannelID, limit int, cursor string) (Page, error) {
	body, err := json.Marshal(proofsRequest{
		ChannelID: channel.Raw,
		Limit:     limit,
		Cursor:    cursor,
	})
	if err != nil {
		return Page{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/get_proofs", bytes.NewReader(body))
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch proofs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("fetch proofs: unexpected status %d", resp.StatusCode)
	}

	var decoded proofsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Page{}, fmt.Errorf("decode response: %w", err)
	}

	page := Page{Cursor: decoded.Cursor}
	for _, raw := range decoded.Proofs {
		if msg, ok := DecodeProof(raw); ok {
			page.Messages = append(page.Messages, msg)
		}
	}
	return page, nil
}

// FetchLatest fetches just the single newest record for the channel, used
// by the sync engine's short-circuit check. Returns nil when the channel is
// empty.
func (c *Client) FetchLatest(ctx context.Context, channel types.ChannelID) (*types.Message, error) {
	page, err := c.FetchPage(ctx, channel, 1, "")
	if err != nil {
		return nil, err
	}
	if len(page.Messages) == 0 {
		return nil, nil
	}
	msg := page.Messages[0]
	return &msg, nil
}
