// Package tributary is the Go client for the Tributary HTTP API.
package tributary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds client construction parameters.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer credential for authenticated endpoints.
	APIKey string
	// Timeout bounds each request. Defaults to 30 seconds.
	Timeout time.Duration
	// HTTPClient overrides the underlying client when set. Timeout is
	// ignored in that case.
	HTTPClient *http.Client
}

// Client talks to a Tributary server.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a client from config.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		client:  httpClient,
	}, nil
}

// Health checks server availability. It needs no credential.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/api/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Search runs a hybrid search over the channel. limit <= 0 uses the server
// default.
func (c *Client) Search(ctx context.Context, channel, query string, limit int) ([]Message, error) {
	params := url.Values{}
	params.Set("channel", channel)
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.get(ctx, "/api/v1/search", params, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Recent returns the channel's most recent messages in the given order.
// limit <= 0 uses the server default; an empty order means newest first.
func (c *Client) Recent(ctx context.Context, channel string, limit int, order Order) ([]Message, error) {
	params := url.Values{}
	params.Set("channel", channel)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if order != "" {
		params.Set("order", string(order))
	}

	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.get(ctx, "/api/v1/messages", params, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Sync asks the server to backfill the channel. The work is queued; a nil
// error means accepted, not completed.
func (c *Client) Sync(ctx context.Context, channel string) error {
	body := map[string]string{"channelId": channel}
	return c.post(ctx, "/api/v1/sync", body, nil)
}

// ReplicaURL fetches a presigned download link for the named replica
// snapshot ("structured" or "semantic").
func (c *Client) ReplicaURL(ctx context.Context, name string) (*ReplicaURL, error) {
	var out ReplicaURL
	if err := c.get(ctx, "/api/v1/replica/"+url.PathEscape(name)+"/url", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var apiErr APIError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Status == 0 {
		return &APIError{
			Title:  http.StatusText(resp.StatusCode),
			Status: resp.StatusCode,
		}
	}
	return &apiErr
}
