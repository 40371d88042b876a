package tributary

import (
	"fmt"
	"time"
)

// Message is one replicated channel record as returned by the server.
type Message struct {
	ID          string `json:"id"`
	Author      string `json:"author"`
	Content     string `json:"content"`
	TimestampMs int64  `json:"timestamp"`
	ChannelID   string `json:"channelId"`
	Sequence    int64  `json:"sequence"`
}

// Health is the server health report.
type Health struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	EmbeddingModel string `json:"embedding_model"`
}

// ReplicaURL is a presigned download link for a replica snapshot.
type ReplicaURL struct {
	URL     string    `json:"url"`
	Expires time.Time `json:"expires"`
}

// Order controls chronological ordering of recent-message queries.
type Order string

const (
	OrderAscending  Order = "ASC"
	OrderDescending Order = "DESC"
)

// APIError is a problem-details error response from the server.
type APIError struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("tributary: %s (%d): %s", e.Title, e.Status, e.Detail)
	}
	return fmt.Sprintf("tributary: %s (%d)", e.Title, e.Status)
}
