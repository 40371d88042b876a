// Package types defines the shared value types of the replication engine.
// Messages are copied, never aliased, between components; once observed a
// Message is immutable.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidWalletAddress indicates a wallet address failed validation.
var ErrInvalidWalletAddress = errors.New("invalid wallet address")

// walletAddressPattern matches a 0x-prefixed 20-byte hex address.
var walletAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// WalletAddress is a normalized (lowercase, 0x-prefixed) EVM wallet address.
// It identifies message authors and the local agent.
type WalletAddress struct {
	value string
}

// ParseWalletAddress validates and normalizes a wallet address string.
func ParseWalletAddress(s string) (WalletAddress, error) {
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	if !walletAddressPattern.MatchString(s) {
		return WalletAddress{}, fmt.Errorf("%w: %q", ErrInvalidWalletAddress, s)
	}
	return WalletAddress{value: strings.ToLower(s)}, nil
}

// String returns the normalized address.
func (a WalletAddress) String() string {
	return a.value
}

// IsZero reports whether the address is the zero value (unparsed).
func (a WalletAddress) IsZero() bool {
	return a.value == ""
}

// Equal reports whether two addresses refer to the same wallet.
func (a WalletAddress) Equal(other WalletAddress) bool {
	return a.value == other.value
}

// MarshalJSON encodes the address as its normalized string form.
func (a WalletAddress) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.value)
}

// UnmarshalJSON decodes and validates an address string.
func (a *WalletAddress) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseWalletAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ChannelID identifies a logical conversation partition. Raw is the full
// channel identifier as requested from the feed; Root is Raw truncated
// before its first "/". Distinct sub-streams (message, reaction, tip) share
// a Root but are distinct Raw values.
type ChannelID struct {
	Raw  string
	Root string
}

// NewChannelID builds a ChannelID from its raw form.
func NewChannelID(raw string) ChannelID {
	root := raw
	if i := strings.IndexByte(raw, '/'); i >= 0 {
		root = raw[:i]
	}
	return ChannelID{Raw: raw, Root: root}
}

// MessageChannel returns the message sub-stream of this channel's root.
func (c ChannelID) MessageChannel() ChannelID {
	return NewChannelID(c.Root + "/message")
}

// String returns the raw channel identifier.
func (c ChannelID) String() string {
	return c.Raw
}

// MarshalJSON encodes the channel as its raw identifier.
func (c ChannelID) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Raw)
}

// UnmarshalJSON decodes a raw channel identifier, deriving the root.
func (c *ChannelID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = NewChannelID(s)
	return nil
}

// Message is a single feed record. IDs are feed-assigned and unique within
// a channel; the same id may be offered multiple times by the feed and must
// be absorbed idempotently downstream.
type Message struct {
	ID          string        `json:"id"`
	Author      WalletAddress `json:"author"`
	Content     string        `json:"content"`
	TimestampMs int64         `json:"timestamp"`
	ChannelID   ChannelID     `json:"channelId"`
	Sequence    int64         `json:"sequence"`
}

// Order controls chronological ordering of recent-message queries.
type Order string

const (
	// OrderAscending returns oldest messages first.
	OrderAscending Order = "ASC"
	// OrderDescending returns newest messages first.
	OrderDescending Order = "DESC"
)

// ParseOrder maps a string onto an Order, defaulting to descending.
func ParseOrder(s string) Order {
	if strings.EqualFold(s, string(OrderAscending)) {
		return OrderAscending
	}
	return OrderDescending
}
