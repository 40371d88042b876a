package feed

import (
	"encoding/json"

	"github.com/hyperengineering/tributary/internal/types"
)

// Proof action/type tags for plain chat messages. Everything else
// (reactions, tips, system records) is not replicated here.
const (
	actionPost  = 1
	typeMessage = "message"
)

// proofEnvelope is the wire form of a feed or stream record. The inner data
// field is a JSON string, not an object.
type proofEnvelope struct {
	ID              string `json:"id"`
	Author          string `json:"author"`
	ChannelID       string `json:"channelId"`
	ServerTimestamp int64  `json:"serverTimestamp"`
	Sequence        int64  `json:"sequence"`
	Data            string `json:"data"`
}

type proofPayload struct {
	Action int    `json:"action"`
	Type   string `json:"type"`
	Model  struct {
		Body string `json:"body"`
	} `json:"model"`
}

// DecodeProof decodes a raw proof into a Message. It reports false for
// anything that is not a well-formed chat message: missing fields, an
// unparseable payload, or a different action/type tag. Malformed records
// are the caller's cue to skip, never to fail.
func DecodeProof(raw []byte) (types.Message, bool) {
	var envelope proofEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return types.Message{}, false
	}
	if envelope.ID == "" || envelope.ChannelID == "" {
		return types.Message{}, false
	}

	var payload proofPayload
	if err := json.Unmarshal([]byte(envelope.Data), &payload); err != nil {
		return types.Message{}, false
	}
	if payload.Action != actionPost || payload.Type != typeMessage || payload.Model.Body == "" {
		return types.Message{}, false
	}

	author, err := types.ParseWalletAddress(envelope.Author)
	if err != nil {
		return types.Message{}, false
	}

	return types.Message{
		ID:          envelope.ID,
		Author:      author,
		Content:     payload.Model.Body,
		TimestampMs: envelope.ServerTimestamp,
		ChannelID:   types.NewChannelID(envelope.ChannelID),
		Sequence:    envelope.Sequence,
	}, true
}
