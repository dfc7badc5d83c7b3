package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MdnsTag is the service signature advertised over mDNS. Only devices
	// advertising the same tag are offered as candidates.
	MdnsTag = "offchat-mdns"

	// libp2p stream protocol ID for the long-lived per-peer message link
	LinkProtoID = "/offchat/link/1.0.0"

	// DefaultMaxFrameBytes bounds a single frame on the wire.
	DefaultMaxFrameBytes = 1 << 20
)

type FrameType string

const (
	TypeChat      FrameType = "chat"
	TypeDiscovery FrameType = "discovery"
	TypeAck       FrameType = "ack"
)

// Frame is the unit exchanged over a link. Chat frames carry a queued
// message and are answered by an ack frame whose Content is the chat
// frame's ID. Discovery frames announce the sender's identity.
type Frame struct {
	Type            FrameType       `json:"type"`
	ID              string          `json:"id"`
	SenderID        string          `json:"senderId"`
	Username        string          `json:"username,omitempty"`
	ChatID          string          `json:"chatId,omitempty"`
	Content         string          `json:"content"`
	MessageType     string          `json:"messageType,omitempty"`
	TransactionData json.RawMessage `json:"transactionData,omitempty"`
	Timestamp       int64           `json:"timestamp"`
}

var ErrMalformedFrame = errors.New("malformed frame")

// Validate checks the fields every frame type needs.
func (f Frame) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedFrame)
	}
	if f.SenderID == "" {
		return fmt.Errorf("%w: missing senderId", ErrMalformedFrame)
	}
	switch f.Type {
	case TypeChat:
		if f.ChatID == "" {
			return fmt.Errorf("%w: chat frame without chatId", ErrMalformedFrame)
		}
	case TypeAck:
		if f.Content == "" {
			return fmt.Errorf("%w: ack frame without acked id", ErrMalformedFrame)
		}
	case TypeDiscovery:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return nil
}

// AckedID returns the id of the chat frame an ack frame acknowledges.
func (f Frame) AckedID() string {
	if f.Type != TypeAck {
		return ""
	}
	return f.Content
}

// Encode validates and serializes a frame body (without length prefix).
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses one complete frame body.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
