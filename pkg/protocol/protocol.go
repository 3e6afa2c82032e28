// Package protocol defines the JSON frames exchanged between an EpochChat
// client and the session gateway over a WebSocket.
//
// Every frame is a JSON object with a "type" discriminator and camelCase
// fields. Frames travelling in each direction form a closed set: the
// unexported marker methods on ServerFrame and ClientFrame keep other packages
// from adding variants, so a type switch over either interface is exhaustive.
//
//	client → server   message, seen
//	server → client   connected, message, delivery_receipt, seen_receipt,
//	                  contact_added, error
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Frame type discriminators.
const (
	TypeConnected       = "connected"
	TypeMessage         = "message"
	TypeSeen            = "seen"
	TypeDeliveryReceipt = "delivery_receipt"
	TypeSeenReceipt     = "seen_receipt"
	TypeContactAdded    = "contact_added"
	TypeError           = "error"
)

// WebSocket close codes used by the gateway. Anything not listed here is
// treated as a transient disconnect by clients.
const (
	// CloseSuperseded is sent to a connection replaced by a newer connection
	// for the same peer. Clients may reconnect.
	CloseSuperseded = 4000
	// CloseAuthFailed means the credential was rejected. Clients must not
	// reconnect with the same credential.
	CloseAuthFailed = 4001
)

// Retryable reports whether a client should attempt to reconnect after the
// server closed the socket with code.
func Retryable(code int) bool {
	return code != CloseAuthFailed
}

// Delivery state names as they appear on the wire.
const (
	StateSent      = "sent"
	StateDelivered = "delivered"
	StateSeen      = "seen"
)

// StateRank orders the wire delivery states. Unknown states rank 0.
func StateRank(s string) int {
	switch s {
	case StateSent:
		return 1
	case StateDelivered:
		return 2
	case StateSeen:
		return 3
	}
	return 0
}

var (
	// ErrMalformedFrame is returned when a payload is not a JSON object with a
	// string "type" field.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrUnknownFrame is returned when the "type" field names no known frame.
	ErrUnknownFrame = errors.New("protocol: unknown frame type")
)

// Frame is implemented by every frame in both directions.
type Frame interface {
	FrameType() string
}

// ServerFrame is a frame written by the gateway.
type ServerFrame interface {
	Frame
	serverFrame()
}

// ClientFrame is a frame written by a client.
type ClientFrame interface {
	Frame
	clientFrame()
}

// ─── Server → client ─────────────────────────────────────────────────────────

// Message is the canonical, persisted form of a chat message.
type Message struct {
	ID            string `json:"id"`
	ClientID      string `json:"clientId,omitempty"`
	SenderID      string `json:"senderId"`
	ReceiverID    string `json:"receiverId"`
	Text          string `json:"text"`
	DeliveryState string `json:"deliveryState"`
	CreatedAt     int64  `json:"createdAt"`
}

// Connected is the first frame on every accepted connection.
type Connected struct {
	PeerID string `json:"peerId"`
}

// MessageFrame carries one canonical message to its sender (as the
// authoritative echo) or its receiver.
type MessageFrame struct {
	Message
}

// DeliveryReceipt tells the sender that one message reached the receiver.
type DeliveryReceipt struct {
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Timestamp  int64  `json:"timestamp"`
}

// SeenReceipt tells the sender that the receiver opened the conversation.
// Every message from SenderID to ReceiverID created up to Timestamp is seen.
type SeenReceipt struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Timestamp  int64  `json:"timestamp"`
}

// ContactAdded tells RecipientID that SenderID added them as a contact.
type ContactAdded struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	SenderName  string `json:"senderName,omitempty"`
}

// Error reports a rejected frame. The connection stays open.
type Error struct {
	Message string `json:"message"`
}

func (Connected) FrameType() string       { return TypeConnected }
func (MessageFrame) FrameType() string    { return TypeMessage }
func (DeliveryReceipt) FrameType() string { return TypeDeliveryReceipt }
func (SeenReceipt) FrameType() string     { return TypeSeenReceipt }
func (ContactAdded) FrameType() string    { return TypeContactAdded }
func (Error) FrameType() string           { return TypeError }

func (Connected) serverFrame()       {}
func (MessageFrame) serverFrame()    {}
func (DeliveryReceipt) serverFrame() {}
func (SeenReceipt) serverFrame()     {}
func (ContactAdded) serverFrame()    {}
func (Error) serverFrame()           {}

// ─── Client → server ─────────────────────────────────────────────────────────

// SendMessage asks the gateway to persist and deliver a message.
type SendMessage struct {
	Text       string `json:"text"`
	ReceiverID string `json:"receiverId"`
	ClientID   string `json:"clientId,omitempty"`
}

// Seen marks every message from PeerID to the caller as seen.
type Seen struct {
	PeerID string `json:"peerId"`
}

func (SendMessage) FrameType() string { return TypeMessage }
func (Seen) FrameType() string        { return TypeSeen }

func (SendMessage) clientFrame() {}
func (Seen) clientFrame()        {}

// ─── Codec ───────────────────────────────────────────────────────────────────

// Encode serialises f as a JSON object with its "type" field first.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", f.FrameType(), err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: encode %s: frame is not an object", f.FrameType())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(f.FrameType()) + 12)
	buf.WriteString(`{"type":`)
	buf.WriteString(strconv.Quote(f.FrameType()))
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// PeekType returns the "type" field of a raw frame.
func PeekType(data []byte) (string, error) {
	var head struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if head.Type == nil {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return *head.Type, nil
}

// DecodeClientFrame parses a frame sent by a client.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeMessage:
		return decodeAs[SendMessage](data)
	case TypeSeen:
		return decodeAs[Seen](data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, typ)
}

// DecodeServerFrame parses a frame sent by the gateway.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	typ, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeConnected:
		return decodeAs[Connected](data)
	case TypeMessage:
		return decodeAs[MessageFrame](data)
	case TypeDeliveryReceipt:
		return decodeAs[DeliveryReceipt](data)
	case TypeSeenReceipt:
		return decodeAs[SeenReceipt](data)
	case TypeContactAdded:
		return decodeAs[ContactAdded](data)
	case TypeError:
		return decodeAs[Error](data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, typ)
}

func decodeAs[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return v, nil
}
