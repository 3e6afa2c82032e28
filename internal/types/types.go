// Package types contains the core domain types shared across all EpochChat
// internal packages. It has zero imports of other EpochChat packages so that
// the storage, broker and gateway layers can all depend on it without
// creating import cycles.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownState is returned when a delivery state cannot be parsed.
var ErrUnknownState = errors.New("types: unknown delivery state")

// DeliveryState is the lifecycle state of a persisted message.
// The numeric order is meaningful: Sent < Delivered < Seen.
type DeliveryState uint8

const (
	// StateUnknown is the zero value and never persisted.
	StateUnknown DeliveryState = iota
	// StateSent means the message is persisted but the receiver's socket has
	// not been written to yet.
	StateSent
	// StateDelivered means the message reached a live receiver socket, or was
	// swept by the reconnect resync.
	StateDelivered
	// StateSeen means the receiver opened the conversation.
	StateSeen
)

// String returns the wire representation of the state.
func (s DeliveryState) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateSeen:
		return "seen"
	default:
		return "unknown"
	}
}

// Valid reports whether s is one of the three persisted states.
func (s DeliveryState) Valid() bool {
	return s >= StateSent && s <= StateSeen
}

// ParseDeliveryState parses the wire representation produced by String.
func ParseDeliveryState(s string) (DeliveryState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sent":
		return StateSent, nil
	case "delivered":
		return StateDelivered, nil
	case "seen":
		return StateSeen, nil
	}
	return StateUnknown, fmt.Errorf("%w: %q", ErrUnknownState, s)
}

// MarshalText implements encoding.TextMarshaler.
func (s DeliveryState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *DeliveryState) UnmarshalText(b []byte) error {
	v, err := ParseDeliveryState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Message is the canonical, store-assigned record of a sent message.
//
// All timestamps are UTC milliseconds since Unix epoch. IDs are ULID strings
// assigned exactly once by the Persistence Store.
type Message struct {
	ID string `json:"id"`

	// ClientID is echoed back to the sender for reconciliation only. It is
	// never used as a durable key.
	ClientID string `json:"clientId,omitempty"`

	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`

	// CreatedAt is authoritative for ordering within a peer pair; ties are
	// broken by ID.
	CreatedAt int64 `json:"createdAt"`

	DeliveryState DeliveryState `json:"deliveryState"`
}

// Involves reports whether peerID is the sender or the receiver.
func (m *Message) Involves(peerID string) bool {
	return m.SenderID == peerID || m.ReceiverID == peerID
}

// Peer returns the other side of the conversation relative to self.
func (m *Message) Peer(self string) string {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}

// Before reports whether m sorts before o in conversation order.
func (m *Message) Before(o *Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.ID < o.ID
}

// Clone returns a shallow copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// NewMessage carries the sender-supplied fields of a message that has not been
// persisted yet. The store fills in ID, CreatedAt and DeliveryState.
type NewMessage struct {
	ClientID   string
	SenderID   string
	ReceiverID string
	Text       string
}

// Conversation is one row of a peer's conversation list.
type Conversation struct {
	PeerID      string   `json:"peerId"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

// KeySep separates peer IDs inside composite keys. ValidPeerID rejects IDs
// containing it.
const KeySep = "\x00"

// ValidPeerID reports whether id can be stored: non-empty, no NUL byte.
func ValidPeerID(id string) bool {
	return id != "" && !strings.Contains(id, KeySep)
}

// PairKey returns an order-independent key for the conversation between a
// and b.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + KeySep + b
}
