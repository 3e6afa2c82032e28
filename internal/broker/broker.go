// Package broker carries chat events between gateway instances.
//
// Every instance publishes the events it produces and subscribes to every
// event published by any instance, its own included. The subscription
// callback then delivers each event to whichever sockets happen to be
// connected locally. The broker itself knows nothing about sockets.
//
// Data flow:
//
//	Gateway → Store.CreateMessage → Broker.Publish(MessageEvent)
//	Broker subscription → Gateway.Dispatch → local sender / receiver sockets
//	Tracker → Broker.Publish(DeliveryReceiptEvent | SeenReceiptEvent)
//
// Drivers:
//
//	Memory  in-process Bus, single instance or multi-instance tests
//	Redis   PUBLISH / SUBSCRIBE on one channel
//	AMQP    fanout exchange, one exclusive queue per instance
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sneh-joshi/epochchat/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrClosed is returned by Publish or Subscribe after Close.
	ErrClosed = errors.New("broker: closed")

	// ErrAlreadySubscribed is returned when Subscribe is called twice on the
	// same broker.
	ErrAlreadySubscribed = errors.New("broker: already subscribed")

	// ErrUnknownEvent is returned when an envelope carries an unknown type.
	ErrUnknownEvent = errors.New("broker: unknown event type")
)

// ─── Events ───────────────────────────────────────────────────────────────────

// Event type discriminators used on the transport.
const (
	TypeMessage         = "message"
	TypeDeliveryReceipt = "delivery_receipt"
	TypeSeenReceipt     = "seen_receipt"
	TypeContactAdded    = "contact_added"
)

// Event is one of MessageEvent, DeliveryReceiptEvent, SeenReceiptEvent or
// ContactAddedEvent. The set is closed.
type Event interface {
	EventType() string
	event()
}

// MessageEvent carries a freshly persisted message.
type MessageEvent struct {
	Message types.Message
}

// DeliveryReceiptEvent tells SenderID that ReceiverID received the listed
// messages. It is addressed to SenderID only.
type DeliveryReceiptEvent struct {
	SenderID   string   `json:"senderId"`
	ReceiverID string   `json:"receiverId"`
	MessageIDs []string `json:"messageIds"`
	Timestamp  int64    `json:"timestamp"`
}

// SeenReceiptEvent tells SenderID that ReceiverID opened their conversation.
// It is addressed to SenderID only.
type SeenReceiptEvent struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Timestamp  int64  `json:"timestamp"`
}

// ContactAddedEvent tells RecipientID that SenderID added them.
type ContactAddedEvent struct {
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`
	SenderName  string `json:"senderName,omitempty"`
}

func (MessageEvent) EventType() string         { return TypeMessage }
func (DeliveryReceiptEvent) EventType() string { return TypeDeliveryReceipt }
func (SeenReceiptEvent) EventType() string     { return TypeSeenReceipt }
func (ContactAddedEvent) EventType() string    { return TypeContactAdded }

func (MessageEvent) event()         {}
func (DeliveryReceiptEvent) event() {}
func (SeenReceiptEvent) event()     {}
func (ContactAddedEvent) event()    {}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Envelope is what a subscriber receives: the event plus the ID of the
// instance that published it.
type Envelope struct {
	Origin string
	Event  Event
}

// Handler processes one envelope. It is called from the broker's receive
// goroutine and must not block for long.
type Handler func(ctx context.Context, env Envelope)

// Broker is the publish/subscribe transport shared by all instances.
//
// All methods are safe for concurrent use.
type Broker interface {
	// Publish sends ev to every subscribed instance. There is no retry: an
	// error means the event may not have reached anyone.
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers h and returns once the subscription is live.
	// Delivery stops when ctx is cancelled or the broker is closed.
	Subscribe(ctx context.Context, h Handler) error

	// Close releases connections. Pending deliveries are dropped.
	Close() error
}

// ─── Wire envelope ────────────────────────────────────────────────────────────

type wireEnvelope struct {
	Type    string          `json:"type"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serialises ev into the JSON envelope used by every networked driver.
func Encode(origin string, ev Event) ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	switch e := ev.(type) {
	case MessageEvent:
		payload, err = json.Marshal(e.Message)
	case DeliveryReceiptEvent, SeenReceiptEvent, ContactAddedEvent:
		payload, err = json.Marshal(e)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	if err != nil {
		return nil, fmt.Errorf("broker: encode %s: %w", ev.EventType(), err)
	}
	return json.Marshal(wireEnvelope{Type: ev.EventType(), Origin: origin, Payload: payload})
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("broker: decode envelope: %w", err)
	}

	var (
		ev  Event
		err error
	)
	switch w.Type {
	case TypeMessage:
		var m types.Message
		err = json.Unmarshal(w.Payload, &m)
		ev = MessageEvent{Message: m}
	case TypeDeliveryReceipt:
		var e DeliveryReceiptEvent
		err = json.Unmarshal(w.Payload, &e)
		ev = e
	case TypeSeenReceipt:
		var e SeenReceiptEvent
		err = json.Unmarshal(w.Payload, &e)
		ev = e
	case TypeContactAdded:
		var e ContactAddedEvent
		err = json.Unmarshal(w.Payload, &e)
		ev = e
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Type)
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("broker: decode %s payload: %w", w.Type, err)
	}
	return Envelope{Origin: w.Origin, Event: ev}, nil
}
