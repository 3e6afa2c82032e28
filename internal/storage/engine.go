// Package storage defines the Store abstraction through which every EpochChat
// component reads and writes messages.
//
// The gateway, the delivery tracker and the history surface only ever talk to
// storage through this interface. Two implementations exist:
//
//   - bolt.Store     single-instance, embedded bbolt file
//   - postgres.Store shared database for several gateway instances
//
// Delivery state changes are compare-and-set operations executed inside one
// transaction, so concurrent writers (two instances racing to mark the same
// message delivered) observe exactly one transition.
package storage

import (
	"context"
	"errors"
	"slices"

	"github.com/sneh-joshi/epochchat/internal/types"
)

var (
	// ErrNotFound is returned when a message does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrInvalidPeer is returned when a sender or receiver ID is empty or
	// contains a byte the store uses as a key separator.
	ErrInvalidPeer = errors.New("storage: invalid peer id")

	// ErrClosed is returned by any operation on a closed store.
	ErrClosed = errors.New("storage: closed")
)

const (
	// DefaultHistoryLimit is used when HistoryOptions.Limit is zero.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps HistoryOptions.Limit.
	MaxHistoryLimit = 200
)

// HistoryOptions pages through a conversation from newest to oldest.
type HistoryOptions struct {
	// Limit is the maximum number of messages returned.
	Limit int
	// Before, when set, is a message ID; only strictly older messages are
	// returned.
	Before string
}

// Normalize clamps Limit into [1, MaxHistoryLimit].
func (o HistoryOptions) Normalize() HistoryOptions {
	switch {
	case o.Limit <= 0:
		o.Limit = DefaultHistoryLimit
	case o.Limit > MaxHistoryLimit:
		o.Limit = MaxHistoryLimit
	}
	return o
}

// Store persists messages and owns their delivery state.
//
// All methods must be safe for concurrent use.
type Store interface {
	// CreateMessage persists a new message in state Sent. The store assigns
	// the ID and CreatedAt; CreatedAt never decreases across calls.
	CreateMessage(ctx context.Context, nm types.NewMessage) (*types.Message, error)

	// GetMessage returns ErrNotFound if id is unknown.
	GetMessage(ctx context.Context, id string) (*types.Message, error)

	// MarkDelivered moves a Sent message to Delivered. changed is false when
	// the message was already Delivered or Seen. The returned message reflects
	// the state after the call.
	MarkDelivered(ctx context.Context, id string) (msg *types.Message, changed bool, err error)

	// PendingFor returns up to limit Sent messages addressed to receiverID
	// whose ID sorts after the cursor after ("" starts at the oldest), in
	// conversation order. It changes nothing.
	PendingFor(ctx context.Context, receiverID, after string, limit int) ([]*types.Message, error)

	// MarkDeliveredMany moves every listed message that is still Sent to
	// Delivered in one transaction and returns the ones that changed, in
	// conversation order. Unknown IDs are skipped.
	MarkDeliveredMany(ctx context.Context, ids []string) ([]*types.Message, error)

	// MarkConversationSeen moves every message from senderID to receiverID
	// that is not yet Seen to Seen and returns the ones that changed, in
	// conversation order.
	MarkConversationSeen(ctx context.Context, senderID, receiverID string) ([]*types.Message, error)

	// History returns up to opts.Limit of the most recent messages exchanged
	// between a and b (in either direction), ordered oldest first.
	History(ctx context.Context, a, b string, opts HistoryOptions) ([]*types.Message, error)

	// Conversations lists every peer that peerID has exchanged messages with,
	// most recent conversation first.
	Conversations(ctx context.Context, peerID string) ([]types.Conversation, error)

	// Close releases the underlying resources.
	Close() error
}

// SortConversations orders conversations by their last message, most recent
// first.
func SortConversations(cs []types.Conversation) {
	slices.SortFunc(cs, func(x, y types.Conversation) int {
		switch {
		case x.LastMessage == nil || y.LastMessage == nil:
			return 0
		case y.LastMessage.Before(x.LastMessage):
			return -1
		case x.LastMessage.Before(y.LastMessage):
			return 1
		}
		return 0
	})
}

// ValidateNew checks the sender-supplied fields every implementation relies on.
func ValidateNew(nm types.NewMessage) error {
	if !types.ValidPeerID(nm.SenderID) || !types.ValidPeerID(nm.ReceiverID) {
		return ErrInvalidPeer
	}
	return nil
}
