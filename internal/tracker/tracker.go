// Package tracker owns every delivery-state transition and turns each
// transition into a receipt event addressed to the original sender.
//
// Nothing else writes DeliveryState. Each operation is a compare-and-set in
// the store; a receipt is published only when the store reports that the
// state actually changed, so repeated or racing calls never produce duplicate
// receipts.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sneh-joshi/epochchat/internal/broker"
	"github.com/sneh-joshi/epochchat/internal/metrics"
	"github.com/sneh-joshi/epochchat/internal/storage"
	"github.com/sneh-joshi/epochchat/internal/types"
)

// ErrInvalidPeer is returned when a peer ID argument is empty.
var ErrInvalidPeer = errors.New("tracker: invalid peer id")

// Publisher sends receipt events to every instance.
type Publisher interface {
	Publish(ctx context.Context, ev broker.Event) error
}

// Option is a functional option for the Tracker.
type Option func(*Tracker)

// WithMetrics counts published receipts.
func WithMetrics(reg *metrics.Registry) Option {
	return func(t *Tracker) { t.metrics = reg }
}

// WithClock replaces time.Now as the source of receipt timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker is safe for concurrent use.
type Tracker struct {
	store   storage.Store
	pub     Publisher
	now     func() time.Time
	metrics *metrics.Registry
}

// New returns a tracker writing to store and publishing through pub.
func New(store storage.Store, pub Publisher, opts ...Option) *Tracker {
	t := &Tracker{store: store, pub: pub, now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// MarkDelivered moves msg to Delivered and, if that changed anything,
// publishes a delivery receipt to the sender. It reports whether a receipt
// was published.
func (t *Tracker) MarkDelivered(ctx context.Context, msg *types.Message) (bool, error) {
	cur, changed, err := t.store.MarkDelivered(ctx, msg.ID)
	if err != nil {
		return false, fmt.Errorf("tracker: mark delivered: %w", err)
	}
	if !changed {
		return false, nil
	}

	ev := broker.DeliveryReceiptEvent{
		SenderID:   cur.SenderID,
		ReceiverID: cur.ReceiverID,
		MessageIDs: []string{cur.ID},
		Timestamp:  t.now().UnixMilli(),
	}
	if err := t.publish(ctx, ev); err != nil {
		return false, err
	}
	return true, nil
}

// MarkSeen marks every message from peer to reader as Seen and, if any
// changed, publishes exactly one seen receipt to peer. It returns the number
// of messages that changed.
func (t *Tracker) MarkSeen(ctx context.Context, reader, peer string) (int, error) {
	if reader == "" || peer == "" {
		return 0, ErrInvalidPeer
	}
	changed, err := t.store.MarkConversationSeen(ctx, peer, reader)
	if err != nil {
		return 0, fmt.Errorf("tracker: mark seen: %w", err)
	}
	if len(changed) == 0 {
		return 0, nil
	}

	ev := broker.SeenReceiptEvent{
		SenderID:   peer,
		ReceiverID: reader,
		Timestamp:  t.now().UnixMilli(),
	}
	if err := t.publish(ctx, ev); err != nil {
		return len(changed), err
	}
	return len(changed), nil
}

// DeliverFunc writes one page of replayed messages to the peer's socket. It
// returns nil only once every message in the page has been written.
type DeliverFunc func(page []*types.Message) error

// Resync replays every Sent message addressed to peer, oldest first, in pages
// of at most pageSize messages. After deliver reports a page written, the
// page moves to Delivered and one delivery receipt per distinct sender is
// published. A deliver error stops the sweep; the unwritten backlog stays
// Sent for the next connection.
//
// Resync returns how many messages it moved to Delivered. Receipt publish
// failures are logged and do not fail the sweep.
func (t *Tracker) Resync(ctx context.Context, peer string, pageSize int, deliver DeliverFunc) (int, error) {
	if peer == "" {
		return 0, ErrInvalidPeer
	}
	pageSize = max(pageSize, 1)

	var (
		after string
		total int
	)
	for {
		page, err := t.store.PendingFor(ctx, peer, after, pageSize)
		if err != nil {
			return total, fmt.Errorf("tracker: resync %s: %w", peer, err)
		}
		if len(page) == 0 {
			return total, nil
		}
		if err := deliver(page); err != nil {
			return total, fmt.Errorf("tracker: resync %s: deliver: %w", peer, err)
		}

		ids := make([]string, len(page))
		for i, m := range page {
			ids[i] = m.ID
		}
		changed, err := t.store.MarkDeliveredMany(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("tracker: resync %s: %w", peer, err)
		}
		total += len(changed)
		if t.metrics != nil {
			t.metrics.ResyncDelivered.Add(float64(len(changed)))
		}

		now := t.now().UnixMilli()
		for _, ev := range groupBySender(changed, now) {
			if err := t.publish(ctx, ev); err != nil {
				slog.Warn("tracker: resync receipt not published",
					"peer", peer, "sender", ev.SenderID, "count", len(ev.MessageIDs), "err", err)
			}
		}

		if len(page) < pageSize {
			return total, nil
		}
		after = page[len(page)-1].ID
	}
}

func (t *Tracker) publish(ctx context.Context, ev broker.Event) error {
	if err := t.pub.Publish(ctx, ev); err != nil {
		return fmt.Errorf("tracker: publish %s: %w", ev.EventType(), err)
	}
	if t.metrics != nil {
		t.metrics.Receipts.WithLabelValues(ev.EventType()).Inc()
	}
	return nil
}

// groupBySender builds one receipt per sender, in the order senders first
// appear in msgs.
func groupBySender(msgs []*types.Message, ts int64) []broker.DeliveryReceiptEvent {
	idx := make(map[string]int)
	var out []broker.DeliveryReceiptEvent
	for _, m := range msgs {
		i, ok := idx[m.SenderID]
		if !ok {
			i = len(out)
			idx[m.SenderID] = i
			out = append(out, broker.DeliveryReceiptEvent{
				SenderID:   m.SenderID,
				ReceiverID: m.ReceiverID,
				Timestamp:  ts,
			})
		}
		out[i].MessageIDs = append(out[i].MessageIDs, m.ID)
	}
	return out
}
