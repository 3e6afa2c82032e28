package gateway

import (
	"context"
	"log/slog"

	"github.com/sneh-joshi/epochchat/internal/broker"
	"github.com/sneh-joshi/epochchat/internal/types"
	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

// Publish sends ev through the broker. If the broker fails, ev is dispatched
// in-process so peers connected to this instance still receive it, and the
// call succeeds. Publish implements tracker.Publisher.
func (g *Gateway) Publish(ctx context.Context, ev broker.Event) error {
	err := g.broker.Publish(ctx, ev)
	if err == nil {
		return nil
	}
	slog.Warn("gateway: broker publish failed, dispatching locally",
		"type", ev.EventType(), "err", err)
	if g.metrics != nil {
		g.metrics.PublishErrors.Inc()
		g.metrics.DegradedDispatch.Inc()
	}
	g.Dispatch(ctx, ev)
	return nil
}

func (g *Gateway) handleEnvelope(ctx context.Context, env broker.Envelope) {
	g.Dispatch(ctx, env.Event)
}

// Dispatch delivers ev to the local sockets it is addressed to. Peers that are
// not connected here are skipped; each addressed socket gets the event at
// most once.
func (g *Gateway) Dispatch(ctx context.Context, ev broker.Event) {
	switch e := ev.(type) {
	case broker.MessageEvent:
		g.dispatchMessage(e.Message)

	case broker.DeliveryReceiptEvent:
		for _, id := range e.MessageIDs {
			g.deliver(e.SenderID, protocol.DeliveryReceipt{
				MessageID:  id,
				SenderID:   e.SenderID,
				ReceiverID: e.ReceiverID,
				Timestamp:  e.Timestamp,
			}, nil)
		}

	case broker.SeenReceiptEvent:
		g.deliver(e.SenderID, protocol.SeenReceipt{
			SenderID:   e.SenderID,
			ReceiverID: e.ReceiverID,
			Timestamp:  e.Timestamp,
		}, nil)

	case broker.ContactAddedEvent:
		g.deliver(e.RecipientID, protocol.ContactAdded{
			SenderID:    e.SenderID,
			RecipientID: e.RecipientID,
			SenderName:  e.SenderName,
		}, nil)
	}
}

// dispatchMessage echoes the canonical message to its sender and delivers it
// to its receiver. Once the receiver's socket has been written the message
// is marked delivered.
func (g *Gateway) dispatchMessage(m types.Message) {
	f := messageFrame(&m)
	g.deliver(m.SenderID, f, nil)
	if m.ReceiverID == m.SenderID {
		return
	}
	g.deliver(m.ReceiverID, f, func() {
		if _, err := g.tracker.MarkDelivered(g.ctx, &m); err != nil {
			slog.Error("gateway: mark delivered failed", "msg_id", m.ID, "err", err)
		}
	})
}

func (g *Gateway) deliver(peer string, f protocol.ServerFrame, onWritten func()) {
	c, ok := g.registry.Lookup(peer)
	if !ok {
		return
	}
	if err := c.Send(f, onWritten); err != nil {
		slog.Debug("gateway: frame dropped", "peer", peer, "conn", c.ID(), "type", f.FrameType(), "err", err)
	}
}

func messageEvent(m *types.Message) broker.MessageEvent {
	return broker.MessageEvent{Message: *m}
}

// messageFrame converts a stored message to its wire form.
func messageFrame(m *types.Message) protocol.MessageFrame {
	return protocol.MessageFrame{Message: protocol.Message{
		ID:            m.ID,
		ClientID:      m.ClientID,
		SenderID:      m.SenderID,
		ReceiverID:    m.ReceiverID,
		Text:          m.Text,
		DeliveryState: m.DeliveryState.String(),
		CreatedAt:     m.CreatedAt,
	}}
}
