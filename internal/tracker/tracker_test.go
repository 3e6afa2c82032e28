package tracker_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sneh-joshi/epochchat/internal/broker"
	"github.com/sneh-joshi/epochchat/internal/storage/bolt"
	"github.com/sneh-joshi/epochchat/internal/tracker"
	"github.com/sneh-joshi/epochchat/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type capturePublisher struct {
	mu     sync.Mutex
	events []broker.Event
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, ev broker.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) all() []broker.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broker.Event(nil), p.events...)
}

func newTestTracker(t *testing.T) (*tracker.Tracker, *bolt.Store, *capturePublisher) {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	pub := &capturePublisher{}
	return tracker.New(store, pub), store, pub
}

func send(t *testing.T, s *bolt.Store, from, to, text string) *types.Message {
	t.Helper()
	m, err := s.CreateMessage(context.Background(), types.NewMessage{SenderID: from, ReceiverID: to, Text: text})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return m
}

// ─── MarkDelivered ───────────────────────────────────────────────────────────

func TestMarkDelivered_OneReceiptOnly(t *testing.T) {
	tr, store, pub := newTestTracker(t)
	m := send(t, store, "alice", "bob", "hi")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := tr.MarkDelivered(ctx, m); err != nil {
			t.Fatalf("MarkDelivered #%d: %v", i, err)
		}
	}

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("want exactly 1 receipt, got %d", len(events))
	}
	r, ok := events[0].(broker.DeliveryReceiptEvent)
	if !ok {
		t.Fatalf("want DeliveryReceiptEvent, got %T", events[0])
	}
	if r.SenderID != "alice" || r.ReceiverID != "bob" || len(r.MessageIDs) != 1 || r.MessageIDs[0] != m.ID {
		t.Errorf("unexpected receipt: %+v", r)
	}
}

func TestMarkDelivered_ConcurrentSingleReceipt(t *testing.T) {
	tr, store, pub := newTestTracker(t)
	m := send(t, store, "alice", "bob", "race")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.MarkDelivered(context.Background(), m)
		}()
	}
	wg.Wait()

	if n := len(pub.all()); n != 1 {
		t.Errorf("want 1 receipt under concurrency, got %d", n)
	}
}

func TestMarkDelivered_AfterSeenIsNoOp(t *testing.T) {
	tr, store, pub := newTestTracker(t)
	m := send(t, store, "alice", "bob", "hi")
	ctx := context.Background()

	if _, err := tr.MarkSeen(ctx, "bob", "alice"); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	published, err := tr.MarkDelivered(ctx, m)
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if published {
		t.Error("delivered receipt must not follow seen")
	}
	got, _ := store.GetMessage(ctx, m.ID)
	if got.DeliveryState != types.StateSeen {
		t.Errorf("state regressed to %s", got.DeliveryState)
	}
	if n := len(pub.all()); n != 1 {
		t.Errorf("want only the seen receipt, got %d events", n)
	}
}

// ─── MarkSeen ────────────────────────────────────────────────────────────────

func TestMarkSeen_BatchesIntoOneReceipt(t *testing.T) {
	tr, store, pub := newTestTracker(t)
	send(t, store, "alice", "bob", "1")
	send(t, store, "alice", "bob", "2")
	send(t, store, "alice", "bob", "3")
	ctx := context.Background()

	n, err := tr.MarkSeen(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if n != 3 {
		t.Errorf("changed: want 3, got %d", n)
	}
	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("want 1 seen receipt, got %d", len(events))
	}
	r := events[0].(broker.SeenReceiptEvent)
	if r.SenderID != "alice" || r.ReceiverID != "bob" {
		t.Errorf("receipt addressed wrongly: %+v", r)
	}

	n, err = tr.MarkSeen(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("repeat MarkSeen: %v", err)
	}
	if n != 0 || len(pub.all()) != 1 {
		t.Errorf("repeat MarkSeen must not publish: n=%d events=%d", n, len(pub.all()))
	}
}

func TestMarkSeen_RejectsEmptyPeer(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	if _, err := tr.MarkSeen(context.Background(), "bob", ""); !errors.Is(err, tracker.ErrInvalidPeer) {
		t.Errorf("want ErrInvalidPeer, got %v", err)
	}
}

// ─── Resync ──────────────────────────────────────────────────────────────────

// collect records every replayed page.
type collector struct {
	pages [][]*types.Message
	err   error
}

func (c *collector) deliver(page []*types.Message) error {
	if c.err != nil {
		return c.err
	}
	c.pages = append(c.pages, page)
	return nil
}

func (c *collector) ids() []string {
	var out []string
	for _, p := range c.pages {
		for _, m := range p {
			out = append(out, m.ID)
		}
	}
	return out
}

func TestResync_OneReceiptPerSender(t *testing.T) {
	tr, store, pub := newTestTracker(t)
	a1 := send(t, store, "alice", "bob", "a1")
	c1 := send(t, store, "carol", "bob", "c1")
	a2 := send(t, store, "alice", "bob", "a2")
	send(t, store, "bob", "alice", "unrelated")
	ctx := context.Background()

	var c collector
	n, err := tr.Resync(ctx, "bob", 10, c.deliver)
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	got := c.ids()
	if n != 3 || len(got) != 3 || got[0] != a1.ID || got[1] != c1.ID || got[2] != a2.ID {
		t.Fatalf("replayed in wrong order: n=%d ids=%v", n, got)
	}

	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("want 2 receipts (alice, carol), got %d", len(events))
	}
	alice := events[0].(broker.DeliveryReceiptEvent)
	carol := events[1].(broker.DeliveryReceiptEvent)
	if alice.SenderID != "alice" || len(alice.MessageIDs) != 2 || alice.MessageIDs[0] != a1.ID || alice.MessageIDs[1] != a2.ID {
		t.Errorf("alice receipt: %+v", alice)
	}
	if carol.SenderID != "carol" || len(carol.MessageIDs) != 1 || carol.MessageIDs[0] != c1.ID {
		t.Errorf("carol receipt: %+v", carol)
	}

	var again collector
	n, err = tr.Resync(ctx, "bob", 10, again.deliver)
	if err != nil {
		t.Fatalf("second Resync: %v", err)
	}
	if n != 0 || len(again.pages) != 0 || len(pub.all()) != 2 {
		t.Errorf("second resync must be empty and silent: n=%d pages=%d events=%d", n, len(again.pages), len(pub.all()))
	}
}

func TestResync_PagesLargeBacklog(t *testing.T) {
	tr, store, _ := newTestTracker(t)
	for i := 0; i < 7; i++ {
		send(t, store, "alice", "bob", "m")
	}

	var c collector
	n, err := tr.Resync(context.Background(), "bob", 3, c.deliver)
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if n != 7 || len(c.pages) != 3 || len(c.pages[0]) != 3 || len(c.pages[2]) != 1 {
		t.Fatalf("want pages of 3,3,1 and 7 delivered, got n=%d pages=%d", n, len(c.pages))
	}
}

func TestResync_DeliverFailureLeavesBacklogSent(t *testing.T) {
	tr, store, pub := newTestTracker(t)
	m := send(t, store, "alice", "bob", "hi")
	ctx := context.Background()

	c := collector{err: errors.New("socket closed")}
	n, err := tr.Resync(ctx, "bob", 10, c.deliver)
	if err == nil || n != 0 {
		t.Fatalf("want deliver error and nothing delivered, got n=%d err=%v", n, err)
	}
	got, err := store.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.DeliveryState != types.StateSent {
		t.Errorf("unwritten message must stay sent, got %s", got.DeliveryState)
	}
	if len(pub.all()) != 0 {
		t.Errorf("no receipt may be published for unwritten messages")
	}
}

func TestResync_PublishFailureStillDelivers(t *testing.T) {
	tr, store, pub := newTestTracker(t)
	send(t, store, "alice", "bob", "hi")
	pub.err = errors.New("broker down")

	var c collector
	n, err := tr.Resync(context.Background(), "bob", 10, c.deliver)
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if n != 1 || len(c.ids()) != 1 {
		t.Errorf("want 1 replayed message, got n=%d ids=%v", n, c.ids())
	}
}
