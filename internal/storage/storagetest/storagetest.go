// Package storagetest is a behavioural contract shared by every
// storage.Store implementation. Each backend's tests call Run with a factory
// that returns a fresh, empty store.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sneh-joshi/epochchat/internal/storage"
	"github.com/sneh-joshi/epochchat/internal/types"
)

// Factory returns an empty store. It should register its own cleanup.
type Factory func(t *testing.T) storage.Store

// Run executes the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"CreateAssignsIdentity", testCreateAssignsIdentity},
		{"CreateRejectsInvalidPeer", testCreateRejectsInvalidPeer},
		{"CreatedAtNonDecreasing", testCreatedAtNonDecreasing},
		{"GetNotFound", testGetNotFound},
		{"MarkDeliveredIdempotent", testMarkDeliveredIdempotent},
		{"MarkDeliveredNeverRegresses", testMarkDeliveredNeverRegresses},
		{"MarkDeliveredConcurrent", testMarkDeliveredConcurrent},
		{"PendingSweep", testPendingSweep},
		{"ConversationSeen", testConversationSeen},
		{"HistoryOrderAndPaging", testHistoryOrderAndPaging},
		{"Conversations", testConversations},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func create(t *testing.T, s storage.Store, from, to, text string) *types.Message {
	t.Helper()
	m, err := s.CreateMessage(context.Background(), types.NewMessage{
		SenderID: from, ReceiverID: to, Text: text,
	})
	if err != nil {
		t.Fatalf("CreateMessage(%s->%s): %v", from, to, err)
	}
	return m
}

func mustGet(t *testing.T, s storage.Store, id string) *types.Message {
	t.Helper()
	m, err := s.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatalf("GetMessage(%s): %v", id, err)
	}
	return m
}

func ids(msgs []*types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ─── Create / Get ────────────────────────────────────────────────────────────

func testCreateAssignsIdentity(t *testing.T, s storage.Store) {
	ctx := context.Background()
	m, err := s.CreateMessage(ctx, types.NewMessage{
		ClientID: "c-1", SenderID: "alice", ReceiverID: "bob", Text: "hello",
	})
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected store-assigned ID")
	}
	if m.CreatedAt == 0 {
		t.Error("expected CreatedAt to be set")
	}
	if m.DeliveryState != types.StateSent {
		t.Errorf("new message state: want sent, got %s", m.DeliveryState)
	}

	got := mustGet(t, s, m.ID)
	if *got != *m {
		t.Errorf("GetMessage mismatch:\n got  %+v\n want %+v", got, m)
	}
}

func testCreateRejectsInvalidPeer(t *testing.T, s storage.Store) {
	ctx := context.Background()
	bad := []types.NewMessage{
		{SenderID: "", ReceiverID: "bob", Text: "x"},
		{SenderID: "alice", ReceiverID: "", Text: "x"},
		{SenderID: "al\x00ice", ReceiverID: "bob", Text: "x"},
	}
	for _, nm := range bad {
		if _, err := s.CreateMessage(ctx, nm); !errors.Is(err, storage.ErrInvalidPeer) {
			t.Errorf("CreateMessage(%q->%q): want ErrInvalidPeer, got %v", nm.SenderID, nm.ReceiverID, err)
		}
	}
}

func testCreatedAtNonDecreasing(t *testing.T, s storage.Store) {
	var prev *types.Message
	for i := 0; i < 50; i++ {
		m := create(t, s, "alice", "bob", fmt.Sprintf("m%d", i))
		if prev != nil {
			if m.CreatedAt < prev.CreatedAt {
				t.Fatalf("CreatedAt decreased: %d after %d", m.CreatedAt, prev.CreatedAt)
			}
			if !prev.Before(m) {
				t.Fatalf("message %d does not sort after its predecessor", i)
			}
		}
		prev = m
	}
}

func testGetNotFound(t *testing.T, s storage.Store) {
	_, err := s.GetMessage(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
	_, _, err = s.MarkDelivered(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("MarkDelivered: want ErrNotFound, got %v", err)
	}
}

// ─── Delivery state ──────────────────────────────────────────────────────────

func testMarkDeliveredIdempotent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	m := create(t, s, "alice", "bob", "hi")

	got, changed, err := s.MarkDelivered(ctx, m.ID)
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if !changed || got.DeliveryState != types.StateDelivered {
		t.Fatalf("first MarkDelivered: changed=%v state=%s", changed, got.DeliveryState)
	}

	got, changed, err = s.MarkDelivered(ctx, m.ID)
	if err != nil {
		t.Fatalf("second MarkDelivered: %v", err)
	}
	if changed {
		t.Error("second MarkDelivered must report no change")
	}
	if got.DeliveryState != types.StateDelivered {
		t.Errorf("state after repeat: %s", got.DeliveryState)
	}
}

func testMarkDeliveredNeverRegresses(t *testing.T, s storage.Store) {
	ctx := context.Background()
	m := create(t, s, "alice", "bob", "hi")

	if _, err := s.MarkConversationSeen(ctx, "alice", "bob"); err != nil {
		t.Fatalf("MarkConversationSeen: %v", err)
	}
	got, changed, err := s.MarkDelivered(ctx, m.ID)
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if changed || got.DeliveryState != types.StateSeen {
		t.Errorf("seen message regressed: changed=%v state=%s", changed, got.DeliveryState)
	}

	pending, err := s.PendingFor(ctx, "bob", "", 10)
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("seen message must not be pending, got %v", ids(pending))
	}
	changedMsgs, err := s.MarkDeliveredMany(ctx, []string{m.ID})
	if err != nil {
		t.Fatalf("MarkDeliveredMany: %v", err)
	}
	if len(changedMsgs) != 0 || mustGet(t, s, m.ID).DeliveryState != types.StateSeen {
		t.Errorf("batch delivery regressed a seen message")
	}
}

func testMarkDeliveredConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	m := create(t, s, "alice", "bob", "race")

	var (
		wg      sync.WaitGroup
		changes atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := s.MarkDelivered(ctx, m.ID)
			if err != nil {
				t.Errorf("MarkDelivered: %v", err)
				return
			}
			if changed {
				changes.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := changes.Load(); n != 1 {
		t.Errorf("exactly one concurrent MarkDelivered must report a change, got %d", n)
	}
}

func testPendingSweep(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a1 := create(t, s, "alice", "bob", "1")
	c1 := create(t, s, "carol", "bob", "2")
	a2 := create(t, s, "alice", "bob", "3")
	create(t, s, "bob", "alice", "to alice")
	delivered := create(t, s, "carol", "bob", "already")
	if _, _, err := s.MarkDelivered(ctx, delivered.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	// Paging reads without changing state.
	first, err := s.PendingFor(ctx, "bob", "", 2)
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if want := []string{a1.ID, c1.ID}; !equalIDs(ids(first), want) {
		t.Fatalf("first page: got %v, want %v", ids(first), want)
	}
	rest, err := s.PendingFor(ctx, "bob", c1.ID, 2)
	if err != nil {
		t.Fatalf("PendingFor after cursor: %v", err)
	}
	if want := []string{a2.ID}; !equalIDs(ids(rest), want) {
		t.Fatalf("second page: got %v, want %v", ids(rest), want)
	}
	if mustGet(t, s, a1.ID).DeliveryState != types.StateSent {
		t.Fatalf("PendingFor must not change state")
	}

	swept, err := s.MarkDeliveredMany(ctx, []string{a2.ID, a1.ID, c1.ID, delivered.ID, "01ARZ3NDEKTSV4RRFFQ69G5FAV"})
	if err != nil {
		t.Fatalf("MarkDeliveredMany: %v", err)
	}
	want := []string{a1.ID, c1.ID, a2.ID}
	if !equalIDs(ids(swept), want) {
		t.Fatalf("changed ids: got %v, want %v", ids(swept), want)
	}
	for _, m := range swept {
		if m.DeliveryState != types.StateDelivered {
			t.Errorf("swept %s has state %s", m.ID, m.DeliveryState)
		}
		if mustGet(t, s, m.ID).DeliveryState != types.StateDelivered {
			t.Errorf("persisted %s not delivered", m.ID)
		}
	}

	again, err := s.MarkDeliveredMany(ctx, want)
	if err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second batch must change nothing, got %v", ids(again))
	}
	left, err := s.PendingFor(ctx, "bob", "", 10)
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("nothing should be pending, got %v", ids(left))
	}
}

func testConversationSeen(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a1 := create(t, s, "alice", "bob", "1")
	a2 := create(t, s, "alice", "bob", "2")
	fromBob := create(t, s, "bob", "alice", "reply")
	fromCarol := create(t, s, "carol", "bob", "other")
	if _, _, err := s.MarkDelivered(ctx, a1.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	changed, err := s.MarkConversationSeen(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("MarkConversationSeen: %v", err)
	}
	if !equalIDs(ids(changed), []string{a1.ID, a2.ID}) {
		t.Fatalf("changed: got %v", ids(changed))
	}
	for _, id := range []string{a1.ID, a2.ID} {
		if st := mustGet(t, s, id).DeliveryState; st != types.StateSeen {
			t.Errorf("%s: want seen, got %s", id, st)
		}
	}
	if st := mustGet(t, s, fromBob.ID).DeliveryState; st != types.StateSent {
		t.Errorf("reverse direction must be untouched, got %s", st)
	}
	if st := mustGet(t, s, fromCarol.ID).DeliveryState; st != types.StateSent {
		t.Errorf("other conversation must be untouched, got %s", st)
	}

	again, err := s.MarkConversationSeen(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("repeat MarkConversationSeen: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("repeat must change nothing, got %v", ids(again))
	}
}

// ─── Queries ─────────────────────────────────────────────────────────────────

func testHistoryOrderAndPaging(t *testing.T, s storage.Store) {
	ctx := context.Background()
	var all []string
	for i := 0; i < 7; i++ {
		from, to := "alice", "bob"
		if i%2 == 1 {
			from, to = to, from
		}
		all = append(all, create(t, s, from, to, fmt.Sprintf("m%d", i)).ID)
	}
	create(t, s, "alice", "carol", "elsewhere")

	full, err := s.History(ctx, "bob", "alice", storage.HistoryOptions{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if !equalIDs(ids(full), all) {
		t.Fatalf("full history: got %v, want %v", ids(full), all)
	}

	page, err := s.History(ctx, "alice", "bob", storage.HistoryOptions{Limit: 3})
	if err != nil {
		t.Fatalf("History page: %v", err)
	}
	if !equalIDs(ids(page), all[4:]) {
		t.Fatalf("latest page: got %v, want %v", ids(page), all[4:])
	}

	older, err := s.History(ctx, "alice", "bob", storage.HistoryOptions{Limit: 3, Before: page[0].ID})
	if err != nil {
		t.Fatalf("History before: %v", err)
	}
	if !equalIDs(ids(older), all[1:4]) {
		t.Fatalf("older page: got %v, want %v", ids(older), all[1:4])
	}

	oldest, err := s.History(ctx, "alice", "bob", storage.HistoryOptions{Limit: 3, Before: all[0]})
	if err != nil {
		t.Fatalf("History before first: %v", err)
	}
	if len(oldest) != 0 {
		t.Errorf("nothing precedes the first message, got %v", ids(oldest))
	}
}

func testConversations(t *testing.T, s storage.Store) {
	ctx := context.Background()
	create(t, s, "alice", "bob", "a->b 1")
	create(t, s, "alice", "bob", "a->b 2")
	lastCarol := create(t, s, "carol", "bob", "c->b")
	lastAlice := create(t, s, "bob", "alice", "b->a")

	convs, err := s.Conversations(ctx, "bob")
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("want 2 conversations, got %d: %+v", len(convs), convs)
	}
	if convs[0].PeerID != "alice" || convs[0].LastMessage.ID != lastAlice.ID {
		t.Errorf("first conversation: %+v", convs[0])
	}
	if convs[0].UnreadCount != 2 {
		t.Errorf("alice unread: want 2, got %d", convs[0].UnreadCount)
	}
	if convs[1].PeerID != "carol" || convs[1].LastMessage.ID != lastCarol.ID {
		t.Errorf("second conversation: %+v", convs[1])
	}
	if convs[1].UnreadCount != 1 {
		t.Errorf("carol unread: want 1, got %d", convs[1].UnreadCount)
	}

	if _, err := s.MarkConversationSeen(ctx, "alice", "bob"); err != nil {
		t.Fatalf("MarkConversationSeen: %v", err)
	}
	convs, err = s.Conversations(ctx, "bob")
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if convs[0].UnreadCount != 0 {
		t.Errorf("alice unread after seen: want 0, got %d", convs[0].UnreadCount)
	}

	empty, err := s.Conversations(ctx, "nobody")
	if err != nil {
		t.Fatalf("Conversations(nobody): %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("want no conversations, got %+v", empty)
	}
}
