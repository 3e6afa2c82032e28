package gateway_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sneh-joshi/epochchat/internal/broker"
	"github.com/sneh-joshi/epochchat/internal/config"
	"github.com/sneh-joshi/epochchat/internal/gateway"
	"github.com/sneh-joshi/epochchat/internal/identity"
	"github.com/sneh-joshi/epochchat/internal/metrics"
	"github.com/sneh-joshi/epochchat/internal/storage"
	"github.com/sneh-joshi/epochchat/internal/storage/bolt"
	"github.com/sneh-joshi/epochchat/internal/types"
	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// tokens are "tok-<peer>"; anything else is rejected.
var verifier = identity.VerifierFunc(func(_ context.Context, tok string) (string, error) {
	peer, ok := strings.CutPrefix(tok, "tok-")
	if !ok || peer == "" {
		return "", identity.ErrInvalidToken
	}
	return peer, nil
})

type instance struct {
	gw      *gateway.Gateway
	srv     *httptest.Server
	metrics *metrics.Registry
}

func newStore(t *testing.T) *bolt.Store {
	t.Helper()
	s, err := bolt.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() config.GatewayConfig {
	cfg := config.Default().Gateway
	cfg.FrameRate = 0
	return cfg
}

func newInstance(t *testing.T, cfg config.GatewayConfig, store storage.Store, b broker.Broker) *instance {
	t.Helper()
	m := metrics.New()
	gw, err := gateway.New(cfg, gateway.Deps{Store: store, Broker: b, Verifier: verifier, Metrics: m})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = gw.Shutdown(shutdownCtx)
		cancel()
		srv.Close()
	})
	return &instance{gw: gw, srv: srv, metrics: m}
}

func dial(t *testing.T, in *instance, token string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(in.srv.URL, "http") + "/ws?token=" + token
	c, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// connect dials and consumes the connected frame.
func connect(t *testing.T, in *instance, peer string) *gorillaws.Conn {
	t.Helper()
	c := dial(t, in, "tok-"+peer)
	f := read(t, c)
	if got, ok := f.(protocol.Connected); !ok || got.PeerID != peer {
		t.Fatalf("first frame: want connected(%s), got %#v", peer, f)
	}
	return c
}

func read(t *testing.T, c *gorillaws.Conn) protocol.ServerFrame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := protocol.DecodeServerFrame(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

// readN reads n frames and indexes them by type. Frames produced on different
// instances can interleave in any order.
func readN(t *testing.T, c *gorillaws.Conn, n int) map[string]protocol.ServerFrame {
	t.Helper()
	out := make(map[string]protocol.ServerFrame, n)
	for i := 0; i < n; i++ {
		f := read(t, c)
		out[f.FrameType()] = f
	}
	return out
}

// readUntil skips frames until one of type typ arrives.
func readUntil(t *testing.T, c *gorillaws.Conn, typ string) protocol.ServerFrame {
	t.Helper()
	for i := 0; i < 32; i++ {
		if f := read(t, c); f.FrameType() == typ {
			return f
		}
	}
	t.Fatalf("no %s frame", typ)
	return nil
}

// expectSilence fails if c receives any frame within d. The connection is
// unusable for reads afterwards.
func expectSilence(t *testing.T, c *gorillaws.Conn, d time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(d))
	if _, data, err := c.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %s", data)
	}
}

func write(t *testing.T, c *gorillaws.Conn, f protocol.ClientFrame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := c.WriteMessage(gorillaws.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expectError(t *testing.T, c *gorillaws.Conn, want string) {
	t.Helper()
	f := read(t, c)
	e, ok := f.(protocol.Error)
	if !ok {
		t.Fatalf("want error frame %q, got %#v", want, f)
	}
	if e.Message != want {
		t.Errorf("error message: got %q, want %q", e.Message, want)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ─── Accept ──────────────────────────────────────────────────────────────────

func TestAccept_ConnectedIsFirstFrame(t *testing.T) {
	in := newInstance(t, testConfig(), newStore(t), broker.NewMemory("a"))
	connect(t, in, "alice")

	eventually(t, func() bool { return in.gw.Registry().Len() == 1 })
	if _, ok := in.gw.Registry().Lookup("alice"); !ok {
		t.Error("alice not registered")
	}
}

func TestAccept_BadTokenClosesWith4001(t *testing.T) {
	in := newInstance(t, testConfig(), newStore(t), broker.NewMemory("a"))
	c := dial(t, in, "garbage")

	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ReadMessage()
	if !gorillaws.IsCloseError(err, protocol.CloseAuthFailed) {
		t.Fatalf("want close 4001, got %v", err)
	}
	if in.gw.Registry().Len() != 0 {
		t.Error("unauthenticated connection must not be registered")
	}
}

func TestAccept_BearerHeader(t *testing.T) {
	in := newInstance(t, testConfig(), newStore(t), broker.NewMemory("a"))
	url := "ws" + strings.TrimPrefix(in.srv.URL, "http") + "/ws"
	hdr := map[string][]string{"Authorization": {"Bearer tok-alice"}}
	c, _, err := gorillaws.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if f, ok := read(t, c).(protocol.Connected); !ok || f.PeerID != "alice" {
		t.Fatalf("want connected(alice), got %#v", f)
	}
}

func TestAccept_SupersededConnectionClosedWith4000(t *testing.T) {
	store := newStore(t)
	in := newInstance(t, testConfig(), store, broker.NewMemory("a"))
	first := connect(t, in, "alice")
	second := connect(t, in, "alice")

	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := first.ReadMessage()
	if !gorillaws.IsCloseError(err, protocol.CloseSuperseded) {
		t.Fatalf("want close 4000, got %v", err)
	}

	// The registry still points at the newer handle after the old one is torn
	// down, so traffic reaches it.
	bob := connect(t, in, "bob")
	write(t, bob, protocol.SendMessage{Text: "hi", ReceiverID: "alice", ClientID: "c1"})
	f, ok := read(t, second).(protocol.MessageFrame)
	if !ok || f.Text != "hi" {
		t.Fatalf("second connection did not receive message: %#v", f)
	}
	if n := testutil.ToFloat64(in.metrics.Superseded); n != 1 {
		t.Errorf("superseded counter: got %v", n)
	}
}

func TestAccept_DisconnectUnregisters(t *testing.T) {
	in := newInstance(t, testConfig(), newStore(t), broker.NewMemory("a"))
	c := connect(t, in, "alice")
	eventually(t, func() bool { return in.gw.Registry().Len() == 1 })

	_ = c.WriteMessage(gorillaws.CloseMessage, gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""))
	_ = c.Close()
	eventually(t, func() bool { return in.gw.Registry().Len() == 0 })
}

// ─── Fan-out ─────────────────────────────────────────────────────────────────

func TestMessage_FansOutAcrossInstances(t *testing.T) {
	store := newStore(t)
	bus := broker.NewBus()
	a := newInstance(t, testConfig(), store, bus.Attach("a"))
	b := newInstance(t, testConfig(), store, bus.Attach("b"))

	alice := connect(t, a, "alice")
	bob := connect(t, b, "bob")
	carol := connect(t, b, "carol")

	write(t, alice, protocol.SendMessage{Text: "  hello bob ", ReceiverID: "bob", ClientID: "client-1"})

	got := read(t, bob)
	in, ok := got.(protocol.MessageFrame)
	if !ok {
		t.Fatalf("bob: want message, got %#v", got)
	}
	if in.SenderID != "alice" || in.Text != "hello bob" || in.ID == "" || in.ClientID != "client-1" {
		t.Errorf("bob received %+v", in.Message)
	}

	frames := readN(t, alice, 2)
	echo, ok := frames[protocol.TypeMessage].(protocol.MessageFrame)
	if !ok || echo.ID != in.ID || echo.ClientID != "client-1" {
		t.Fatalf("alice echo: %#v", frames[protocol.TypeMessage])
	}
	receipt, ok := frames[protocol.TypeDeliveryReceipt].(protocol.DeliveryReceipt)
	if !ok || receipt.MessageID != in.ID || receipt.ReceiverID != "bob" {
		t.Fatalf("alice receipt: %#v", frames[protocol.TypeDeliveryReceipt])
	}

	stored, err := store.GetMessage(context.Background(), in.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if stored.DeliveryState != types.StateDelivered {
		t.Errorf("stored state: got %s, want delivered", stored.DeliveryState)
	}

	expectSilence(t, carol, 200*time.Millisecond)
}

func TestMessage_OneRecordPerFrame(t *testing.T) {
	store := newStore(t)
	in := newInstance(t, testConfig(), store, broker.NewMemory("a"))
	alice := connect(t, in, "alice")

	for i := 0; i < 3; i++ {
		write(t, alice, protocol.SendMessage{Text: "same", ReceiverID: "bob"})
		if _, ok := read(t, alice).(protocol.MessageFrame); !ok {
			t.Fatal("want echo")
		}
	}
	hist, err := store.History(context.Background(), "alice", "bob", storage.HistoryOptions{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 3 {
		t.Errorf("want 3 records, got %d", len(hist))
	}
}

func TestMessage_PreservesPerSenderOrder(t *testing.T) {
	store := newStore(t)
	bus := broker.NewBus()
	a := newInstance(t, testConfig(), store, bus.Attach("a"))
	b := newInstance(t, testConfig(), store, bus.Attach("b"))
	alice := connect(t, a, "alice")
	bob := connect(t, b, "bob")

	texts := []string{"one", "two", "three", "four", "five"}
	for _, txt := range texts {
		write(t, alice, protocol.SendMessage{Text: txt, ReceiverID: "bob"})
	}
	for _, want := range texts {
		f, ok := read(t, bob).(protocol.MessageFrame)
		if !ok || f.Text != want {
			t.Fatalf("want %q, got %#v", want, f)
		}
	}
}

// ─── Resync ──────────────────────────────────────────────────────────────────

func TestResync_ReplaysPendingOnConnect(t *testing.T) {
	store := newStore(t)
	bus := broker.NewBus()
	a := newInstance(t, testConfig(), store, bus.Attach("a"))
	b := newInstance(t, testConfig(), store, bus.Attach("b"))

	alice := connect(t, a, "alice")
	write(t, alice, protocol.SendMessage{Text: "while you were out", ReceiverID: "bob"})
	echo, ok := read(t, alice).(protocol.MessageFrame)
	if !ok || echo.DeliveryState != protocol.StateSent {
		t.Fatalf("want echo in state sent, got %#v", echo)
	}

	bob := connect(t, b, "bob")
	replayed, ok := read(t, bob).(protocol.MessageFrame)
	if !ok || replayed.ID != echo.ID {
		t.Fatalf("bob: want replay of %s, got %#v", echo.ID, replayed)
	}
	if replayed.DeliveryState != protocol.StateDelivered {
		t.Errorf("replayed state: got %s, want delivered", replayed.DeliveryState)
	}

	receipt, ok := read(t, alice).(protocol.DeliveryReceipt)
	if !ok || receipt.MessageID != echo.ID {
		t.Fatalf("alice: want delivery receipt, got %#v", receipt)
	}
	expectSilence(t, alice, 200*time.Millisecond)
}

func TestResync_BacklogLargerThanSendQueue(t *testing.T) {
	store := newStore(t)
	bus := broker.NewBus()
	small := testConfig()
	small.SendQueueSize = 4
	a := newInstance(t, testConfig(), store, bus.Attach("a"))
	b := newInstance(t, small, store, bus.Attach("b"))

	const backlog = 40
	ctx := context.Background()
	ids := make([]string, backlog)
	for i := range ids {
		m, err := store.CreateMessage(ctx, types.NewMessage{SenderID: "alice", ReceiverID: "bob", Text: "queued"})
		if err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		ids[i] = m.ID
	}
	alice := connect(t, a, "alice")

	bob := connect(t, b, "bob")
	for i, id := range ids {
		f, ok := read(t, bob).(protocol.MessageFrame)
		if !ok || f.ID != id {
			t.Fatalf("frame %d: want %s, got %#v", i, id, f)
		}
	}

	receipted := make(map[string]bool, backlog)
	for len(receipted) < backlog {
		r, ok := read(t, alice).(protocol.DeliveryReceipt)
		if !ok {
			t.Fatalf("alice: want delivery receipt, got %#v", r)
		}
		if receipted[r.MessageID] {
			t.Fatalf("duplicate receipt for %s", r.MessageID)
		}
		receipted[r.MessageID] = true
	}
	expectSilence(t, alice, 200*time.Millisecond)

	for _, id := range ids {
		m, err := store.GetMessage(ctx, id)
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		if m.DeliveryState != types.StateDelivered {
			t.Errorf("%s: got %s, want delivered", id, m.DeliveryState)
		}
	}
	if got := testutil.ToFloat64(b.metrics.SlowConsumerClose); got != 0 {
		t.Errorf("bob was closed as a slow consumer %v time(s)", got)
	}
}

// ─── Seen ────────────────────────────────────────────────────────────────────

func TestSeen_SendsOneReceiptToSender(t *testing.T) {
	store := newStore(t)
	in := newInstance(t, testConfig(), store, broker.NewMemory("a"))
	alice := connect(t, in, "alice")
	bob := connect(t, in, "bob")

	write(t, alice, protocol.SendMessage{Text: "1", ReceiverID: "bob"})
	write(t, alice, protocol.SendMessage{Text: "2", ReceiverID: "bob"})
	read(t, bob)
	read(t, bob)

	write(t, bob, protocol.Seen{PeerID: "alice"})
	r := readUntil(t, alice, protocol.TypeSeenReceipt).(protocol.SeenReceipt)
	if r.SenderID != "alice" || r.ReceiverID != "bob" {
		t.Fatalf("seen receipt addressed wrongly: %+v", r)
	}

	convs, err := store.Conversations(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 0 {
		t.Errorf("unread after seen: %+v", convs)
	}
}

// ─── Rejections ──────────────────────────────────────────────────────────────

func TestRejections_KeepConnectionOpen(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTextLength = 5
	in := newInstance(t, cfg, newStore(t), broker.NewMemory("a"))
	alice := connect(t, in, "alice")

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", `{"type":"message","text":"","receiverId":"bob"}`, "Empty message"},
		{"whitespace", `{"type":"message","text":"   ","receiverId":"bob"}`, "Empty message"},
		{"no recipient", `{"type":"message","text":"hi"}`, "Recipient required"},
		{"self", `{"type":"message","text":"hi","receiverId":"alice"}`, "Cannot message yourself"},
		{"too long", `{"type":"message","text":"123456","receiverId":"bob"}`, "Message too long"},
		{"malformed", `{not json`, "Malformed frame"},
		{"unknown type", `{"type":"typing"}`, "Unknown frame type"},
		{"seen without peer", `{"type":"seen"}`, "Recipient required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := alice.WriteMessage(gorillaws.TextMessage, []byte(tc.raw)); err != nil {
				t.Fatalf("write: %v", err)
			}
			expectError(t, alice, tc.want)
		})
	}

	// Five runes is within the limit even when they are multi-byte.
	write(t, alice, protocol.SendMessage{Text: "héllo", ReceiverID: "bob"})
	if f, ok := read(t, alice).(protocol.MessageFrame); !ok || f.Text != "héllo" {
		t.Fatalf("valid message after rejections: %#v", f)
	}
}

func TestRejections_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.FrameRate = 0.001
	cfg.FrameBurst = 1
	in := newInstance(t, cfg, newStore(t), broker.NewMemory("a"))
	alice := connect(t, in, "alice")

	write(t, alice, protocol.SendMessage{Text: "first", ReceiverID: "bob"})
	if _, ok := read(t, alice).(protocol.MessageFrame); !ok {
		t.Fatal("first message should pass")
	}
	write(t, alice, protocol.SendMessage{Text: "second", ReceiverID: "bob"})
	expectError(t, alice, "Rate limit exceeded")
}

// ─── Degraded mode ───────────────────────────────────────────────────────────

// failingBroker accepts a subscription but never delivers and fails every
// publish.
type failingBroker struct{}

func (failingBroker) Publish(context.Context, broker.Event) error {
	return errors.New("broker unavailable")
}
func (failingBroker) Subscribe(context.Context, broker.Handler) error { return nil }
func (failingBroker) Close() error                                   { return nil }

func TestPublishFailure_DispatchesLocally(t *testing.T) {
	in := newInstance(t, testConfig(), newStore(t), failingBroker{})
	alice := connect(t, in, "alice")
	bob := connect(t, in, "bob")

	write(t, alice, protocol.SendMessage{Text: "still works", ReceiverID: "bob"})
	if f, ok := read(t, bob).(protocol.MessageFrame); !ok || f.Text != "still works" {
		t.Fatalf("bob: %#v", f)
	}
	frames := readN(t, alice, 2)
	if _, ok := frames[protocol.TypeDeliveryReceipt]; !ok {
		t.Error("alice should get a locally dispatched receipt")
	}
	if n := testutil.ToFloat64(in.metrics.DegradedDispatch); n < 2 {
		t.Errorf("degraded dispatch counter: got %v, want >= 2", n)
	}
}

// ─── Contact added ───────────────────────────────────────────────────────────

func TestContactAdded_OnlyRecipient(t *testing.T) {
	in := newInstance(t, testConfig(), newStore(t), broker.NewMemory("a"))
	alice := connect(t, in, "alice")
	bob := connect(t, in, "bob")

	err := in.gw.Publish(context.Background(), broker.ContactAddedEvent{SenderID: "alice", RecipientID: "bob", SenderName: "Alice"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	f, ok := read(t, bob).(protocol.ContactAdded)
	if !ok || f.SenderID != "alice" || f.SenderName != "Alice" {
		t.Fatalf("bob: %#v", f)
	}
	expectSilence(t, alice, 200*time.Millisecond)
}
