package client_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sneh-joshi/epochchat/pkg/client"
	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

// ─── fake transport ───────────────────────────────────────────────────────────

type fakeConn struct {
	frames chan protocol.ServerFrame
	closed chan error
	// stall, when set, holds every WriteFrame until it is closed.
	stall chan struct{}

	mu      sync.Mutex
	written []protocol.ClientFrame
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan protocol.ServerFrame, 16),
		closed: make(chan error, 1),
	}
}

func (c *fakeConn) ReadFrame() (protocol.ServerFrame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.closed:
		return nil, err
	}
}

func (c *fakeConn) WriteFrame(f protocol.ClientFrame) error {
	if c.stall != nil {
		<-c.stall
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.serverClose(errors.New("closed locally"))
	return nil
}

// serverClose makes the next ReadFrame fail with err.
func (c *fakeConn) serverClose(err error) {
	c.once.Do(func() { c.closed <- err })
}

func (c *fakeConn) sent() []protocol.ClientFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ClientFrame(nil), c.written...)
}

// fakeTransport hands out scripted connections. When fail is set every dial
// fails.
type fakeTransport struct {
	mu    sync.Mutex
	dials int
	fail  bool
	stall chan struct{}
	conns chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Dial(context.Context, string, string) (client.Conn, error) {
	t.mu.Lock()
	t.dials++
	fail, stall := t.fail, t.stall
	t.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	c.stall = stall
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) setFail(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = fail
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) nextConn(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.conns:
		return c
	case <-time.After(3 * time.Second):
		tb.Fatal("no dial")
		return nil
	}
}

// recorder collects session callbacks.
type recorder struct {
	mu     sync.Mutex
	states []client.State
	errs   []error
}

func (r *recorder) config(tr client.Transport) client.Config {
	return client.Config{
		URL:           "ws://test/ws",
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Transport:     tr,
		OnStateChange: func(s client.State) { r.mu.Lock(); r.states = append(r.states, s); r.mu.Unlock() },
		OnError:       func(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() },
	}
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// connected dials s through tr and delivers the connected frame for peer.
func connected(t *testing.T, s *client.Session, tr *fakeTransport, peer string) *fakeConn {
	t.Helper()
	s.Connect("tok")
	c := tr.nextConn(t)
	c.frames <- protocol.Connected{PeerID: peer}
	waitFor(t, func() bool { return s.State() == client.StateConnected && s.PeerID() == peer })
	return c
}

func canonical(id, clientID, from, to, text string, createdAt int64) protocol.MessageFrame {
	return protocol.MessageFrame{Message: protocol.Message{
		ID: id, ClientID: clientID, SenderID: from, ReceiverID: to,
		Text: text, DeliveryState: protocol.StateSent, CreatedAt: createdAt,
	}}
}

// ─── Outbox ───────────────────────────────────────────────────────────────────

func TestSession_FlushesOutboxInOrderOnConnect(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))

	for _, txt := range []string{"one", "two", "three"} {
		if _, err := s.Send(txt, "bob", "c-"+txt); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for _, e := range s.Messages() {
		if e.Status != client.StatusPending {
			t.Fatalf("entry %s should be pending before connect", e.ClientID)
		}
	}

	c := connected(t, s, tr, "alice")
	waitFor(t, func() bool { return len(c.sent()) == 3 })
	for i, want := range []string{"c-one", "c-two", "c-three"} {
		f, ok := c.sent()[i].(protocol.SendMessage)
		if !ok || f.ClientID != want || f.ReceiverID != "bob" {
			t.Errorf("frame %d: %#v", i, c.sent()[i])
		}
	}
	if got := s.Messages()[0].SenderID; got != "alice" {
		t.Errorf("pending sender filled from connected frame: got %q", got)
	}
}

func TestSession_SendGeneratesClientID(t *testing.T) {
	s := client.NewSession(client.Config{Transport: newFakeTransport()})
	id, err := s.Send("hi", "bob", "")
	if err != nil || len(id) != 26 {
		t.Fatalf("want a ULID client id, got %q err=%v", id, err)
	}
	if _, err := s.Send("hi", "", ""); !errors.Is(err, client.ErrNoRecipient) {
		t.Errorf("empty recipient: got %v", err)
	}
}

// ─── Reconciliation ───────────────────────────────────────────────────────────

func TestSession_ReconcileByClientIDIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))
	c := connected(t, s, tr, "alice")

	if _, err := s.Send("hi", "bob", "c1"); err != nil {
		t.Fatal(err)
	}
	echo := canonical("m1", "c1", "alice", "bob", "hi", 100)
	c.frames <- echo
	c.frames <- echo

	waitFor(t, func() bool { return len(s.Messages()) == 1 && s.Messages()[0].ID == "m1" })
	time.Sleep(20 * time.Millisecond)
	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("duplicate canonical frames must collapse: %+v", msgs)
	}
	if msgs[0].Status != client.StatusConfirmed || msgs[0].ClientID != "c1" {
		t.Errorf("entry: %+v", msgs[0])
	}
}

func TestSession_HeuristicFallbackOnlyWithoutClientID(t *testing.T) {
	cases := []struct {
		name    string
		strict  bool
		frameID string // clientId on the canonical frame
		want    int
	}{
		{"legacy frame matched by text", false, "", 1},
		{"strict mode never guesses", true, "", 2},
		{"mismatched clientId never guesses", false, "someone-else", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newFakeTransport()
			var rec recorder
			cfg := rec.config(tr)
			cfg.StrictReconcile = tc.strict
			s := client.NewSession(cfg)
			c := connected(t, s, tr, "alice")

			_, _ = s.Send("same text", "bob", "c1")
			c.frames <- canonical("m1", tc.frameID, "alice", "bob", "same text", 100)

			waitFor(t, func() bool {
				for _, e := range s.Messages() {
					if e.ID == "m1" {
						return true
					}
				}
				return false
			})
			if got := len(s.Messages()); got != tc.want {
				t.Errorf("entries: got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSession_InboundAppended(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))
	c := connected(t, s, tr, "bob")

	c.frames <- canonical("m1", "c1", "alice", "bob", "hi bob", 100)
	waitFor(t, func() bool { return len(s.Messages()) == 1 })
	e := s.Messages()[0]
	if e.Outbound || e.SenderID != "alice" {
		t.Errorf("inbound entry: %+v", e)
	}
	if conv := s.Conversation("alice"); len(conv) != 1 {
		t.Errorf("conversation with alice: %+v", conv)
	}
}

// ─── Receipts ─────────────────────────────────────────────────────────────────

func TestSession_ReceiptsAreMonotonic(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))
	c := connected(t, s, tr, "alice")

	_, _ = s.Send("hi", "bob", "c1")
	c.frames <- canonical("m1", "c1", "alice", "bob", "hi", 100)
	c.frames <- protocol.DeliveryReceipt{MessageID: "m1", SenderID: "alice", ReceiverID: "bob", Timestamp: 110}
	c.frames <- protocol.SeenReceipt{SenderID: "alice", ReceiverID: "bob", Timestamp: 120}
	c.frames <- protocol.DeliveryReceipt{MessageID: "m1", SenderID: "alice", ReceiverID: "bob", Timestamp: 130}
	// A stale echo with a lower state must not regress either.
	c.frames <- canonical("m1", "c1", "alice", "bob", "hi", 100)

	waitFor(t, func() bool { return s.Messages()[0].DeliveryState == protocol.StateSeen })
	time.Sleep(20 * time.Millisecond)
	if got := s.Messages()[0].DeliveryState; got != protocol.StateSeen {
		t.Errorf("state regressed to %s", got)
	}
}

func TestSession_SeenReceiptRespectsTimestamp(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))
	c := connected(t, s, tr, "alice")

	c.frames <- canonical("m1", "", "alice", "bob", "old", 100)
	c.frames <- canonical("m2", "", "alice", "bob", "new", 300)
	c.frames <- protocol.SeenReceipt{SenderID: "alice", ReceiverID: "bob", Timestamp: 200}

	waitFor(t, func() bool { m := s.Messages(); return len(m) > 0 && m[0].DeliveryState == protocol.StateSeen })
	if got := s.Messages()[1].DeliveryState; got != protocol.StateSent {
		t.Errorf("message newer than the receipt: got %s", got)
	}
}

// ─── Seen ─────────────────────────────────────────────────────────────────────

func TestSession_MarkSeenQueuedUntilConnected(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))

	_ = s.MarkSeen("bob")
	_ = s.MarkSeen("bob")
	c := connected(t, s, tr, "alice")

	waitFor(t, func() bool { return len(c.sent()) == 1 })
	if f, ok := c.sent()[0].(protocol.Seen); !ok || f.PeerID != "bob" {
		t.Errorf("want one seen frame for bob, got %#v", c.sent())
	}
}

// ─── Connection lifecycle ─────────────────────────────────────────────────────

func TestSession_AuthFailedDoesNotRetry(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))
	_, _ = s.Send("queued", "bob", "c1")

	s.Connect("bad")
	c := tr.nextConn(t)
	c.serverClose(&client.CloseError{Code: protocol.CloseAuthFailed, Reason: "authentication failed"})

	waitFor(t, func() bool { return s.State() == client.StateAuthFailed })
	time.Sleep(30 * time.Millisecond)
	if n := tr.dialCount(); n != 1 {
		t.Errorf("auth failure must not reconnect: %d dials", n)
	}
	if st := s.Messages()[0].Status; st != client.StatusFailed {
		t.Errorf("pending entry after auth failure: %v", st)
	}
	if errs := rec.errors(); len(errs) != 1 || !errors.Is(errs[0], client.ErrAuthFailed) {
		t.Errorf("errors: %v", errs)
	}
	if _, err := s.Send("after", "bob", ""); !errors.Is(err, client.ErrAuthFailed) {
		t.Errorf("Send after auth failure: %v", err)
	}
}

func TestSession_ReconnectExhaustedOncePerEpisode(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = true
	var rec recorder
	cfg := rec.config(tr)
	cfg.MaxReconnectAttempts = 3
	s := client.NewSession(cfg)
	_, _ = s.Send("queued", "bob", "c1")

	s.Connect("tok")
	waitFor(t, func() bool { return s.State() == client.StateReconnectExhausted })
	time.Sleep(30 * time.Millisecond)

	if n := tr.dialCount(); n != 3 {
		t.Errorf("dials: got %d, want 3", n)
	}
	errs := rec.errors()
	if len(errs) != 1 || !errors.Is(errs[0], client.ErrReconnectExhausted) {
		t.Errorf("want exactly one ErrReconnectExhausted, got %v", errs)
	}
	if st := s.Messages()[0].Status; st != client.StatusFailed {
		t.Errorf("pending entry after exhaustion: %v", st)
	}

	// A new Connect starts a new episode.
	s.Connect("tok")
	waitFor(t, func() bool { return len(rec.errors()) == 2 })
	if n := tr.dialCount(); n != 6 {
		t.Errorf("second episode dials: got %d, want 6 total", n)
	}
}

func TestSession_ReconnectsAndRetransmitsAfterDrop(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))
	first := connected(t, s, tr, "alice")

	_, _ = s.Send("unconfirmed", "bob", "c1")
	waitFor(t, func() bool { return len(first.sent()) == 1 })
	first.serverClose(&client.CloseError{Code: 1006})

	second := tr.nextConn(t)
	second.frames <- protocol.Connected{PeerID: "alice"}
	waitFor(t, func() bool { return s.State() == client.StateConnected })
	waitFor(t, func() bool { return len(second.sent()) == 1 })
	if f := second.sent()[0].(protocol.SendMessage); f.ClientID != "c1" {
		t.Errorf("retransmitted frame: %#v", f)
	}
}

func TestSession_DropGetsFullReconnectBudget(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	cfg := rec.config(tr)
	cfg.MaxReconnectAttempts = 3
	s := client.NewSession(cfg)
	c := connected(t, s, tr, "alice")

	tr.setFail(true)
	c.serverClose(&client.CloseError{Code: 1006})
	waitFor(t, func() bool { return s.State() == client.StateReconnectExhausted })
	time.Sleep(30 * time.Millisecond)

	// One successful dial, then three failed reconnects.
	if n := tr.dialCount(); n != 4 {
		t.Errorf("dials: got %d, want 4", n)
	}
	if errs := rec.errors(); len(errs) != 1 || !errors.Is(errs[0], client.ErrReconnectExhausted) {
		t.Errorf("errors: %v", errs)
	}
}

func TestSession_ConnectFromErrorCallback(t *testing.T) {
	tr := newFakeTransport()
	tr.fail = true

	var (
		s     *client.Session
		once  sync.Once
		errCh = make(chan error, 4)
	)
	s = client.NewSession(client.Config{
		URL:                  "ws://test/ws",
		BaseDelay:            time.Millisecond,
		MaxDelay:             5 * time.Millisecond,
		MaxReconnectAttempts: 2,
		Transport:            tr,
		OnStateChange:        func(client.State) {},
		OnError: func(err error) {
			errCh <- err
			once.Do(func() { s.Connect("tok") })
		},
	})
	s.Connect("tok")

	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if !errors.Is(err, client.ErrReconnectExhausted) {
				t.Fatalf("error %d: %v", i, err)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("session stuck after %d error(s)", i)
		}
	}
	if n := tr.dialCount(); n != 4 {
		t.Errorf("dials: got %d, want 4", n)
	}
}

func TestSession_CallbacksSeeOrderedStates(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))
	c := connected(t, s, tr, "alice")
	c.serverClose(&client.CloseError{Code: 1006})
	tr.nextConn(t)
	waitFor(t, func() bool { return s.State() == client.StateConnected })

	want := []client.State{
		client.StateConnecting, client.StateConnected,
		client.StateDisconnected, client.StateConnecting, client.StateConnected,
	}
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.states) == len(want)
	})
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i, st := range want {
		if rec.states[i] != st {
			t.Fatalf("states: got %v, want %v", rec.states, want)
		}
	}
}

func TestSession_StalledWriteDoesNotBlockSession(t *testing.T) {
	tr := newFakeTransport()
	tr.stall = make(chan struct{})
	var rec recorder
	s := client.NewSession(rec.config(tr))
	c := connected(t, s, tr, "alice")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Send("one", "bob", "c1")
		_, _ = s.Send("two", "bob", "c2")
		_ = s.MarkSeen("bob")
		_ = s.State()
		_ = s.Messages()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session calls blocked behind a stalled socket write")
	}

	close(tr.stall)
	waitFor(t, func() bool { return len(c.sent()) == 3 })
	sent := c.sent()
	first, _ := sent[0].(protocol.SendMessage)
	second, _ := sent[1].(protocol.SendMessage)
	if first.ClientID != "c1" || second.ClientID != "c2" {
		t.Errorf("send order: %#v", sent)
	}
	if _, ok := sent[2].(protocol.Seen); !ok {
		t.Errorf("want seen frame last, got %#v", sent[2])
	}
}

func TestSession_SupersededIsRetryable(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))
	c := connected(t, s, tr, "alice")

	c.serverClose(&client.CloseError{Code: protocol.CloseSuperseded, Reason: "superseded"})
	tr.nextConn(t)
	if n := tr.dialCount(); n != 2 {
		t.Errorf("dials: got %d, want 2", n)
	}
}

func TestSession_DisconnectStopsReconnecting(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))
	connected(t, s, tr, "alice")

	s.Disconnect()
	time.Sleep(30 * time.Millisecond)
	if s.State() != client.StateDisconnected {
		t.Errorf("state: %s", s.State())
	}
	if n := tr.dialCount(); n != 1 {
		t.Errorf("disconnect must not reconnect: %d dials", n)
	}
}

func TestSession_ConnectIsNoOpWhileConnected(t *testing.T) {
	tr := newFakeTransport()
	var rec recorder
	s := client.NewSession(rec.config(tr))
	connected(t, s, tr, "alice")
	s.Connect("tok")
	s.Connect("tok")
	if n := tr.dialCount(); n != 1 {
		t.Errorf("dials: got %d, want 1", n)
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{3, 3 * time.Second},
		{10, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := client.Backoff(time.Second, 10*time.Second, tc.attempts); got != tc.want {
			t.Errorf("Backoff(%d): got %s, want %s", tc.attempts, got, tc.want)
		}
	}
}
