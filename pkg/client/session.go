package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

// ─── Errors ───────────────────────────────────────────────────────────────────

var (
	// ErrReconnectExhausted is reported once per episode when the session
	// gives up reconnecting.
	ErrReconnectExhausted = errors.New("epochchat: reconnect attempts exhausted")

	// ErrAuthFailed is reported when the gateway rejects the credential. The
	// session does not retry; call Connect with a new token.
	ErrAuthFailed = errors.New("epochchat: authentication failed")

	// ErrNoRecipient is returned by Send for an empty receiver ID.
	ErrNoRecipient = errors.New("epochchat: recipient required")
)

// ─── State ────────────────────────────────────────────────────────────────────

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateReconnectExhausted is terminal until the next Connect call.
	StateReconnectExhausted
	// StateAuthFailed is terminal until the next Connect call.
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectExhausted:
		return "reconnect_exhausted"
	case StateAuthFailed:
		return "auth_failed"
	}
	return "unknown"
}

// EntryStatus tracks an outbound message through reconciliation.
type EntryStatus int

const (
	// StatusPending is an optimistic local echo not yet confirmed.
	StatusPending EntryStatus = iota
	// StatusConfirmed means the entry holds the canonical server message.
	StatusConfirmed
	// StatusFailed means the message will not be retransmitted.
	StatusFailed
)

// Entry is one message in the session's local buffer. Pending entries have no
// ID and no CreatedAt yet.
type Entry struct {
	protocol.Message
	Status   EntryStatus
	Outbound bool
}

// ─── Config ───────────────────────────────────────────────────────────────────

// Config configures a Session. Zero values take the defaults shown.
type Config struct {
	// URL is the gateway WebSocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string

	// BaseDelay is multiplied by the attempt count (default 1s).
	BaseDelay time.Duration
	// MaxDelay caps the reconnect delay (default 10s).
	MaxDelay time.Duration
	// MaxReconnectAttempts (default 5).
	MaxReconnectAttempts int

	// StrictReconcile disables the text/recipient fallback match used for
	// canonical messages that carry no clientId.
	StrictReconcile bool

	Transport   Transport
	DialTimeout time.Duration

	// Callbacks run one at a time, in the order the events happened, with no
	// session lock held. A callback may call back into the Session.
	OnStateChange func(State)
	OnFrame       func(protocol.ServerFrame)
	OnError       func(error)
}

func (c *Config) defaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.Transport == nil {
		c.Transport = DefaultTransport
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Backoff returns the delay before reconnect attempt number attempts.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return min(max, base*time.Duration(attempts))
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session maintains one peer's connection to the gateway: it reconnects with
// capped linear backoff, retransmits unconfirmed messages after every
// reconnect and reconciles optimistic echoes with canonical messages.
//
// A Session is safe for concurrent use.
type Session struct {
	cfg Config

	mu        sync.Mutex
	state     State
	token     string
	self      string
	conn      Conn
	gen       uint64
	attempts  int
	exhausted bool
	timer     *time.Timer
	w         *frameWriter

	entries     []*Entry
	byID        map[string]*Entry
	byClientID  map[string]*Entry
	pendingSeen []string

	noteMu   sync.Mutex
	notes    []func()
	draining bool
}

// NewSession returns a disconnected session.
func NewSession(cfg Config) *Session {
	cfg.defaults()
	return &Session{
		cfg:        cfg,
		byID:       make(map[string]*Entry),
		byClientID: make(map[string]*Entry),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerID returns the authenticated peer ID from the last connected frame.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Connect starts connecting with token. It is a no-op while connecting or
// connected. From any other state it starts a new episode: the attempt
// counter is reset and exhaustion may be reported again.
func (s *Session) Connect(token string) {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.token = token
	s.attempts = 0
	s.exhausted = false
	s.dialLocked()
	s.mu.Unlock()
	s.drain()
}

// Disconnect closes the connection and stops reconnecting. Pending entries
// stay pending and are retransmitted by the next Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.conn = nil
	s.stopWriterLocked()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.drain()
}

// Send appends an optimistic entry and transmits it if connected. An empty
// clientID is replaced by a fresh ULID. The client ID is returned.
func (s *Session) Send(text, receiverID, clientID string) (string, error) {
	if receiverID == "" {
		return "", ErrNoRecipient
	}
	if clientID == "" {
		clientID = ulid.Make().String()
	}

	s.mu.Lock()
	e := &Entry{
		Message: protocol.Message{
			ClientID:   clientID,
			SenderID:   s.self,
			ReceiverID: receiverID,
			Text:       text,
		},
		Status:   StatusPending,
		Outbound: true,
	}
	s.entries = append(s.entries, e)
	s.byClientID[clientID] = e

	var err error
	switch s.state {
	case StateConnected:
		// If the write fails the entry stays pending and the next connection
		// retransmits it.
		s.w.push(sendFrame(e))
	case StateAuthFailed:
		e.Status = StatusFailed
		err = ErrAuthFailed
	case StateReconnectExhausted:
		e.Status = StatusFailed
		err = ErrReconnectExhausted
	}
	s.mu.Unlock()
	return clientID, err
}

// MarkSeen tells the gateway that every message from peer has been read. It
// is queued until the session is connected.
func (s *Session) MarkSeen(peer string) error {
	if peer == "" {
		return ErrNoRecipient
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if !e.Outbound && e.SenderID == peer {
			advance(e, protocol.StateSeen)
		}
	}
	if s.state == StateConnected && s.w.push(protocol.Seen{PeerID: peer}) {
		return nil
	}
	s.queueSeenLocked(peer)
	return nil
}

func (s *Session) queueSeenLocked(peer string) {
	for _, p := range s.pendingSeen {
		if p == peer {
			return
		}
	}
	s.pendingSeen = append(s.pendingSeen, peer)
}

// Messages returns a copy of the local buffer in arrival order.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

// Conversation returns the buffered messages exchanged with peer.
func (s *Session) Conversation(peer string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.SenderID == peer || e.ReceiverID == peer {
			out = append(out, *e)
		}
	}
	return out
}

// ─── Connection lifecycle ─────────────────────────────────────────────────────

// dialLocked moves to Connecting and dials in the background.
func (s *Session) dialLocked() {
	s.gen++
	gen := s.gen
	token := s.token
	s.setStateLocked(StateConnecting)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
		defer cancel()
		conn, err := s.cfg.Transport.Dial(ctx, s.cfg.URL, token)
		s.onDial(gen, conn, err)
	}()
}

func (s *Session) onDial(gen uint64, conn Conn, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.failLocked(err, true)
		s.mu.Unlock()
		s.drain()
		return
	}

	s.conn = conn
	s.w = newFrameWriter(conn, s.requeueSeen)
	s.attempts = 0
	s.exhausted = false
	s.setStateLocked(StateConnected)
	s.flushLocked()
	s.mu.Unlock()
	s.drain()

	go s.readLoop(gen, conn)
}

// flushLocked queues every pending entry in FIFO order, then any queued seen
// frames, ahead of anything sent later.
func (s *Session) flushLocked() {
	var frames []protocol.ClientFrame
	for _, e := range s.entries {
		if e.Status == StatusPending {
			frames = append(frames, sendFrame(e))
		}
	}
	for _, peer := range s.pendingSeen {
		frames = append(frames, protocol.Seen{PeerID: peer})
	}
	s.pendingSeen = nil
	s.w.push(frames...)
}

// requeueSeen keeps seen frames that never reached the socket for the next
// connection. Unwritten sends need nothing: their entries are still pending.
func (s *Session) requeueSeen(frames []protocol.ClientFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range frames {
		if seen, ok := f.(protocol.Seen); ok {
			s.queueSeenLocked(seen.PeerID)
		}
	}
}

func (s *Session) stopWriterLocked() {
	if s.w != nil {
		s.w.stop()
		s.w = nil
	}
}

func (s *Session) readLoop(gen uint64, conn Conn) {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			_ = conn.Close()
			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			s.conn = nil
			s.stopWriterLocked()
			s.failLocked(err, false)
			s.mu.Unlock()
			s.drain()
			return
		}

		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.applyLocked(f)
		if cb := s.cfg.OnFrame; cb != nil {
			s.notifyLocked(func() { cb(f) })
		}
		s.mu.Unlock()
		s.drain()
	}
}

// failLocked handles a failed dial (connecting) or a dropped connection.
// Only failed dials count toward MaxReconnectAttempts: a drop starts the
// reconnect sequence with the full budget.
func (s *Session) failLocked(err error, connecting bool) {
	if closeCode(err) == protocol.CloseAuthFailed {
		s.failPendingLocked()
		s.setStateLocked(StateAuthFailed)
		s.emitLocked(ErrAuthFailed)
		return
	}

	if connecting {
		s.attempts++
		if s.attempts >= s.cfg.MaxReconnectAttempts {
			s.failPendingLocked()
			s.setStateLocked(StateReconnectExhausted)
			if !s.exhausted {
				s.exhausted = true
				s.emitLocked(ErrReconnectExhausted)
			}
			return
		}
	}

	s.setStateLocked(StateDisconnected)
	gen := s.gen
	delay := Backoff(s.cfg.BaseDelay, s.cfg.MaxDelay, s.attempts)
	s.timer = time.AfterFunc(delay, func() { s.reconnect(gen) })
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.dialLocked()
	s.mu.Unlock()
	s.drain()
}

func (s *Session) failPendingLocked() {
	for _, e := range s.entries {
		if e.Status == StatusPending {
			e.Status = StatusFailed
		}
	}
}

// ─── Inbound frames ───────────────────────────────────────────────────────────

func (s *Session) applyLocked(f protocol.ServerFrame) {
	switch f := f.(type) {
	case protocol.Connected:
		s.self = f.PeerID
		for _, e := range s.entries {
			if e.Outbound && e.SenderID == "" {
				e.SenderID = f.PeerID
			}
		}

	case protocol.MessageFrame:
		s.reconcileLocked(f.Message)

	case protocol.DeliveryReceipt:
		if e, ok := s.byID[f.MessageID]; ok {
			advance(e, protocol.StateDelivered)
		}

	case protocol.SeenReceipt:
		for _, e := range s.entries {
			if e.ID != "" && e.SenderID == f.SenderID && e.ReceiverID == f.ReceiverID && e.CreatedAt <= f.Timestamp {
				advance(e, protocol.StateSeen)
			}
		}
	}
}

// reconcileLocked merges a canonical message into the buffer. A message
// already present by ID only advances its state. Otherwise it replaces the
// pending entry with the same clientId or, for frames without a clientId and
// unless StrictReconcile is set, the first pending entry with the same text
// and recipient. Anything else is appended.
func (s *Session) reconcileLocked(m protocol.Message) {
	if e, ok := s.byID[m.ID]; ok {
		advance(e, m.DeliveryState)
		return
	}

	var target *Entry
	if m.ClientID != "" {
		if e, ok := s.byClientID[m.ClientID]; ok && e.ID == "" {
			target = e
		}
	} else if !s.cfg.StrictReconcile && m.SenderID == s.self {
		for _, e := range s.entries {
			if e.Outbound && e.ID == "" && e.Status == StatusPending &&
				e.Text == m.Text && e.ReceiverID == m.ReceiverID {
				target = e
				break
			}
		}
	}

	if target != nil {
		target.Message = m
		target.Status = StatusConfirmed
		s.byID[m.ID] = target
		return
	}

	e := &Entry{Message: m, Status: StatusConfirmed, Outbound: m.SenderID == s.self}
	s.entries = append(s.entries, e)
	s.byID[m.ID] = e
}

// advance raises e's delivery state to state; it never lowers it.
func advance(e *Entry, state string) {
	if protocol.StateRank(state) > protocol.StateRank(e.DeliveryState) {
		e.DeliveryState = state
	}
}

func sendFrame(e *Entry) protocol.SendMessage {
	return protocol.SendMessage{Text: e.Text, ReceiverID: e.ReceiverID, ClientID: e.ClientID}
}

// ─── Notifications ────────────────────────────────────────────────────────────

// Callbacks are queued while s.mu is held, so the queue order is the order
// the events happened, and run later by drain with no lock held.

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if cb := s.cfg.OnStateChange; cb != nil {
		s.notifyLocked(func() { cb(st) })
	}
}

func (s *Session) emitLocked(err error) {
	if cb := s.cfg.OnError; cb != nil {
		s.notifyLocked(func() { cb(err) })
	}
}

func (s *Session) notifyLocked(fn func()) {
	s.noteMu.Lock()
	s.notes = append(s.notes, fn)
	s.noteMu.Unlock()
}

// drain runs queued callbacks until the queue is empty. Only one goroutine
// drains at a time; a caller that finds a drain in progress returns at once
// and its callbacks run on the draining goroutine, including callbacks
// queued from inside a callback.
func (s *Session) drain() {
	s.noteMu.Lock()
	if s.draining {
		s.noteMu.Unlock()
		return
	}
	s.draining = true
	for len(s.notes) > 0 {
		fn := s.notes[0]
		s.notes = s.notes[1:]
		s.noteMu.Unlock()
		fn()
		s.noteMu.Lock()
	}
	s.draining = false
	s.noteMu.Unlock()
}
