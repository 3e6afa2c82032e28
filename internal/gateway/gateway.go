// Package gateway terminates client WebSocket connections.
//
// A Gateway authenticates each connection, registers it in the instance's
// Registry, persists the messages its peer sends and publishes them through
// the Broker. Its subscription callback, Dispatch, delivers every broker
// event to whichever of the addressed peers are connected to this instance.
//
// Connection lifecycle:
//
//	upgrade → verify token ─ fail → close 4001
//	        │
//	        └ ok → connected frame → Register (close superseded with 4000)
//	             → resync sweep → replay swept messages → read loop
//	             → Unregister (exact handle only)
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/sneh-joshi/epochchat/internal/broker"
	"github.com/sneh-joshi/epochchat/internal/config"
	"github.com/sneh-joshi/epochchat/internal/identity"
	"github.com/sneh-joshi/epochchat/internal/metrics"
	"github.com/sneh-joshi/epochchat/internal/registry"
	"github.com/sneh-joshi/epochchat/internal/storage"
	"github.com/sneh-joshi/epochchat/internal/tracker"
	"github.com/sneh-joshi/epochchat/internal/types"
	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

// Deps are the collaborators a Gateway needs. Store, Broker and Verifier are
// required.
type Deps struct {
	Store    storage.Store
	Broker   broker.Broker
	Verifier identity.Verifier
	// Registry defaults to a fresh registry.New().
	Registry *registry.Registry
	// Metrics may be nil.
	Metrics *metrics.Registry
}

// Gateway is safe for concurrent use. One Gateway serves one instance.
type Gateway struct {
	cfg      config.GatewayConfig
	store    storage.Store
	broker   broker.Broker
	verifier identity.Verifier
	registry *registry.Registry
	tracker  *tracker.Tracker
	metrics  *metrics.Registry
	upgrader gorillaws.Upgrader

	// ctx outlives individual connections: publishes and receipts triggered by
	// a session may finish after its socket is gone.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Gateway. It does not subscribe to the broker; call Start.
func New(cfg config.GatewayConfig, d Deps) (*Gateway, error) {
	if d.Store == nil || d.Broker == nil || d.Verifier == nil {
		return nil, errors.New("gateway: store, broker and verifier are required")
	}
	if d.Registry == nil {
		d.Registry = registry.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:      cfg,
		store:    d.Store,
		broker:   d.Broker,
		verifier: d.Verifier,
		registry: d.Registry,
		metrics:  d.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
	g.upgrader = gorillaws.Upgrader{
		CheckOrigin:     g.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}

	var topts []tracker.Option
	if d.Metrics != nil {
		topts = append(topts, tracker.WithMetrics(d.Metrics))
	}
	g.tracker = tracker.New(d.Store, g, topts...)
	return g, nil
}

// Start subscribes Dispatch to the broker. Delivery stops when ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.broker.Subscribe(ctx, g.handleEnvelope); err != nil {
		return fmt.Errorf("gateway: subscribe: %w", err)
	}
	return nil
}

// Registry returns the instance's connection registry.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Tracker returns the delivery tracker that publishes through this gateway.
func (g *Gateway) Tracker() *tracker.Tracker { return g.tracker }

// Shutdown closes every live connection with 1001 and waits for session
// goroutines to finish, or for ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	for _, c := range g.registry.Snapshot() {
		_ = c.Close(gorillaws.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	defer g.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Accept ──────────────────────────────────────────────────────────────────

// ServeHTTP makes the Gateway mountable as the WebSocket endpoint.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.Accept(w, r)
}

// Accept upgrades r and runs the connection until it closes.
func (g *Gateway) Accept(w http.ResponseWriter, r *http.Request) {
	peer, authErr := g.verifier.Verify(r.Context(), credential(r))
	if authErr == nil && !types.ValidPeerID(peer) {
		authErr = identity.ErrInvalidToken
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	if authErr != nil {
		slog.Info("gateway: authentication failed", "remote", r.RemoteAddr, "err", authErr)
		msg := gorillaws.FormatCloseMessage(protocol.CloseAuthFailed, "authentication failed")
		_ = ws.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(g.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}

	s := newSession(g, ws, peer)
	g.wg.Add(2)
	go s.writePump()
	go s.publishPump()
	if g.metrics != nil {
		g.metrics.Connections.Inc()
	}

	_ = s.Send(protocol.Connected{PeerID: peer}, nil)
	if prev := g.registry.Register(s); prev != nil {
		slog.Info("gateway: connection superseded", "peer", peer, "old", prev.ID(), "new", s.id)
		if g.metrics != nil {
			g.metrics.Superseded.Inc()
		}
		if g.cfg.CloseSuperseded {
			_ = prev.Close(protocol.CloseSuperseded, "superseded")
		}
	}
	slog.Info("gateway: peer connected", "peer", peer, "conn", s.id)

	g.replayPending(s)

	s.readPump()

	g.registry.Unregister(s)
	close(s.pubq)
	_ = s.Close(gorillaws.CloseNormalClosure, "")
	if g.metrics != nil {
		g.metrics.Connections.Dec()
	}
	slog.Info("gateway: peer disconnected", "peer", peer, "conn", s.id)
}

// replayPending writes every message still Sent to s's peer, a page at a
// time. Each page is marked Delivered only after its last frame reached the
// socket, so a backlog larger than the send queue is paced instead of
// overflowing it. A message that is also being dispatched live may arrive
// twice; clients drop duplicates by ID.
func (g *Gateway) replayPending(s *session) {
	page := max(1, g.cfg.SendQueueSize/2)
	n, err := g.tracker.Resync(g.ctx, s.peer, page, s.replay)
	if err != nil && !errors.Is(err, ErrSessionClosed) && !errors.Is(err, ErrSendQueueFull) {
		slog.Error("gateway: resync failed", "peer", s.peer, "delivered", n, "err", err)
	}
	if n > 0 {
		slog.Info("gateway: resync replayed", "peer", s.peer, "count", n)
	}
}

// credential returns the token from the "token" query parameter, or from an
// "Authorization: Bearer" header.
func credential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// checkOrigin accepts requests without an Origin header (native clients),
// same-origin requests (host comparison, scheme ignored) and any origin
// listed in gateway.allowed_origins. "*" allows everything.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Host == r.Host
}

// ─── Inbound frames ──────────────────────────────────────────────────────────

func (g *Gateway) onFrame(s *session, data []byte) {
	f, err := protocol.DecodeClientFrame(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownFrame) {
			g.reject(s, errUnknownType)
		} else {
			g.reject(s, errMalformed)
		}
		return
	}
	if g.metrics != nil {
		g.metrics.FramesIn.WithLabelValues(f.FrameType()).Inc()
	}
	if !s.allow() {
		g.reject(s, errRateLimited)
		return
	}

	switch f := f.(type) {
	case protocol.SendMessage:
		g.handleSend(s, f)
	case protocol.Seen:
		g.handleSeen(s, f)
	}
}

func (g *Gateway) handleSend(s *session, f protocol.SendMessage) {
	nm, err := validateSend(s.peer, f, g.cfg.MaxTextLength)
	if err != nil {
		g.reject(s, err)
		return
	}

	msg, err := g.store.CreateMessage(g.ctx, nm)
	if err != nil {
		slog.Error("gateway: persist failed", "peer", s.peer, "to", nm.ReceiverID, "err", err)
		g.reject(s, errNotSaved)
		return
	}
	if g.metrics != nil {
		g.metrics.Persisted.Inc()
	}
	slog.Debug("gateway: message accepted", "msg_id", msg.ID, "peer", s.peer, "to", msg.ReceiverID)
	s.enqueuePublish(msg)
}

func (g *Gateway) handleSeen(s *session, f protocol.Seen) {
	if err := validateSeen(s.peer, f); err != nil {
		g.reject(s, err)
		return
	}
	if _, err := g.tracker.MarkSeen(g.ctx, s.peer, f.PeerID); err != nil {
		slog.Error("gateway: mark seen failed", "peer", s.peer, "other", f.PeerID, "err", err)
		g.reject(s, errSeenFailed)
	}
}

// reject answers with an error frame. The connection stays open.
func (g *Gateway) reject(s *session, err error) {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		ve = &ValidationError{Reason: "internal", Message: err.Error()}
	}
	if g.metrics != nil {
		g.metrics.Rejected.WithLabelValues(ve.Reason).Inc()
	}
	_ = s.Send(protocol.Error{Message: ve.Message}, nil)
}
