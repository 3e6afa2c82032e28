package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sneh-joshi/epochchat/internal/registry"
	"github.com/sneh-joshi/epochchat/internal/types"
	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

var (
	// ErrSessionClosed is returned by Send after the session has closed.
	ErrSessionClosed = errors.New("gateway: session closed")

	// ErrSendQueueFull is returned by Send when the peer is not reading fast
	// enough. The session is closed when this happens.
	ErrSendQueueFull = errors.New("gateway: send queue full")
)

// closeSlowConsumer is the standard "policy violation" close code.
const closeSlowConsumer = gorillaws.ClosePolicyViolation

type outbound struct {
	typ       string
	data      []byte
	onWritten func()
}

// session is one authenticated WebSocket connection.
//
// The socket has exactly one reader (the Accept goroutine) and one writer
// (writePump). Frames reach the writer through a bounded queue and are
// written in enqueue order. Accepted messages are published from a third
// goroutine (publishPump) so a slow broker never stalls reading.
type session struct {
	id   string
	peer string
	ws   *gorillaws.Conn
	gw   *Gateway

	send    chan outbound
	pubq    chan *types.Message
	done    chan struct{}
	limiter *rate.Limiter

	closeOnce sync.Once
}

var _ registry.Conn = (*session)(nil)

func newSession(gw *Gateway, ws *gorillaws.Conn, peer string) *session {
	s := &session{
		id:   uuid.NewString(),
		peer: peer,
		ws:   ws,
		gw:   gw,
		send: make(chan outbound, gw.cfg.SendQueueSize),
		pubq: make(chan *types.Message, gw.cfg.SendQueueSize),
		done: make(chan struct{}),
	}
	if gw.cfg.FrameRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(gw.cfg.FrameRate), gw.cfg.FrameBurst)
	}
	return s
}

func (s *session) ID() string     { return s.id }
func (s *session) PeerID() string { return s.peer }

// Send implements registry.Conn.
func (s *session) Send(f protocol.ServerFrame, onWritten func()) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	select {
	case s.send <- outbound{typ: f.FrameType(), data: data, onWritten: onWritten}:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		slog.Warn("gateway: slow consumer, closing", "peer", s.peer, "conn", s.id)
		if m := s.gw.metrics; m != nil {
			m.SlowConsumerClose.Inc()
		}
		_ = s.Close(closeSlowConsumer, "send queue full")
		return ErrSendQueueFull
	}
}

// replay enqueues page in order and blocks until the last frame has been
// written to the socket. Frames carry the Delivered state the messages move
// to once the page is written.
func (s *session) replay(page []*types.Message) error {
	written := make(chan struct{})
	for i, m := range page {
		var onWritten func()
		if i == len(page)-1 {
			onWritten = func() { close(written) }
		}
		f := messageFrame(m)
		f.DeliveryState = protocol.StateDelivered
		if err := s.Send(f, onWritten); err != nil {
			return err
		}
	}
	select {
	case <-written:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Close implements registry.Conn. Only the first call has any effect.
func (s *session) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		msg := gorillaws.FormatCloseMessage(code, reason)
		_ = s.ws.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(s.gw.cfg.WriteTimeout))
		err = s.ws.Close()
	})
	return err
}

// writePump is the only goroutine that writes data frames to the socket.
func (s *session) writePump() {
	defer s.gw.wg.Done()

	ticker := time.NewTicker(s.gw.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.gw.cfg.WriteTimeout))
			if err := s.ws.WriteMessage(gorillaws.TextMessage, out.data); err != nil {
				slog.Debug("gateway: write failed", "peer", s.peer, "conn", s.id, "err", err)
				_ = s.Close(gorillaws.CloseAbnormalClosure, "")
				return
			}
			if m := s.gw.metrics; m != nil {
				m.FramesOut.WithLabelValues(out.typ).Inc()
			}
			if out.onWritten != nil {
				s.gw.wg.Add(1)
				go func() {
					defer s.gw.wg.Done()
					out.onWritten()
				}()
			}

		case <-ticker.C:
			deadline := time.Now().Add(s.gw.cfg.WriteTimeout)
			if err := s.ws.WriteControl(gorillaws.PingMessage, nil, deadline); err != nil {
				_ = s.Close(gorillaws.CloseAbnormalClosure, "")
				return
			}

		case <-s.done:
			return
		}
	}
}

// publishPump publishes accepted messages in the order they were persisted.
// It drains pubq even after the socket closes: every queued message is
// already stored and must still reach its receiver.
func (s *session) publishPump() {
	defer s.gw.wg.Done()
	for msg := range s.pubq {
		_ = s.gw.Publish(s.gw.ctx, messageEvent(msg))
	}
}

// readPump blocks until the socket fails or closes, handing every data frame
// to the gateway.
func (s *session) readPump() {
	cfg := s.gw.cfg
	s.ws.SetReadLimit(cfg.MaxFrameBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				slog.Debug("gateway: read ended", "peer", s.peer, "conn", s.id, "err", err)
			}
			return
		}
		s.gw.onFrame(s, data)
	}
}

// enqueuePublish hands msg to publishPump. It blocks only while the publish
// queue is full.
func (s *session) enqueuePublish(msg *types.Message) {
	s.pubq <- msg
}

func (s *session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}
