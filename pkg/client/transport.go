package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

// Transport opens connections to the session gateway.
type Transport interface {
	Dial(ctx context.Context, gatewayURL, token string) (Conn, error)
}

// Conn is one open gateway connection. ReadFrame is called from a single
// goroutine; WriteFrame calls are serialised by the Session.
type Conn interface {
	// ReadFrame blocks for the next frame. When the server closes the
	// connection the error is a *CloseError.
	ReadFrame() (protocol.ServerFrame, error)
	WriteFrame(f protocol.ClientFrame) error
	Close() error
}

// CloseError reports a close frame received from the server.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("epochchat: connection closed (%d %s)", e.Code, e.Reason)
}

// closeCode extracts the close code from err, or 0.
func closeCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// ─── gorilla/websocket transport ─────────────────────────────────────────────

// WebSocketTransport dials the gateway with gorilla/websocket and passes the
// token as the "token" query parameter.
type WebSocketTransport struct {
	Dialer       *gorillaws.Dialer
	WriteTimeout time.Duration
}

// DefaultTransport is used when Config.Transport is nil.
var DefaultTransport Transport = &WebSocketTransport{
	Dialer:       gorillaws.DefaultDialer,
	WriteTimeout: 10 * time.Second,
}

// Dial implements Transport.
func (t *WebSocketTransport) Dial(ctx context.Context, gatewayURL, token string) (Conn, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("epochchat: gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	d := t.Dialer
	if d == nil {
		d = gorillaws.DefaultDialer
	}
	ws, resp, err := d.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("epochchat: dial %s: %w (HTTP %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("epochchat: dial %s: %w", u.Host, err)
	}
	return &wsConn{ws: ws, writeTimeout: t.WriteTimeout}, nil
}

type wsConn struct {
	ws           *gorillaws.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) ReadFrame() (protocol.ServerFrame, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *gorillaws.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		f, err := protocol.DecodeServerFrame(data)
		if err != nil {
			// Frames from a newer server version are skipped.
			if errors.Is(err, protocol.ErrUnknownFrame) {
				continue
			}
			return nil, err
		}
		return f, nil
	}
}

func (c *wsConn) WriteFrame(f protocol.ClientFrame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(gorillaws.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	msg := gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "")
	_ = c.ws.WriteControl(gorillaws.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
