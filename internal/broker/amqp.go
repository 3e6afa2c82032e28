package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultAMQPExchange is the fanout exchange shared by every instance.
const DefaultAMQPExchange = "chat.events"

const (
	defaultAMQPRetry = time.Second
	maxAMQPRetry     = 30 * time.Second
)

// AMQP is a Broker on a RabbitMQ fanout exchange. Each instance binds its own
// exclusive, auto-delete queue, so every instance receives every event and the
// queue disappears with the connection.
//
// When the connection or one of its channels is lost the broker re-dials
// with linear backoff, declares the exchange again and, if a subscription is
// active, binds a fresh queue and resumes consuming. Events published by
// other instances while the connection is down are not seen here; the
// delivery resync heals them. Publish fails fast until the connection is
// back.
type AMQP struct {
	url      string
	exchange string
	origin   string
	retry    time.Duration

	pubMu sync.Mutex

	mu      sync.Mutex
	conn    *amqp.Connection
	pub     *amqp.Channel
	handler Handler
	subCtx  context.Context
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ Broker = (*AMQP)(nil)

// AMQPOption configures an AMQP broker.
type AMQPOption func(*AMQP)

// WithAMQPExchange overrides DefaultAMQPExchange.
func WithAMQPExchange(name string) AMQPOption {
	return func(a *AMQP) {
		if name != "" {
			a.exchange = name
		}
	}
}

// WithAMQPReconnectDelay sets the base reconnect delay (default 1s). The
// delay grows linearly with each failed attempt up to 30s.
func WithAMQPReconnectDelay(d time.Duration) AMQPOption {
	return func(a *AMQP) {
		if d > 0 {
			a.retry = d
		}
	}
}

// DialAMQP connects to amqpURL and declares the exchange.
func DialAMQP(amqpURL, origin string, opts ...AMQPOption) (*AMQP, error) {
	a := &AMQP{
		url:      amqpURL,
		exchange: DefaultAMQPExchange,
		origin:   origin,
		retry:    defaultAMQPRetry,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if err := a.connect(); err != nil {
		return nil, err
	}
	return a, nil
}

// ─── Connection lifecycle ────────────────────────────────────────────────────

// connect dials, declares the exchange, restores the subscription if one is
// active and starts watching the new connection.
func (a *AMQP) connect() error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("broker: amqp dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("broker: amqp channel: %w", err)
	}
	if err := pub.ExchangeDeclare(a.exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("broker: declare exchange %s: %w", a.exchange, err)
	}
	connLost := conn.NotifyClose(make(chan *amqp.Error, 1))
	pubLost := pub.NotifyClose(make(chan *amqp.Error, 1))

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		_ = conn.Close()
		return ErrClosed
	}
	if a.handler != nil {
		if err := a.consumeLocked(a.subCtx, conn, a.handler); err != nil {
			_ = conn.Close()
			return err
		}
	}
	a.conn, a.pub = conn, pub

	a.wg.Add(1)
	go a.watch(conn, connLost, pubLost)
	return nil
}

// watch waits for conn or its publish channel to go away and then reconnects
// until it succeeds or the broker is closed.
func (a *AMQP) watch(conn *amqp.Connection, connLost, pubLost <-chan *amqp.Error) {
	defer a.wg.Done()

	var cause *amqp.Error
	select {
	case <-a.done:
		return
	case cause = <-connLost:
	case cause = <-pubLost:
		// A dead channel on a live connection: drop the connection so the
		// subscription is rebuilt as well.
		_ = conn.Close()
	}
	if a.isClosed() {
		return
	}
	slog.Warn("broker: amqp connection lost, reconnecting", "exchange", a.exchange, "err", cause)

	for attempt := 1; ; attempt++ {
		select {
		case <-a.done:
			return
		case <-time.After(min(a.retry*time.Duration(attempt), maxAMQPRetry)):
		}
		err := a.connect()
		if err == nil {
			slog.Info("broker: amqp reconnected", "exchange", a.exchange, "attempt", attempt)
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}
		slog.Warn("broker: amqp reconnect failed", "attempt", attempt, "err", err)
	}
}

func (a *AMQP) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// ─── Publish / Subscribe ─────────────────────────────────────────────────────

// Publish implements Broker.
func (a *AMQP) Publish(ctx context.Context, ev Event) error {
	a.mu.Lock()
	closed, pub := a.closed, a.pub
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := Encode(a.origin, ev)
	if err != nil {
		return err
	}

	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	err = pub.PublishWithContext(ctx, a.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Type:        ev.EventType(),
		AppId:       a.origin,
		Timestamp:   time.Now(),
		Body:        data,
	})
	if err != nil {
		return fmt.Errorf("broker: amqp publish: %w", err)
	}
	return nil
}

// Subscribe implements Broker. The subscription survives reconnects until
// ctx is cancelled.
func (a *AMQP) Subscribe(ctx context.Context, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.handler != nil {
		return ErrAlreadySubscribed
	}
	if err := a.consumeLocked(ctx, a.conn, h); err != nil {
		return err
	}
	a.handler, a.subCtx = h, ctx
	return nil
}

// consumeLocked binds a fresh exclusive queue on conn and starts delivering
// from it to h.
func (a *AMQP) consumeLocked(ctx context.Context, conn *amqp.Connection, h Handler) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("broker: declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", a.exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("broker: bind %s to %s: %w", q.Name, a.exchange, err)
	}
	tag := "epochchat-" + a.origin
	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("broker: consume %s: %w", q.Name, err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				a.mu.Lock()
				a.handler, a.subCtx = nil, nil
				a.mu.Unlock()
				_ = ch.Close()
				return
			case d, ok := <-deliveries:
				if !ok {
					// The channel died. Closing the connection hands recovery
					// to the watcher.
					_ = conn.Close()
					return
				}
				env, err := Decode(d.Body)
				if err != nil {
					slog.Warn("broker: dropping undecodable amqp event", "queue", q.Name, "err", err)
					continue
				}
				h(ctx, env)
			}
		}
	}()

	slog.Info("broker: amqp subscription active", "exchange", a.exchange, "queue", q.Name, "origin", a.origin)
	return nil
}

// Close implements Broker.
func (a *AMQP) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	conn := a.conn
	a.mu.Unlock()

	// Closing the connection closes every channel and ends the delivery
	// loop.
	err := conn.Close()
	a.wg.Wait()
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
