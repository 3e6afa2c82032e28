package broker

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is an in-process fan-out shared by one or more Memory brokers. Each
// attached broker behaves like a separate gateway instance, so tests can run
// several instances inside one process.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Memory]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Memory]Handler)}
}

// Attach returns a new broker on the bus that stamps origin on its events.
func (b *Bus) Attach(origin string) *Memory {
	return &Memory{bus: b, origin: origin}
}

func (b *Bus) snapshot() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hs := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		hs = append(hs, h)
	}
	return hs
}

// Memory is a Broker backed by a Bus.
//
// Publish encodes the event and delivers a decoded copy to every subscriber
// synchronously, in the publishing goroutine. Handlers that publish again are
// fine: no lock is held while a handler runs.
type Memory struct {
	bus    *Bus
	origin string

	mu         sync.Mutex
	subscribed bool
	closed     bool
}

var _ Broker = (*Memory)(nil)

// NewMemory returns a single-instance broker on a private bus.
func NewMemory(origin string) *Memory {
	return NewBus().Attach(origin)
}

// Publish implements Broker.
func (m *Memory) Publish(ctx context.Context, ev Event) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := Encode(m.origin, ev)
	if err != nil {
		return err
	}
	for _, h := range m.bus.snapshot() {
		env, err := Decode(data)
		if err != nil {
			return err
		}
		h(ctx, env)
	}
	return nil
}

// Subscribe implements Broker.
func (m *Memory) Subscribe(ctx context.Context, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.subscribed {
		return ErrAlreadySubscribed
	}
	m.subscribed = true

	m.bus.mu.Lock()
	m.bus.subs[m] = h
	m.bus.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.detach()
	}()
	slog.Debug("broker: memory subscription active", "origin", m.origin)
	return nil
}

// Close implements Broker.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.detach()
	return nil
}

func (m *Memory) detach() {
	m.bus.mu.Lock()
	delete(m.bus.subs, m)
	m.bus.mu.Unlock()
}
