package client

import (
	"sync"

	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

// frameWriter owns the write side of one Conn. Frames are queued without
// blocking and written in push order by a dedicated goroutine, so the
// session lock is never held across network I/O.
type frameWriter struct {
	conn Conn
	// dropped receives the frames that were queued but never written, after
	// a write error or stop. It runs on the writer goroutine.
	dropped func([]protocol.ClientFrame)

	mu     sync.Mutex
	queue  []protocol.ClientFrame
	closed bool
	wake   chan struct{}
}

func newFrameWriter(conn Conn, dropped func([]protocol.ClientFrame)) *frameWriter {
	w := &frameWriter{
		conn:    conn,
		dropped: dropped,
		wake:    make(chan struct{}, 1),
	}
	go w.run()
	return w
}

// push queues frames. It reports false once the writer has stopped; the
// frames are then not queued.
func (w *frameWriter) push(frames ...protocol.ClientFrame) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.queue = append(w.queue, frames...)
	w.signal()
	return true
}

// stop ends the writer. Frames still queued are handed to dropped.
func (w *frameWriter) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.signal()
}

func (w *frameWriter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *frameWriter) run() {
	for range w.wake {
		w.mu.Lock()
		batch, closed := w.queue, w.closed
		w.queue = nil
		w.mu.Unlock()

		if closed {
			w.drop(batch)
			return
		}
		for i, f := range batch {
			if err := w.conn.WriteFrame(f); err != nil {
				// The read loop sees the broken socket and reconnects.
				_ = w.conn.Close()
				w.mu.Lock()
				w.closed = true
				rest := append(batch[i:len(batch):len(batch)], w.queue...)
				w.queue = nil
				w.mu.Unlock()
				w.drop(rest)
				return
			}
		}
	}
}

func (w *frameWriter) drop(frames []protocol.ClientFrame) {
	if len(frames) > 0 && w.dropped != nil {
		w.dropped(frames)
	}
}
