package rendezvous

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn abstracts a WebSocket connection for testability.
// This interface is satisfied by *websocket.Conn from gorilla/websocket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// WebSocket message types used by watchers
const (
	TextMessage = websocket.TextMessage
	PingMessage = websocket.PingMessage
)

// Watcher is an admin client subscribed to the event feed. Events are queued
// and written by WritePump so publishers never block on the socket.
type Watcher struct {
	ID          string
	ConnectedAt time.Time

	conn    Conn
	queue   chan *Event
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.Mutex // Protects closed and queue sends
	closed bool
}

// NewWatcher creates a watcher with a queue of queueSize events.
func NewWatcher(id string, conn Conn, queueSize int) *Watcher {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Watcher{
		ID:          id,
		ConnectedAt: time.Now(),
		conn:        conn,
		queue:       make(chan *Event, queueSize),
		done:        make(chan struct{}),
	}
}

// Enqueue queues an event without blocking. It reports false when the
// watcher is closed or its queue is full; full-queue drops are counted.
func (w *Watcher) Enqueue(e *Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}

	select {
	case w.queue <- e:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (w *Watcher) Dropped() uint64 {
	return w.dropped.Load()
}

// WritePump writes queued events and periodic pings until the watcher is
// closed or a write fails.
func (w *Watcher) WritePump(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case e := <-w.queue:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteMessage(TextMessage, data); err != nil {
				w.Close()
				return
			}

		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteMessage(PingMessage, nil); err != nil {
				w.Close()
				return
			}
		}
	}
}

// Close closes the watcher's connection.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// IsClosed returns whether the watcher has been closed.
func (w *Watcher) IsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
