package rendezvous

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

// MockConn is a mock WebSocket connection for testing. ReadMessage blocks
// until a message is enqueued or the connection is closed, like a real
// watcher that never sends anything.
type MockConn struct {
	mu          sync.Mutex
	closed      bool
	reads       chan []byte
	done        chan struct{}
	writeQueue  [][]byte
	pings       int
	writeErr    error
	pongHandler func(string) error
}

// NewMockConn creates a new mock connection.
func NewMockConn() *MockConn {
	return &MockConn{
		reads: make(chan []byte, 16),
		done:  make(chan struct{}),
	}
}

// WriteMessage implements Conn.
func (m *MockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("connection closed")
	}
	if m.writeErr != nil {
		return m.writeErr
	}

	if messageType == PingMessage {
		m.pings++
		return nil
	}

	// Store a copy of the data
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	m.writeQueue = append(m.writeQueue, dataCopy)
	return nil
}

// ReadMessage implements Conn.
func (m *MockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.reads:
		return TextMessage, data, nil
	case <-m.done:
		return 0, nil, errors.New("connection closed")
	}
}

// Close implements Conn.
func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// SetWriteDeadline implements Conn.
func (m *MockConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline implements Conn.
func (m *MockConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetReadLimit implements Conn.
func (m *MockConn) SetReadLimit(limit int64) {}

// SetPongHandler implements Conn.
func (m *MockConn) SetPongHandler(h func(appData string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

// --- Mock-specific methods for testing ---

// EnqueueRead adds a message to be returned by ReadMessage.
func (m *MockConn) EnqueueRead(data []byte) {
	m.reads <- data
}

// GetWritten returns all text messages written to the connection.
func (m *MockConn) GetWritten() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writeQueue...)
}

// Pings returns how many ping frames were written.
func (m *MockConn) Pings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// SetWriteError sets an error to be returned by WriteMessage.
func (m *MockConn) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// IsClosed returns whether the connection is closed.
func (m *MockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SimulatePong simulates receiving a pong message.
func (m *MockConn) SimulatePong() error {
	m.mu.Lock()
	handler := m.pongHandler
	m.mu.Unlock()

	if handler != nil {
		return handler("")
	}
	return nil
}

// writtenEvents decodes every text message as an Event.
func writtenEvents(t *testing.T, m *MockConn) []*Event {
	t.Helper()
	var events []*Event
	for _, data := range m.GetWritten() {
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			t.Fatalf("written message is not an event: %v", err)
		}
		events = append(events, &e)
	}
	return events
}

// --- Mock Upgrader ---

// MockUpgrader is a mock WebSocket upgrader for testing.
type MockUpgrader struct {
	mu          sync.Mutex
	Connections []*MockConn
	err         error
}

// NewMockUpgrader creates a new mock upgrader.
func NewMockUpgrader() *MockUpgrader {
	return &MockUpgrader{}
}

// Upgrade implements Upgrader.
func (m *MockUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	conn := NewMockConn()
	m.Connections = append(m.Connections, conn)
	return conn, nil
}

// SetError sets an error to be returned by Upgrade.
func (m *MockUpgrader) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// LastConnection returns the last connection created.
func (m *MockUpgrader) LastConnection() *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Connections) == 0 {
		return nil
	}
	return m.Connections[len(m.Connections)-1]
}
