// Package rendezvous implements the UDP rendezvous service that pairs two
// registering peers and advertises each one's observed endpoint to the other.
// It also exposes an optional HTTP/WebSocket admin surface that reports
// pairing activity.
package rendezvous

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of pairing activity an Event reports
type EventType string

const (
	EventRegistered EventType = "REGISTERED" // First registrant of a cycle
	EventDuplicate  EventType = "DUPLICATE"  // Repeat from a registrant already waiting
	EventRejected   EventType = "REJECTED"   // Registration dropped (bad token)
	EventIntroduced EventType = "INTRODUCED" // Cycle closed, endpoints exchanged
	EventExpired    EventType = "EXPIRED"    // Pending cycle removed by the sweep
	EventHello      EventType = "HELLO"      // Sent to a watcher on connect
)

// Event is the JSON envelope streamed to admin watchers.
type Event struct {
	Type      EventType       `json:"type"`
	CycleID   string          `json:"cycle_id,omitempty"`
	Token     string          `json:"token,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithCycle sets the cycle id and token and returns the event for chaining
func (e *Event) WithCycle(id, token string) *Event {
	e.CycleID = id
	e.Token = token
	return e
}

// WithPayload sets the payload from any serializable value
func (e *Event) WithPayload(v any) *Event {
	data, err := json.Marshal(v)
	if err != nil {
		e.Payload = json.RawMessage(fmt.Sprintf(`{"error":"marshal failed: %v"}`, err))
		return e
	}
	e.Payload = data
	return e
}

// ParsePayload unmarshals the event payload into the provided type.
func (e *Event) ParsePayload(v any) error {
	if e.Payload == nil {
		return fmt.Errorf("event has no payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// --- Payload Types ---

// RegistrantPayload accompanies REGISTERED, DUPLICATE, REJECTED and EXPIRED.
type RegistrantPayload struct {
	Endpoint string `json:"endpoint"`
	Reason   string `json:"reason,omitempty"`
}

// IntroductionPayload accompanies INTRODUCED.
type IntroductionPayload struct {
	First  string `json:"first"`  // Registrant A
	Second string `json:"second"` // Registrant B
	WaitMS int64  `json:"wait_ms"`
}

// HelloPayload greets a new watcher.
type HelloPayload struct {
	WatcherID string `json:"watcher_id"`
	Mode      string `json:"mode"`
}
