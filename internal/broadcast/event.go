package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventConnectionEstablished is the synthetic event sent to every new
// subscriber after its replay.
const EventConnectionEstablished = "connection-established"

var (
	// ErrHubClosed is returned once the hub has been shut down.
	ErrHubClosed = errors.New("broadcast: hub closed")
	// ErrSubscriberFailed is returned when a channel fails during replay.
	ErrSubscriberFailed = errors.New("broadcast: subscriber failed during replay")
	// ErrInvalidEvent flags an unusable publish request.
	ErrInvalidEvent = errors.New("broadcast: invalid event")
)

// Message is what publishers hand to the hub.
type Message struct {
	EventType string
	SessionID *string
	Payload   any
}

// Event is the stable wire envelope delivered to subscribers.
type Event struct {
	EventType  string  `json:"eventType"`
	ResourceID string  `json:"resourceId"`
	SessionID  *string `json:"sessionId"`
	Payload    any     `json:"payload"`
	SequenceID string  `json:"sequenceId"`
	Timestamp  int64   `json:"timestamp"`
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// visibleTo reports whether a subscriber bound to session should see e on
// replay: resource-wide events always, scoped events only for their session.
func (e Event) visibleTo(session *string) bool {
	if e.SessionID == nil {
		return true
	}
	return session != nil && *session == *e.SessionID
}

func sequenceID(resourceID, eventType string, ts time.Time, seq uint64) string {
	return fmt.Sprintf("%s:%s:%d:%d", resourceID, eventType, ts.UnixMilli(), seq)
}

// StoredEvent is a buffered event plus its encoded envelope.
type StoredEvent struct {
	Event
	Data []byte
}

func encode(ev Event) (StoredEvent, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("broadcast: encode %s: %w", ev.EventType, err)
	}
	return StoredEvent{Event: ev, Data: data}, nil
}

// Channel is a push transport for one subscriber. Send must not block on a
// slow peer; an error means the peer is gone. Close ends the transport and
// may be called more than once.
type Channel interface {
	Send(name, id string, data []byte) error
	Close(reason CloseReason)
}

// CloseReason records why a subscription ended.
type CloseReason string

const (
	CloseCompleted CloseReason = "completed"
	CloseTimeout   CloseReason = "timeout"
	CloseError     CloseReason = "error"
	CloseForced    CloseReason = "forced"
	CloseShutdown  CloseReason = "shutdown"
)

// StrPtr returns a pointer to s, or nil when s is empty.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
