package events

import "time"

// Event defines the contract for all gateway events.
type Event interface {
	// EventType returns the unique code for this event (e.g., "DOCUMENT_READY").
	EventType() string

	// Payload returns the data associated with the event.
	Payload() map[string]interface{}

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// BaseEvent is the standard implementation used across the gateway.
type BaseEvent struct {
	Type       string
	Data       map[string]interface{}
	OccurredAt time.Time
}

func (e BaseEvent) EventType() string {
	return e.Type
}

func (e BaseEvent) Payload() map[string]interface{} {
	return e.Data
}

func (e BaseEvent) Timestamp() time.Time {
	return e.OccurredAt
}

// NewSessionChanged describes a mutation of one conversation session.
// op names the store operation (created, message_appended, query_begun,
// event_applied, deleted).
func NewSessionChanged(sessionID, op string) BaseEvent {
	return BaseEvent{
		Type: "SESSION_CHANGED",
		Data: map[string]interface{}{
			"session_id": sessionID,
			"op":         op,
		},
		OccurredAt: time.Now(),
	}
}

// NewDocumentLifecycle describes a document reaching a terminal state.
func NewDocumentLifecycle(eventType, documentID, name, errorDetail string) BaseEvent {
	return BaseEvent{
		Type: eventType,
		Data: map[string]interface{}{
			"document_id":  documentID,
			"name":         name,
			"error_detail": errorDetail,
		},
		OccurredAt: time.Now(),
	}
}
