package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/storefront-chat/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventSessionCreated       EventType = "chat_session_created"
	EventSessionStatusChanged EventType = "chat_session_status_changed"
	EventMessageAdded         EventType = "chat_message_added"
)

// Actor encapsulates actor metadata for an event. ID is nil for system actors.
type Actor struct {
	Role domain.ActorRole `json:"role"`
	ID   *int64           `json:"id,omitempty"`
}

// Event represents a domain event emitted by services.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	SessionID int64           `json:"session_id"`
	Actor     Actor           `json:"actor"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// SessionCreatedPayload payload.
type SessionCreatedPayload struct {
	CustomerID   int64  `json:"customer_id"`
	CustomerName string `json:"customer_name"`
}

// SessionStatusChangedPayload payload. Reason is one of accepted, declined,
// ended or timeout.
type SessionStatusChangedPayload struct {
	CustomerID int64                `json:"customer_id"`
	AgentID    *int64               `json:"agent_id,omitempty"`
	AgentName  string               `json:"agent_name,omitempty"`
	OldStatus  domain.SessionStatus `json:"old_status"`
	NewStatus  domain.SessionStatus `json:"new_status"`
	Reason     string               `json:"reason"`
}

// MessageAddedPayload payload.
type MessageAddedPayload struct {
	CustomerID  int64            `json:"customer_id"`
	AgentID     *int64           `json:"agent_id,omitempty"`
	MessageID   int64            `json:"message_id"`
	SenderType  domain.ActorRole `json:"sender_type"`
	BodyPreview string           `json:"body_preview"`
}

// NewEvent stamps an event with a fresh id and encodes payload.
func NewEvent(eventType EventType, sessionID int64, actor Actor, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: sessionID,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Decode unmarshals the event payload into dst.
func (e Event) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	return json.Unmarshal(e.Payload, dst)
}
