package dto

import (
	"strings"
	"time"

	"github.com/spec-kit/storefront-chat/internal/domain"
)

// ChatActionRequest carries the parameters of every chat action. The same
// struct is filled from a form, multipart, JSON body or query string.
type ChatActionRequest struct {
	Action        string `json:"action" form:"action" query:"action"`
	SessionID     int64  `json:"session_id" form:"session_id" query:"session_id"`
	LastMessageID int64  `json:"last_message_id" form:"last_message_id" query:"last_message_id"`
	MessageID     int64  `json:"message_id" form:"message_id" query:"message_id"`
	Message       string `json:"message" form:"message" query:"message"`
	Status        string `json:"status" form:"status" query:"status"`
	Mine          bool   `json:"mine" form:"mine" query:"mine"`
	Limit         int    `json:"limit" form:"limit" query:"limit"`
}

// Statuses splits the comma separated status filter.
func (r ChatActionRequest) Statuses() []domain.SessionStatus {
	if strings.TrimSpace(r.Status) == "" {
		return nil
	}
	parts := strings.Split(r.Status, ",")
	out := make([]domain.SessionStatus, 0, len(parts))
	for _, part := range parts {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, domain.SessionStatus(part))
		}
	}
	return out
}

// MessageView is one transcript entry as returned by get_messages.
type MessageView struct {
	ID         int64            `json:"id"`
	SenderType domain.ActorRole `json:"sender_type"`
	SenderID   *int64           `json:"sender_id"`
	Message    string           `json:"message"`
	CreatedAt  time.Time        `json:"created_at"`
}

// SessionView describes a chat session.
type SessionView struct {
	ID         int64                `json:"id"`
	CustomerID int64                `json:"customer_id"`
	AgentID    *int64               `json:"agent_id"`
	Status     domain.SessionStatus `json:"status"`
	CreatedAt  time.Time            `json:"created_at"`
	ClosedAt   *time.Time           `json:"closed_at,omitempty"`
}

// SessionSummaryView is a row of get_session_list.
type SessionSummaryView struct {
	ID             int64                `json:"id"`
	CustomerID     int64                `json:"customer_id"`
	CustomerName   string               `json:"customer_name"`
	AgentID        *int64               `json:"agent_id"`
	Status         domain.SessionStatus `json:"status"`
	UnreadCount    int                  `json:"unread_count"`
	CreatedAt      time.Time            `json:"created_at"`
	LastActivityAt time.Time            `json:"last_activity_at"`
}

// NotificationView is an entry of the notification feed.
type NotificationView struct {
	ID        int64                   `json:"id"`
	Kind      domain.NotificationKind `json:"kind"`
	SessionID *int64                  `json:"session_id,omitempty"`
	Body      string                  `json:"body"`
	CreatedAt time.Time               `json:"created_at"`
	Read      bool                    `json:"read"`
}

// NewMessageViews maps transcript messages, never returning nil.
func NewMessageViews(msgs []domain.ChatMessage) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageView{
			ID:         m.ID,
			SenderType: m.SenderType,
			SenderID:   m.SenderID,
			Message:    m.Body,
			CreatedAt:  m.CreatedAt,
		})
	}
	return out
}

// NewSessionView maps a session; nil maps to nil.
func NewSessionView(s *domain.ChatSession) *SessionView {
	if s == nil {
		return nil
	}
	return &SessionView{
		ID:         s.ID,
		CustomerID: s.CustomerID,
		AgentID:    s.AgentID,
		Status:     s.Status,
		CreatedAt:  s.CreatedAt,
		ClosedAt:   s.ClosedAt,
	}
}

// NewSessionSummaryViews maps the agent session list.
func NewSessionSummaryViews(list []domain.SessionSummary) []SessionSummaryView {
	out := make([]SessionSummaryView, 0, len(list))
	for _, s := range list {
		out = append(out, SessionSummaryView{
			ID:             s.ID,
			CustomerID:     s.CustomerID,
			CustomerName:   s.CustomerName,
			AgentID:        s.AgentID,
			Status:         s.Status,
			UnreadCount:    s.UnreadCount,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
		})
	}
	return out
}

// NewNotificationViews maps the notification feed.
func NewNotificationViews(list []domain.Notification) []NotificationView {
	out := make([]NotificationView, 0, len(list))
	for _, n := range list {
		out = append(out, NotificationView{
			ID:        n.ID,
			Kind:      n.Kind,
			SessionID: n.SessionID,
			Body:      n.Body,
			CreatedAt: n.CreatedAt,
			Read:      n.ReadAt != nil,
		})
	}
	return out
}
