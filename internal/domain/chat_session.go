package domain

import "time"

// SessionStatus enumerates chat session lifecycle states.
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "pending"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusClosed  SessionStatus = "closed"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusPending, SessionStatusActive, SessionStatusClosed:
		return true
	}
	return false
}

// ChatSession is one customer-support conversation.
type ChatSession struct {
	ID         int64
	CustomerID int64
	AgentID    *int64
	Status     SessionStatus
	CreatedAt  time.Time
	ClosedAt   *time.Time
}

// IsClosed reports whether the session reached its terminal state.
func (s *ChatSession) IsClosed() bool {
	return s.Status == SessionStatusClosed
}

// SessionSummary is a row of the agent session list.
type SessionSummary struct {
	ID             int64
	CustomerID     int64
	CustomerName   string
	AgentID        *int64
	Status         SessionStatus
	UnreadCount    int
	CreatedAt      time.Time
	LastActivityAt time.Time
}

var allowedTransitions = map[SessionStatus][]SessionStatus{
	SessionStatusPending: {SessionStatusActive, SessionStatusClosed},
	SessionStatusActive:  {SessionStatusClosed},
	SessionStatusClosed:  {},
}

// CanTransition reports whether current may move to next.
func CanTransition(current, next SessionStatus) bool {
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}
