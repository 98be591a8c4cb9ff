package domain

import "time"

// ChatMessage is an immutable entry of a session transcript. IDs increase
// monotonically across all sessions.
type ChatMessage struct {
	ID         int64
	SessionID  int64
	SenderType ActorRole
	SenderID   *int64
	Body       string
	CreatedAt  time.Time
}

// ReadCursor is the last message a role has seen in a session.
type ReadCursor struct {
	SessionID         int64
	Role              ActorRole
	LastReadMessageID int64
	UpdatedAt         time.Time
}
