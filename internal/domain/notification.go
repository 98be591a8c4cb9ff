package domain

import "time"

// NotificationKind classifies notification rows.
type NotificationKind string

const (
	NotificationChatRequested NotificationKind = "chat_requested"
	NotificationChatMessage   NotificationKind = "chat_message"
	NotificationChatAccepted  NotificationKind = "chat_accepted"
	NotificationChatDeclined  NotificationKind = "chat_declined"
	NotificationChatClosed    NotificationKind = "chat_closed"
)

// Notification is an entry in a customer's or agent's notification feed.
// A nil RecipientID with RecipientRole admin addresses every agent.
type Notification struct {
	ID            int64
	RecipientRole ActorRole
	RecipientID   *int64
	Kind          NotificationKind
	SessionID     *int64
	Body          string
	CreatedAt     time.Time
	ReadAt        *time.Time
}
