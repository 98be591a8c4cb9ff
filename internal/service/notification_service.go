package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"

	"github.com/spec-kit/storefront-chat/internal/domain"
	"github.com/spec-kit/storefront-chat/internal/events"
	"github.com/spec-kit/storefront-chat/internal/repository"
	apperrors "github.com/spec-kit/storefront-chat/pkg/util"
)

const transcriptLimit = 1000

// NotificationService turns chat events into notification feed rows and
// transcript emails.
type NotificationService struct {
	dispatcher    events.Dispatcher
	notifications repository.NotificationRepository
	users         repository.UserRepository
	messages      repository.ChatMessageRepository
	mailer        Mailer
	logger        *zap.Logger
}

// NotificationDependencies bundles collaborators for the notification service.
type NotificationDependencies struct {
	Dispatcher       events.Dispatcher
	NotificationRepo repository.NotificationRepository
	UserRepo         repository.UserRepository
	MessageRepo      repository.ChatMessageRepository
	Mailer           Mailer
	Logger           *zap.Logger
}

// NewNotificationService creates the service.
func NewNotificationService(deps NotificationDependencies) *NotificationService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mailer := deps.Mailer
	if mailer == nil {
		mailer = &LogMailer{logger: logger}
	}
	return &NotificationService{
		dispatcher:    deps.Dispatcher,
		notifications: deps.NotificationRepo,
		users:         deps.UserRepo,
		messages:      deps.MessageRepo,
		mailer:        mailer,
		logger:        logger,
	}
}

// HandledEvents lists the event types the service reacts to.
func (n *NotificationService) HandledEvents() []events.EventType {
	return []events.EventType{
		events.EventSessionCreated,
		events.EventMessageAdded,
		events.EventSessionStatusChanged,
	}
}

// RegisterHandlers subscribes to events synchronously.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	for _, eventType := range n.HandledEvents() {
		n.dispatcher.Subscribe(eventType, n.Handle)
	}
}

// Handle routes one event to its handler.
func (n *NotificationService) Handle(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.EventSessionCreated:
		return n.handleSessionCreated(ctx, event)
	case events.EventMessageAdded:
		return n.handleMessageAdded(ctx, event)
	case events.EventSessionStatusChanged:
		return n.handleStatusChanged(ctx, event)
	}
	return nil
}

// List returns the caller's notification feed.
func (n *NotificationService) List(ctx context.Context, p *domain.Principal, unreadOnly bool, limit int) ([]domain.Notification, error) {
	if p == nil || !p.Role.Valid() {
		return nil, apperrors.NewUnauthorized("authentication required")
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	list, err := n.notifications.List(ctx, repository.NotificationFilter{
		Role:        p.Role,
		RecipientID: p.ActorID,
		UnreadOnly:  unreadOnly,
		Limit:       limit,
	})
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if list == nil {
		list = []domain.Notification{}
	}
	return list, nil
}

// MarkRead marks one of the caller's notifications as read.
func (n *NotificationService) MarkRead(ctx context.Context, p *domain.Principal, id int64) error {
	if p == nil || !p.Role.Valid() {
		return apperrors.NewUnauthorized("authentication required")
	}
	if err := n.notifications.MarkRead(ctx, id, p.Role, p.ActorID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NewNotFound("notification", map[string]any{"notification_id": id})
		}
		return apperrors.NewInternalError(err)
	}
	return nil
}

func (n *NotificationService) handleSessionCreated(ctx context.Context, event events.Event) error {
	var payload events.SessionCreatedPayload
	if err := event.Decode(&payload); err != nil {
		return err
	}
	n.logger.Info("ChatSessionCreated", zap.Int64("session_id", event.SessionID), zap.Int64("customer_id", payload.CustomerID))
	name := payload.CustomerName
	if name == "" {
		name = "A customer"
	}
	return n.notify(ctx, domain.RoleAdmin, nil, domain.NotificationChatRequested, event.SessionID,
		fmt.Sprintf("%s is waiting for support.", name))
}

func (n *NotificationService) handleMessageAdded(ctx context.Context, event events.Event) error {
	var payload events.MessageAddedPayload
	if err := event.Decode(&payload); err != nil {
		return err
	}
	n.logger.Debug("ChatMessageAdded",
		zap.Int64("session_id", event.SessionID),
		zap.Int64("message_id", payload.MessageID),
		zap.String("sender_type", string(payload.SenderType)))

	switch payload.SenderType {
	case domain.RoleCustomer:
		// unassigned sessions notify every agent
		return n.notify(ctx, domain.RoleAdmin, payload.AgentID, domain.NotificationChatMessage, event.SessionID,
			"New customer message: "+payload.BodyPreview)
	case domain.RoleAdmin:
		customerID := payload.CustomerID
		return n.notify(ctx, domain.RoleCustomer, &customerID, domain.NotificationChatMessage, event.SessionID,
			"Support replied: "+payload.BodyPreview)
	default:
		return nil
	}
}

func (n *NotificationService) handleStatusChanged(ctx context.Context, event events.Event) error {
	var payload events.SessionStatusChangedPayload
	if err := event.Decode(&payload); err != nil {
		return err
	}
	n.logger.Info("ChatSessionStatusChanged",
		zap.Int64("session_id", event.SessionID),
		zap.String("old_status", string(payload.OldStatus)),
		zap.String("new_status", string(payload.NewStatus)),
		zap.String("reason", payload.Reason))

	customerID := payload.CustomerID
	var err error
	switch payload.Reason {
	case ReasonAccepted:
		name := payload.AgentName
		if name == "" {
			name = "An agent"
		}
		err = n.notify(ctx, domain.RoleCustomer, &customerID, domain.NotificationChatAccepted, event.SessionID,
			name+" accepted your chat.")
	case ReasonDeclined:
		err = n.notify(ctx, domain.RoleCustomer, &customerID, domain.NotificationChatDeclined, event.SessionID,
			declineMessage)
	case ReasonTimeout:
		err = n.notify(ctx, domain.RoleCustomer, &customerID, domain.NotificationChatClosed, event.SessionID,
			timeoutMessage)
	case ReasonEnded:
		if event.Actor.Role == domain.RoleCustomer {
			if payload.AgentID != nil {
				err = n.notify(ctx, domain.RoleAdmin, payload.AgentID, domain.NotificationChatClosed, event.SessionID,
					customerEnded)
			}
		} else {
			err = n.notify(ctx, domain.RoleCustomer, &customerID, domain.NotificationChatClosed, event.SessionID,
				"Support ended the chat.")
		}
	}
	if err != nil {
		return err
	}

	if payload.NewStatus == domain.SessionStatusClosed {
		return n.sendTranscript(ctx, event.SessionID, customerID)
	}
	return nil
}

func (n *NotificationService) notify(ctx context.Context, role domain.ActorRole, recipientID *int64, kind domain.NotificationKind, sessionID int64, body string) error {
	sid := sessionID
	return n.notifications.Create(ctx, &domain.Notification{
		RecipientRole: role,
		RecipientID:   recipientID,
		Kind:          kind,
		SessionID:     &sid,
		Body:          body,
	})
}

func (n *NotificationService) sendTranscript(ctx context.Context, sessionID, customerID int64) error {
	if n.users == nil || n.messages == nil {
		return nil
	}
	user, err := n.users.GetByID(ctx, customerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	msgs, err := n.messages.ListAfter(ctx, sessionID, 0, transcriptLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	plain, htmlBody := renderTranscript(msgs)
	return n.mailer.Send(ctx, Mail{
		ToName:    user.Name,
		ToEmail:   user.Email,
		Subject:   fmt.Sprintf("Your support chat transcript (#%d)", sessionID),
		PlainText: plain,
		HTML:      htmlBody,
	})
}

func renderTranscript(msgs []domain.ChatMessage) (string, string) {
	var plain, rich strings.Builder
	rich.WriteString("<table>")
	for _, m := range msgs {
		who := senderLabel(m.SenderType)
		stamp := m.CreatedAt.UTC().Format("2006-01-02 15:04")
		fmt.Fprintf(&plain, "[%s] %s: %s\n", stamp, who, m.Body)
		fmt.Fprintf(&rich, "<tr><td>%s</td><td><b>%s</b></td><td>%s</td></tr>",
			stamp, who, strings.ReplaceAll(html.EscapeString(m.Body), "\n", "<br>"))
	}
	rich.WriteString("</table>")
	return plain.String(), rich.String()
}

func senderLabel(role domain.ActorRole) string {
	switch role {
	case domain.RoleCustomer:
		return "You"
	case domain.RoleAdmin:
		return "Support"
	default:
		return "System"
	}
}
