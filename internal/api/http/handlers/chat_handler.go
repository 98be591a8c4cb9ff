package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/storefront-chat/internal/api/dto"
	"github.com/spec-kit/storefront-chat/internal/auth"
	"github.com/spec-kit/storefront-chat/internal/domain"
	"github.com/spec-kit/storefront-chat/internal/observability"
	"github.com/spec-kit/storefront-chat/internal/service"
	apperrors "github.com/spec-kit/storefront-chat/pkg/util"
)

// Chat action names accepted by the action endpoint.
const (
	ActionStartChat         = "start_chat"
	ActionGetCurrentSession = "get_current_session"
	ActionGetMessages       = "get_messages"
	ActionSendMessage       = "send_message"
	ActionAcceptChat        = "accept_chat"
	ActionDeclineChat       = "decline_chat"
	ActionEndChat           = "end_chat"
	ActionGetSessionList    = "get_session_list"
	ActionGetUnreadCount    = "get_unread_count"
	ActionMarkRead          = "mark_read"
)

type chatAction func(ctx context.Context, p *domain.Principal, req dto.ChatActionRequest) (fiber.Map, error)

// ChatHandler serves the chat action endpoint.
type ChatHandler struct {
	chat    *service.ChatService
	metrics *observability.Metrics
	actions map[string]chatAction
	reads   map[string]bool
}

// NewChatHandler constructs handler.
func NewChatHandler(chatService *service.ChatService, metrics *observability.Metrics) *ChatHandler {
	h := &ChatHandler{chat: chatService, metrics: metrics}
	h.actions = map[string]chatAction{
		ActionStartChat:         h.startChat,
		ActionGetCurrentSession: h.currentSession,
		ActionGetMessages:       h.getMessages,
		ActionSendMessage:       h.sendMessage,
		ActionAcceptChat:        h.acceptChat,
		ActionDeclineChat:       h.declineChat,
		ActionEndChat:           h.endChat,
		ActionGetSessionList:    h.sessionList,
		ActionGetUnreadCount:    h.unreadCount,
		ActionMarkRead:          h.markRead,
	}
	h.reads = map[string]bool{
		ActionGetCurrentSession: true,
		ActionGetMessages:       true,
		ActionGetSessionList:    true,
		ActionGetUnreadCount:    true,
	}
	return h
}

// Dispatch handles POST /api/chat/:action, POST /api/chat and GET for read actions.
func (h *ChatHandler) Dispatch(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("authentication required")
	}
	var req dto.ChatActionRequest
	if err := parseActionRequest(c, &req); err != nil {
		return err
	}
	name := strings.ToLower(strings.TrimSpace(c.Params("action", req.Action)))
	action, known := h.actions[name]
	if !known {
		return apperrors.NewValidationError("unknown action", map[string]any{"action": name})
	}
	if c.Method() == fiber.MethodGet && !h.reads[name] {
		return apperrors.NewValidationError("action requires POST", map[string]any{"action": name})
	}

	resp, err := action(c.UserContext(), principal, req)
	if err != nil {
		h.metrics.RecordChatAction(name, apperrors.ToDomainError(err).Code)
		return err
	}
	h.metrics.RecordChatAction(name, "ok")
	resp["success"] = true
	return c.JSON(resp)
}

func parseActionRequest(c *fiber.Ctx, req *dto.ChatActionRequest) error {
	if err := c.QueryParser(req); err != nil {
		return apperrors.NewValidationError("invalid query parameters", map[string]any{"error": err.Error()})
	}
	if c.Method() == fiber.MethodGet || len(c.Body()) == 0 {
		return nil
	}
	if err := c.BodyParser(req); err != nil {
		return apperrors.NewValidationError("invalid payload", map[string]any{"error": err.Error()})
	}
	return nil
}

func (h *ChatHandler) startChat(ctx context.Context, p *domain.Principal, _ dto.ChatActionRequest) (fiber.Map, error) {
	session, err := h.chat.StartSession(ctx, p)
	if err != nil {
		return nil, err
	}
	return fiber.Map{"session_id": session.ID, "session_status": session.Status}, nil
}

func (h *ChatHandler) currentSession(ctx context.Context, p *domain.Principal, _ dto.ChatActionRequest) (fiber.Map, error) {
	session, err := h.chat.CurrentSession(ctx, p)
	if err != nil {
		return nil, err
	}
	return fiber.Map{"session": dto.NewSessionView(session)}, nil
}

func (h *ChatHandler) getMessages(ctx context.Context, p *domain.Principal, req dto.ChatActionRequest) (fiber.Map, error) {
	if err := requireSessionID(req); err != nil {
		return nil, err
	}
	batch, err := h.chat.GetMessages(ctx, p, req.SessionID, req.LastMessageID)
	if err != nil {
		return nil, err
	}
	return fiber.Map{
		"messages":       dto.NewMessageViews(batch.Messages),
		"session_status": batch.Status,
	}, nil
}

func (h *ChatHandler) sendMessage(ctx context.Context, p *domain.Principal, req dto.ChatActionRequest) (fiber.Map, error) {
	if err := requireSessionID(req); err != nil {
		return nil, err
	}
	msg, err := h.chat.PostMessage(ctx, p, req.SessionID, req.Message)
	if err != nil {
		return nil, err
	}
	return fiber.Map{"message_id": msg.ID}, nil
}

func (h *ChatHandler) acceptChat(ctx context.Context, p *domain.Principal, req dto.ChatActionRequest) (fiber.Map, error) {
	if err := requireSessionID(req); err != nil {
		return nil, err
	}
	return transitionResponse(h.chat.AcceptSession(ctx, p, req.SessionID))
}

func (h *ChatHandler) declineChat(ctx context.Context, p *domain.Principal, req dto.ChatActionRequest) (fiber.Map, error) {
	if err := requireSessionID(req); err != nil {
		return nil, err
	}
	return transitionResponse(h.chat.DeclineSession(ctx, p, req.SessionID))
}

func (h *ChatHandler) endChat(ctx context.Context, p *domain.Principal, req dto.ChatActionRequest) (fiber.Map, error) {
	if err := requireSessionID(req); err != nil {
		return nil, err
	}
	return transitionResponse(h.chat.EndSession(ctx, p, req.SessionID))
}

func (h *ChatHandler) sessionList(ctx context.Context, p *domain.Principal, req dto.ChatActionRequest) (fiber.Map, error) {
	list, err := h.chat.ListSessions(ctx, p, service.SessionListFilter{
		Statuses: req.Statuses(),
		Mine:     req.Mine,
		Limit:    req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return fiber.Map{"sessions": dto.NewSessionSummaryViews(list)}, nil
}

func (h *ChatHandler) unreadCount(ctx context.Context, p *domain.Principal, req dto.ChatActionRequest) (fiber.Map, error) {
	if err := requireSessionID(req); err != nil {
		return nil, err
	}
	count, err := h.chat.UnreadCount(ctx, p, req.SessionID)
	if err != nil {
		return nil, err
	}
	return fiber.Map{"unread_count": count}, nil
}

func (h *ChatHandler) markRead(ctx context.Context, p *domain.Principal, req dto.ChatActionRequest) (fiber.Map, error) {
	if err := requireSessionID(req); err != nil {
		return nil, err
	}
	if err := h.chat.MarkRead(ctx, p, req.SessionID, req.MessageID); err != nil {
		return nil, err
	}
	return fiber.Map{}, nil
}

func transitionResponse(res *service.TransitionResult, err error) (fiber.Map, error) {
	if err != nil {
		return nil, err
	}
	return fiber.Map{
		"session_status": res.Session.Status,
		"changed":        res.Changed,
	}, nil
}

func requireSessionID(req dto.ChatActionRequest) error {
	if req.SessionID <= 0 {
		return apperrors.NewValidationError("session_id is required", map[string]any{"field": "session_id"})
	}
	return nil
}
