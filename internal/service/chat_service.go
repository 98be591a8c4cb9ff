package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spec-kit/storefront-chat/internal/config"
	"github.com/spec-kit/storefront-chat/internal/domain"
	"github.com/spec-kit/storefront-chat/internal/events"
	"github.com/spec-kit/storefront-chat/internal/repository"
	apperrors "github.com/spec-kit/storefront-chat/pkg/util"
)

const (
	declineMessage = "Your chat request was declined. Please try again later."
	timeoutMessage = "No agent was available. This chat has been closed."
	customerEnded  = "Customer ended the chat."
)

// Reasons carried by status change events.
const (
	ReasonAccepted = "accepted"
	ReasonDeclined = "declined"
	ReasonEnded    = "ended"
	ReasonTimeout  = "timeout"
)

// SendLimiter throttles message posts per subject.
type SendLimiter interface {
	Allow(ctx context.Context, subject string) bool
}

// ChatService coordinates chat session transitions and message exchange.
type ChatService struct {
	sessions   repository.ChatSessionRepository
	messages   repository.ChatMessageRepository
	cursors    repository.ReadCursorRepository
	dispatcher events.Dispatcher
	limiter    SendLimiter
	logger     *zap.Logger
	cfg        config.ChatConfig
	now        func() time.Time
}

// ChatDependencies bundles repositories for chat service.
type ChatDependencies struct {
	SessionRepo repository.ChatSessionRepository
	MessageRepo repository.ChatMessageRepository
	CursorRepo  repository.ReadCursorRepository
	Dispatcher  events.Dispatcher
	Limiter     SendLimiter
	Logger      *zap.Logger
}

// TransitionResult reports the session after a transition request. Changed is
// false when the request was a duplicate of an already applied transition.
type TransitionResult struct {
	Session *domain.ChatSession
	Changed bool
}

// MessageBatch is one poll response.
type MessageBatch struct {
	Messages []domain.ChatMessage
	Status   domain.SessionStatus
}

// SessionListFilter narrows the agent session list.
type SessionListFilter struct {
	Statuses []domain.SessionStatus
	Mine     bool
	Limit    int
}

// NewChatService creates the service.
func NewChatService(cfg config.ChatConfig, deps ChatDependencies) *ChatService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MessageBatchLimit <= 0 {
		cfg.MessageBatchLimit = 200
	}
	if cfg.SessionListLimit <= 0 {
		cfg.SessionListLimit = 50
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 2000
	}
	return &ChatService{
		sessions:   deps.SessionRepo,
		messages:   deps.MessageRepo,
		cursors:    deps.CursorRepo,
		dispatcher: deps.Dispatcher,
		limiter:    deps.Limiter,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// StartSession opens a pending chat for the customer.
func (s *ChatService) StartSession(ctx context.Context, p *domain.Principal) (*domain.ChatSession, error) {
	if err := requireCustomer(p); err != nil {
		return nil, err
	}
	existing, err := s.sessions.FindOpenByCustomer(ctx, p.ActorID)
	if err == nil {
		return nil, openSessionConflict(existing.ID)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NewInternalError(err)
	}

	session := &domain.ChatSession{CustomerID: p.ActorID, Status: domain.SessionStatusPending}
	if err := s.sessions.Create(ctx, session); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// lost the race against a concurrent start by the same customer
			if winner, findErr := s.sessions.FindOpenByCustomer(ctx, p.ActorID); findErr == nil {
				return nil, openSessionConflict(winner.ID)
			}
			return nil, apperrors.NewConflict("chat already open", nil)
		}
		return nil, apperrors.NewInternalError(err)
	}

	s.publish(ctx, events.EventSessionCreated, session.ID, actorOf(p), events.SessionCreatedPayload{
		CustomerID:   p.ActorID,
		CustomerName: p.DisplayName,
	})
	return session, nil
}

// CurrentSession returns the customer's non-closed session, or nil.
func (s *ChatService) CurrentSession(ctx context.Context, p *domain.Principal) (*domain.ChatSession, error) {
	if err := requireCustomer(p); err != nil {
		return nil, err
	}
	session, err := s.sessions.FindOpenByCustomer(ctx, p.ActorID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return session, nil
}

// AcceptSession assigns the calling agent to a pending session. Accepting a
// session that is already active returns it unchanged.
func (s *ChatService) AcceptSession(ctx context.Context, p *domain.Principal, sessionID int64) (*TransitionResult, error) {
	if err := requireAgent(p); err != nil {
		return nil, err
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == domain.SessionStatusPending {
		agentID := p.ActorID
		ok, err := s.transition(ctx, sessionID, domain.SessionStatusPending, domain.SessionStatusActive, &agentID)
		if err != nil {
			return nil, err
		}
		if session, err = s.loadSession(ctx, sessionID); err != nil {
			return nil, err
		}
		if ok {
			s.appendSystemMessage(ctx, sessionID, fmt.Sprintf("%s has joined the chat.", agentName(p)))
			s.publishStatusChange(ctx, p, session, domain.SessionStatusPending, ReasonAccepted)
			return &TransitionResult{Session: session, Changed: true}, nil
		}
	}

	switch session.Status {
	case domain.SessionStatusActive:
		return &TransitionResult{Session: session}, nil
	default:
		return nil, apperrors.NewInvalidState("chat already closed", map[string]any{
			"session_id": sessionID,
			"status":     session.Status,
		})
	}
}

// DeclineSession closes a pending session without assigning an agent.
// Declining an already closed session returns it unchanged.
func (s *ChatService) DeclineSession(ctx context.Context, p *domain.Principal, sessionID int64) (*TransitionResult, error) {
	if err := requireAgent(p); err != nil {
		return nil, err
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == domain.SessionStatusPending {
		ok, err := s.transition(ctx, sessionID, domain.SessionStatusPending, domain.SessionStatusClosed, nil)
		if err != nil {
			return nil, err
		}
		if session, err = s.loadSession(ctx, sessionID); err != nil {
			return nil, err
		}
		if ok {
			s.appendSystemMessage(ctx, sessionID, declineMessage)
			s.publishStatusChange(ctx, p, session, domain.SessionStatusPending, ReasonDeclined)
			return &TransitionResult{Session: session, Changed: true}, nil
		}
	}

	switch session.Status {
	case domain.SessionStatusClosed:
		return &TransitionResult{Session: session}, nil
	default:
		return nil, apperrors.NewInvalidState("chat already accepted", map[string]any{
			"session_id": sessionID,
			"status":     session.Status,
		})
	}
}

// EndSession closes a session on behalf of either participant. Customers may
// cancel a pending request; agents end active chats. Ending a closed session
// returns it unchanged.
func (s *ChatService) EndSession(ctx context.Context, p *domain.Principal, sessionID int64) (*TransitionResult, error) {
	if p == nil || !p.Role.Valid() {
		return nil, apperrors.NewUnauthorized("authentication required")
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeSession(p, session); err != nil {
		return nil, err
	}

	// Statuses only move forward, so this settles within two retries.
	for {
		if session.IsClosed() {
			return &TransitionResult{Session: session}, nil
		}
		if p.IsAgent() && session.Status == domain.SessionStatusPending {
			return nil, apperrors.NewInvalidState("pending chats are declined, not ended", map[string]any{
				"session_id": sessionID,
			})
		}
		previous := session.Status
		ok, err := s.transition(ctx, sessionID, previous, domain.SessionStatusClosed, nil)
		if err != nil {
			return nil, err
		}
		if session, err = s.loadSession(ctx, sessionID); err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		text := customerEnded
		if p.IsAgent() {
			text = fmt.Sprintf("%s ended the chat.", agentName(p))
		}
		s.appendSystemMessage(ctx, sessionID, text)
		s.publishStatusChange(ctx, p, session, previous, ReasonEnded)
		return &TransitionResult{Session: session, Changed: true}, nil
	}
}

// PostMessage appends a message from a participant and returns it with its id.
func (s *ChatService) PostMessage(ctx context.Context, p *domain.Principal, sessionID int64, body string) (*domain.ChatMessage, error) {
	if p == nil || !p.Role.Valid() {
		return nil, apperrors.NewUnauthorized("authentication required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.NewValidationError("message is required", map[string]any{"field": "message"})
	}
	if n := utf8.RuneCountInString(body); n > s.cfg.MaxMessageLength {
		return nil, apperrors.NewValidationError("message is too long", map[string]any{
			"field": "message",
			"max":   s.cfg.MaxMessageLength,
		})
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeSession(p, session); err != nil {
		return nil, err
	}
	if session.IsClosed() {
		return nil, apperrors.NewSessionClosed(sessionID)
	}
	if p.IsAgent() && session.Status == domain.SessionStatusPending {
		return nil, apperrors.NewInvalidState("accept the chat before replying", map[string]any{
			"session_id": sessionID,
		})
	}
	if s.limiter != nil && !s.limiter.Allow(ctx, fmt.Sprintf("%s:%d", p.Role, p.ActorID)) {
		return nil, apperrors.NewRateLimited("too many messages, please slow down")
	}

	senderID := p.ActorID
	msg := &domain.ChatMessage{
		SessionID:  sessionID,
		SenderType: p.Role,
		SenderID:   &senderID,
		Body:       body,
	}
	ok, err := s.messages.InsertIfOpen(ctx, msg)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if !ok {
		return nil, apperrors.NewSessionClosed(sessionID)
	}

	s.publish(ctx, events.EventMessageAdded, sessionID, actorOf(p), events.MessageAddedPayload{
		CustomerID:  session.CustomerID,
		AgentID:     session.AgentID,
		MessageID:   msg.ID,
		SenderType:  msg.SenderType,
		BodyPreview: stringPreview(msg.Body, 120),
	})
	return msg, nil
}

// GetMessages returns the messages after afterID in ascending id order along
// with the session status, and advances the caller's read cursor.
func (s *ChatService) GetMessages(ctx context.Context, p *domain.Principal, sessionID, afterID int64) (*MessageBatch, error) {
	if p == nil || !p.Role.Valid() {
		return nil, apperrors.NewUnauthorized("authentication required")
	}
	if afterID < 0 {
		return nil, apperrors.NewValidationError("last_message_id must not be negative", map[string]any{"field": "last_message_id"})
	}
	// Status is read before the messages so that a closed status never
	// precedes a batch missing messages written before the close.
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeSession(p, session); err != nil {
		return nil, err
	}

	msgs, err := s.messages.ListAfter(ctx, sessionID, afterID, s.cfg.MessageBatchLimit)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1].ID
		if err := s.cursors.Advance(ctx, sessionID, p.Role, last); err != nil {
			s.logger.Warn("advance read cursor failed",
				zap.Int64("session_id", sessionID),
				zap.String("role", string(p.Role)),
				zap.Error(err))
		}
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	return &MessageBatch{Messages: msgs, Status: session.Status}, nil
}

// ListSessions returns the agent session list, most recently active first.
func (s *ChatService) ListSessions(ctx context.Context, p *domain.Principal, filter SessionListFilter) ([]domain.SessionSummary, error) {
	if err := requireAgent(p); err != nil {
		return nil, err
	}
	for _, status := range filter.Statuses {
		if !status.Valid() {
			return nil, apperrors.NewValidationError("unknown status filter", map[string]any{"status": status})
		}
	}
	limit := filter.Limit
	if limit <= 0 || limit > s.cfg.SessionListLimit {
		limit = s.cfg.SessionListLimit
	}
	repoFilter := repository.SessionFilter{
		Statuses:  filter.Statuses,
		UnreadFor: domain.RoleAdmin,
		Limit:     limit,
	}
	if filter.Mine {
		agentID := p.ActorID
		repoFilter.AssignedOrPending = &agentID
	}
	summaries, err := s.sessions.ListSummaries(ctx, repoFilter)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	if summaries == nil {
		summaries = []domain.SessionSummary{}
	}
	return summaries, nil
}

// UnreadCount counts counterpart messages past the caller role's read cursor.
func (s *ChatService) UnreadCount(ctx context.Context, p *domain.Principal, sessionID int64) (int, error) {
	if p == nil || !p.Role.Valid() {
		return 0, apperrors.NewUnauthorized("authentication required")
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if err := authorizeSession(p, session); err != nil {
		return 0, err
	}
	lastRead, err := s.cursors.Get(ctx, sessionID, p.Role)
	if err != nil {
		return 0, apperrors.NewInternalError(err)
	}
	count, err := s.messages.CountAfter(ctx, sessionID, p.Role.Counterpart(), lastRead)
	if err != nil {
		return 0, apperrors.NewInternalError(err)
	}
	return count, nil
}

// MarkRead moves the caller role's read cursor up to messageID.
func (s *ChatService) MarkRead(ctx context.Context, p *domain.Principal, sessionID, messageID int64) error {
	if p == nil || !p.Role.Valid() {
		return apperrors.NewUnauthorized("authentication required")
	}
	if messageID <= 0 {
		return apperrors.NewValidationError("message_id is required", map[string]any{"field": "message_id"})
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := authorizeSession(p, session); err != nil {
		return err
	}
	if err := s.cursors.Advance(ctx, sessionID, p.Role, messageID); err != nil {
		return apperrors.NewInternalError(err)
	}
	return nil
}

// SessionForStream authorizes a realtime subscription and returns the session.
func (s *ChatService) SessionForStream(ctx context.Context, p *domain.Principal, sessionID int64) (*domain.ChatSession, error) {
	if p == nil || !p.Role.Valid() {
		return nil, apperrors.NewUnauthorized("authentication required")
	}
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeSession(p, session); err != nil {
		return nil, err
	}
	return session, nil
}

// CloseStalePending closes pending sessions created more than olderThan ago
// and returns how many it closed.
func (s *ChatService) CloseStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	stale, err := s.sessions.ListPendingBefore(ctx, s.now().Add(-olderThan), 100)
	if err != nil {
		return 0, err
	}
	closed := 0
	for i := range stale {
		session := stale[i]
		ok, err := s.transition(ctx, session.ID, domain.SessionStatusPending, domain.SessionStatusClosed, nil)
		if err != nil {
			return closed, err
		}
		if !ok {
			continue
		}
		closed++
		s.appendSystemMessage(ctx, session.ID, timeoutMessage)
		session.Status = domain.SessionStatusClosed
		s.publishStatusChange(ctx, nil, &session, domain.SessionStatusPending, ReasonTimeout)
	}
	return closed, nil
}

// transition applies one status change through the repository compare-and-swap.
// Pairs outside the session state machine are rejected before any write.
func (s *ChatService) transition(ctx context.Context, sessionID int64, from, to domain.SessionStatus, agentID *int64) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, apperrors.NewInvalidState("illegal session transition", map[string]any{
			"session_id": sessionID,
			"from":       from,
			"to":         to,
		})
	}
	ok, err := s.sessions.TryTransition(ctx, sessionID, from, to, agentID)
	if err != nil {
		return false, apperrors.NewInternalError(err)
	}
	return ok, nil
}

func (s *ChatService) loadSession(ctx context.Context, sessionID int64) (*domain.ChatSession, error) {
	if sessionID <= 0 {
		return nil, apperrors.NewValidationError("session_id is required", map[string]any{"field": "session_id"})
	}
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("chat session", map[string]any{"session_id": sessionID})
		}
		return nil, apperrors.NewInternalError(err)
	}
	return session, nil
}

// appendSystemMessage records a transition announcement. The transition has
// already been applied, so a failure here is logged rather than returned.
func (s *ChatService) appendSystemMessage(ctx context.Context, sessionID int64, body string) {
	msg := &domain.ChatMessage{SessionID: sessionID, SenderType: domain.RoleSystem, Body: body}
	if err := s.messages.Insert(ctx, msg); err != nil {
		s.logger.Error("insert system message failed", zap.Int64("session_id", sessionID), zap.Error(err))
		return
	}
	s.publish(ctx, events.EventMessageAdded, sessionID, events.Actor{Role: domain.RoleSystem}, events.MessageAddedPayload{
		MessageID:   msg.ID,
		SenderType:  domain.RoleSystem,
		BodyPreview: stringPreview(body, 120),
	})
}

func (s *ChatService) publishStatusChange(ctx context.Context, p *domain.Principal, session *domain.ChatSession, old domain.SessionStatus, reason string) {
	actor := events.Actor{Role: domain.RoleSystem}
	payload := events.SessionStatusChangedPayload{
		CustomerID: session.CustomerID,
		AgentID:    session.AgentID,
		OldStatus:  old,
		NewStatus:  session.Status,
		Reason:     reason,
	}
	if p != nil {
		actor = actorOf(p)
		if p.IsAgent() {
			payload.AgentName = agentName(p)
		}
	}
	s.publish(ctx, events.EventSessionStatusChanged, session.ID, actor, payload)
}

func (s *ChatService) publish(ctx context.Context, eventType events.EventType, sessionID int64, actor events.Actor, payload any) {
	if s.dispatcher == nil {
		return
	}
	event, err := events.NewEvent(eventType, sessionID, actor, payload)
	if err != nil {
		s.logger.Error("build event failed", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	_ = s.dispatcher.Publish(ctx, event)
}

// authorizeSession answers whether p may act on session. Customers own their
// sessions. Agents see pending and unassigned sessions and the ones assigned
// to them; supervisors see everything.
func authorizeSession(p *domain.Principal, session *domain.ChatSession) error {
	switch p.Role {
	case domain.RoleCustomer:
		if session.CustomerID == p.ActorID {
			return nil
		}
	case domain.RoleAdmin:
		if p.IsSupervisor() || session.Status == domain.SessionStatusPending || session.AgentID == nil {
			return nil
		}
		if *session.AgentID == p.ActorID {
			return nil
		}
	}
	return apperrors.NewForbidden("not a participant of this chat")
}

func requireCustomer(p *domain.Principal) error {
	if p == nil || !p.Role.Valid() {
		return apperrors.NewUnauthorized("authentication required")
	}
	if !p.IsCustomer() {
		return apperrors.NewForbidden("customer account required")
	}
	return nil
}

func requireAgent(p *domain.Principal) error {
	if p == nil || !p.Role.Valid() {
		return apperrors.NewUnauthorized("authentication required")
	}
	if !p.IsAgent() {
		return apperrors.NewForbidden("support staff required")
	}
	return nil
}

func openSessionConflict(sessionID int64) error {
	return apperrors.NewConflict("chat already open", map[string]any{"session_id": sessionID})
}

func actorOf(p *domain.Principal) events.Actor {
	id := p.ActorID
	return events.Actor{Role: p.Role, ID: &id}
}

func agentName(p *domain.Principal) string {
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		return name
	}
	return "An agent"
}

func stringPreview(body string, max int) string {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= max {
		return body
	}
	runes := []rune(body)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
