// Package memstore provides in-memory implementations of the repository
// interfaces. The service falls back to it when no database is configured,
// and tests use it as a fast, deterministic backend.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spec-kit/storefront-chat/internal/domain"
	"github.com/spec-kit/storefront-chat/internal/repository"
)

type cursorKey struct {
	sessionID int64
	role      domain.ActorRole
}

// Store holds every table behind a single mutex so that conditional writes
// are atomic, mirroring the single-statement guarantees of the SQL backend.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	users         map[int64]domain.User
	staff         map[int64]domain.StaffMember
	sessions      map[int64]domain.ChatSession
	messages      []domain.ChatMessage
	cursors       map[cursorKey]int64
	notifications []domain.Notification

	nextUserID         int64
	nextStaffID        int64
	nextSessionID      int64
	nextMessageID      int64
	nextNotificationID int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		now:      time.Now,
		users:    make(map[int64]domain.User),
		staff:    make(map[int64]domain.StaffMember),
		sessions: make(map[int64]domain.ChatSession),
		cursors:  make(map[cursorKey]int64),
	}
}

// WithClock overrides the time source; used by tests that age sessions.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *Store) Users() repository.UserRepository                 { return userRepo{s} }
func (s *Store) Staff() repository.StaffRepository                { return staffRepo{s} }
func (s *Store) Sessions() repository.ChatSessionRepository       { return sessionRepo{s} }
func (s *Store) Messages() repository.ChatMessageRepository       { return messageRepo{s} }
func (s *Store) Cursors() repository.ReadCursorRepository         { return cursorRepo{s} }
func (s *Store) Notifications() repository.NotificationRepository { return notificationRepo{s} }

type userRepo struct{ s *Store }

func (r userRepo) Create(_ context.Context, user *domain.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return repository.ErrConflict
		}
	}
	r.s.nextUserID++
	now := r.s.now()
	user.ID = r.s.nextUserID
	user.CreatedAt = now
	user.UpdatedAt = now
	r.s.users[user.ID] = *user
	return nil
}

func (r userRepo) GetByID(_ context.Context, id int64) (*domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	user, ok := r.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &user, nil
}

func (r userRepo) GetByEmail(_ context.Context, email string) (*domain.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, user := range r.s.users {
		if strings.EqualFold(user.Email, email) {
			u := user
			return &u, nil
		}
	}
	return nil, repository.ErrNotFound
}

type staffRepo struct{ s *Store }

func (r staffRepo) Create(_ context.Context, staff *domain.StaffMember) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.staff {
		if strings.EqualFold(existing.Email, staff.Email) {
			return repository.ErrConflict
		}
	}
	r.s.nextStaffID++
	now := r.s.now()
	staff.ID = r.s.nextStaffID
	staff.CreatedAt = now
	staff.UpdatedAt = now
	r.s.staff[staff.ID] = *staff
	return nil
}

func (r staffRepo) GetByID(_ context.Context, id int64) (*domain.StaffMember, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	staff, ok := r.s.staff[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &staff, nil
}

func (r staffRepo) GetByEmail(_ context.Context, email string) (*domain.StaffMember, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, staff := range r.s.staff {
		if strings.EqualFold(staff.Email, email) {
			m := staff
			return &m, nil
		}
	}
	return nil, repository.ErrNotFound
}

type sessionRepo struct{ s *Store }

func (r sessionRepo) Create(_ context.Context, session *domain.ChatSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.sessions {
		if existing.CustomerID == session.CustomerID && !existing.IsClosed() {
			return repository.ErrConflict
		}
	}
	r.s.nextSessionID++
	session.ID = r.s.nextSessionID
	if session.Status == "" {
		session.Status = domain.SessionStatusPending
	}
	session.CreatedAt = r.s.now()
	r.s.sessions[session.ID] = *session
	return nil
}

func (r sessionRepo) GetByID(_ context.Context, id int64) (*domain.ChatSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	session, ok := r.s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &session, nil
}

func (r sessionRepo) FindOpenByCustomer(_ context.Context, customerID int64) (*domain.ChatSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *domain.ChatSession
	for _, session := range r.s.sessions {
		if session.CustomerID != customerID || session.IsClosed() {
			continue
		}
		if found == nil || session.ID > found.ID {
			candidate := session
			found = &candidate
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (r sessionRepo) TryTransition(_ context.Context, id int64, expected, next domain.SessionStatus, agentID *int64) (bool, error) {
	if !domain.CanTransition(expected, next) {
		return false, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	session, ok := r.s.sessions[id]
	if !ok || session.Status != expected {
		return false, nil
	}
	session.Status = next
	if agentID != nil {
		assigned := *agentID
		session.AgentID = &assigned
	}
	if next == domain.SessionStatusClosed {
		closedAt := r.s.now()
		session.ClosedAt = &closedAt
	}
	r.s.sessions[id] = session
	return true, nil
}

func (r sessionRepo) ListSummaries(_ context.Context, filter repository.SessionFilter) ([]domain.SessionSummary, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	role := filter.UnreadFor
	if role == "" {
		role = domain.RoleAdmin
	}
	statuses := make(map[domain.SessionStatus]bool, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses[status] = true
	}

	result := make([]domain.SessionSummary, 0, len(r.s.sessions))
	for _, session := range r.s.sessions {
		if len(statuses) > 0 && !statuses[session.Status] {
			continue
		}
		if agentID := filter.AssignedOrPending; agentID != nil {
			mine := session.AgentID != nil && *session.AgentID == *agentID
			if session.Status != domain.SessionStatusPending && !mine {
				continue
			}
		}
		summary := domain.SessionSummary{
			ID:             session.ID,
			CustomerID:     session.CustomerID,
			CustomerName:   r.s.users[session.CustomerID].Name,
			AgentID:        session.AgentID,
			Status:         session.Status,
			CreatedAt:      session.CreatedAt,
			LastActivityAt: session.CreatedAt,
		}
		lastRead := r.s.cursors[cursorKey{session.ID, role}]
		for _, msg := range r.s.messages {
			if msg.SessionID != session.ID {
				continue
			}
			if msg.CreatedAt.After(summary.LastActivityAt) {
				summary.LastActivityAt = msg.CreatedAt
			}
			if msg.SenderType == role.Counterpart() && msg.ID > lastRead {
				summary.UnreadCount++
			}
		}
		result = append(result, summary)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastActivityAt.Equal(result[j].LastActivityAt) {
			return result[i].LastActivityAt.After(result[j].LastActivityAt)
		}
		return result[i].ID > result[j].ID
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r sessionRepo) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]domain.ChatSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var result []domain.ChatSession
	for _, session := range r.s.sessions {
		if session.Status == domain.SessionStatusPending && session.CreatedAt.Before(before) {
			result = append(result, session)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

type messageRepo struct{ s *Store }

func (r messageRepo) Insert(_ context.Context, msg *domain.ChatMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sessions[msg.SessionID]; !ok {
		return repository.ErrNotFound
	}
	r.s.appendMessage(msg)
	return nil
}

func (r messageRepo) InsertIfOpen(_ context.Context, msg *domain.ChatMessage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	session, ok := r.s.sessions[msg.SessionID]
	if !ok || session.IsClosed() {
		return false, nil
	}
	r.s.appendMessage(msg)
	return true, nil
}

// appendMessage must be called with the lock held.
func (s *Store) appendMessage(msg *domain.ChatMessage) {
	s.nextMessageID++
	msg.ID = s.nextMessageID
	msg.CreatedAt = s.now()
	s.messages = append(s.messages, *msg)
}

func (r messageRepo) ListAfter(_ context.Context, sessionID, afterID int64, limit int) ([]domain.ChatMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var result []domain.ChatMessage
	for _, msg := range r.s.messages {
		if msg.SessionID == sessionID && msg.ID > afterID {
			result = append(result, msg)
			if len(result) == limit {
				break
			}
		}
	}
	return result, nil
}

func (r messageRepo) CountAfter(_ context.Context, sessionID int64, senderType domain.ActorRole, afterID int64) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	count := 0
	for _, msg := range r.s.messages {
		if msg.SessionID == sessionID && msg.SenderType == senderType && msg.ID > afterID {
			count++
		}
	}
	return count, nil
}

type cursorRepo struct{ s *Store }

func (r cursorRepo) Get(_ context.Context, sessionID int64, role domain.ActorRole) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.cursors[cursorKey{sessionID, role}], nil
}

func (r cursorRepo) Advance(_ context.Context, sessionID int64, role domain.ActorRole, messageID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var last int64
	for _, msg := range r.s.messages {
		if msg.SessionID == sessionID && msg.ID > last {
			last = msg.ID
		}
	}
	if messageID > last {
		messageID = last
	}
	key := cursorKey{sessionID, role}
	if messageID > r.s.cursors[key] {
		r.s.cursors[key] = messageID
	}
	return nil
}

type notificationRepo struct{ s *Store }

func (r notificationRepo) Create(_ context.Context, n *domain.Notification) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextNotificationID++
	n.ID = r.s.nextNotificationID
	n.CreatedAt = r.s.now()
	r.s.notifications = append(r.s.notifications, *n)
	return nil
}

func (r notificationRepo) List(_ context.Context, filter repository.NotificationFilter) ([]domain.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var result []domain.Notification
	for i := len(r.s.notifications) - 1; i >= 0 && len(result) < limit; i-- {
		n := r.s.notifications[i]
		if !addressedTo(n, filter.Role, filter.RecipientID) {
			continue
		}
		if filter.UnreadOnly && n.ReadAt != nil {
			continue
		}
		result = append(result, n)
	}
	return result, nil
}

func (r notificationRepo) MarkRead(_ context.Context, id int64, role domain.ActorRole, recipientID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range r.s.notifications {
		n := &r.s.notifications[i]
		if n.ID != id || !addressedTo(*n, role, recipientID) {
			continue
		}
		if n.ReadAt == nil {
			readAt := r.s.now()
			n.ReadAt = &readAt
		}
		return nil
	}
	return repository.ErrNotFound
}

func addressedTo(n domain.Notification, role domain.ActorRole, recipientID int64) bool {
	if n.RecipientRole != role {
		return false
	}
	return n.RecipientID == nil || *n.RecipientID == recipientID
}
