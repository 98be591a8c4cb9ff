package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/storefront-chat/internal/domain"
)

// SessionFilter captures agent session list parameters.
type SessionFilter struct {
	Statuses []domain.SessionStatus
	// AssignedOrPending limits the list to pending sessions plus sessions
	// owned by this agent.
	AssignedOrPending *int64
	// UnreadFor selects whose read cursor the unread count is computed for.
	UnreadFor domain.ActorRole
	Limit     int
}

// ChatSessionRepository encapsulates chat session persistence.
type ChatSessionRepository interface {
	// Create inserts a pending session. ErrConflict means the customer
	// already has a non-closed session.
	Create(ctx context.Context, session *domain.ChatSession) error
	GetByID(ctx context.Context, id int64) (*domain.ChatSession, error)
	FindOpenByCustomer(ctx context.Context, customerID int64) (*domain.ChatSession, error)
	// TryTransition moves the session from expected to next in one
	// conditional write. It reports false when the session was not in the
	// expected status or the pair is not a legal transition. A non-nil
	// agentID is assigned in the same write.
	TryTransition(ctx context.Context, id int64, expected, next domain.SessionStatus, agentID *int64) (bool, error)
	ListSummaries(ctx context.Context, filter SessionFilter) ([]domain.SessionSummary, error)
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.ChatSession, error)
}

type chatSessionRepository struct {
	pool *pgxpool.Pool
}

// NewChatSessionRepository instantiates repository.
func NewChatSessionRepository(pool *pgxpool.Pool) ChatSessionRepository {
	return &chatSessionRepository{pool: pool}
}

func (r *chatSessionRepository) Create(ctx context.Context, session *domain.ChatSession) error {
	const query = `
        INSERT INTO chat_sessions (customer_id, status)
        VALUES ($1, $2)
        RETURNING id, created_at`
	if session.Status == "" {
		session.Status = domain.SessionStatusPending
	}
	err := r.pool.QueryRow(ctx, query, session.CustomerID, session.Status).
		Scan(&session.ID, &session.CreatedAt)
	return translate(err)
}

func (r *chatSessionRepository) GetByID(ctx context.Context, id int64) (*domain.ChatSession, error) {
	const query = `
        SELECT id, customer_id, agent_id, status, created_at, closed_at
        FROM chat_sessions WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *chatSessionRepository) FindOpenByCustomer(ctx context.Context, customerID int64) (*domain.ChatSession, error) {
	const query = `
        SELECT id, customer_id, agent_id, status, created_at, closed_at
        FROM chat_sessions WHERE customer_id=$1 AND status <> 'closed'
        ORDER BY id DESC LIMIT 1`
	return r.fetchSingle(ctx, query, customerID)
}

func (r *chatSessionRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.ChatSession, error) {
	var session domain.ChatSession
	if err := r.pool.QueryRow(ctx, query, arg).Scan(
		&session.ID,
		&session.CustomerID,
		&session.AgentID,
		&session.Status,
		&session.CreatedAt,
		&session.ClosedAt,
	); err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

func (r *chatSessionRepository) TryTransition(ctx context.Context, id int64, expected, next domain.SessionStatus, agentID *int64) (bool, error) {
	const query = `
        UPDATE chat_sessions
        SET status = $3::text,
            agent_id = COALESCE($4, agent_id),
            closed_at = CASE WHEN $3::text = 'closed' THEN NOW() ELSE closed_at END
        WHERE id = $1 AND status = $2`
	if !domain.CanTransition(expected, next) {
		return false, nil
	}
	cmd, err := r.pool.Exec(ctx, query, id, expected, next, agentID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *chatSessionRepository) ListSummaries(ctx context.Context, filter SessionFilter) ([]domain.SessionSummary, error) {
	role := filter.UnreadFor
	if role == "" {
		role = domain.RoleAdmin
	}
	args := []any{role, role.Counterpart()}
	clauses := []string{"1=1"}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("s.status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.AssignedOrPending != nil {
		args = append(args, *filter.AssignedOrPending)
		clauses = append(clauses, fmt.Sprintf("(s.status = 'pending' OR s.agent_id = $%d)", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(`
        SELECT s.id, s.customer_id, COALESCE(u.name, ''), s.agent_id, s.status, s.created_at,
               COALESCE(last_msg.created_at, s.created_at) AS last_activity_at,
               COALESCE(unread.cnt, 0)
        FROM chat_sessions s
        LEFT JOIN users u ON u.id = s.customer_id
        LEFT JOIN chat_read_cursors c ON c.session_id = s.id AND c.role = $1
        LEFT JOIN LATERAL (
            SELECT MAX(m.created_at) AS created_at FROM chat_messages m WHERE m.session_id = s.id
        ) last_msg ON TRUE
        LEFT JOIN LATERAL (
            SELECT COUNT(*) AS cnt FROM chat_messages m
            WHERE m.session_id = s.id AND m.sender_type = $2
              AND m.id > COALESCE(c.last_read_message_id, 0)
        ) unread ON TRUE
        WHERE %s
        ORDER BY last_activity_at DESC, s.id DESC
        LIMIT %d`, strings.Join(clauses, " AND "), limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.SessionSummary
	for rows.Next() {
		var summary domain.SessionSummary
		if err := rows.Scan(
			&summary.ID,
			&summary.CustomerID,
			&summary.CustomerName,
			&summary.AgentID,
			&summary.Status,
			&summary.CreatedAt,
			&summary.LastActivityAt,
			&summary.UnreadCount,
		); err != nil {
			return nil, err
		}
		result = append(result, summary)
	}
	return result, rows.Err()
}

func (r *chatSessionRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.ChatSession, error) {
	const query = `
        SELECT id, customer_id, agent_id, status, created_at, closed_at
        FROM chat_sessions WHERE status = 'pending' AND created_at < $1
        ORDER BY id ASC LIMIT $2`
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows pgx.Rows) ([]domain.ChatSession, error) {
	var result []domain.ChatSession
	for rows.Next() {
		var session domain.ChatSession
		if err := rows.Scan(
			&session.ID,
			&session.CustomerID,
			&session.AgentID,
			&session.Status,
			&session.CreatedAt,
			&session.ClosedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}
