package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/storefront-chat/internal/domain"
)

// ChatMessageRepository manages the append-only chat message log.
type ChatMessageRepository interface {
	// Insert appends a message regardless of session status. Used for
	// system messages announcing a close.
	Insert(ctx context.Context, msg *domain.ChatMessage) error
	// InsertIfOpen appends a message only while the owning session is not
	// closed. It reports false when the session is closed or missing.
	InsertIfOpen(ctx context.Context, msg *domain.ChatMessage) (bool, error)
	// ListAfter returns messages with id > afterID in ascending id order.
	ListAfter(ctx context.Context, sessionID, afterID int64, limit int) ([]domain.ChatMessage, error)
	CountAfter(ctx context.Context, sessionID int64, senderType domain.ActorRole, afterID int64) (int, error)
}

type chatMessageRepository struct {
	pool *pgxpool.Pool
}

// NewChatMessageRepository builds repository.
func NewChatMessageRepository(pool *pgxpool.Pool) ChatMessageRepository {
	return &chatMessageRepository{pool: pool}
}

func (r *chatMessageRepository) Insert(ctx context.Context, msg *domain.ChatMessage) error {
	const query = `
        INSERT INTO chat_messages (session_id, sender_type, sender_id, body)
        VALUES ($1,$2,$3,$4)
        RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query,
		msg.SessionID,
		msg.SenderType,
		msg.SenderID,
		msg.Body,
	).Scan(&msg.ID, &msg.CreatedAt)
	return translate(err)
}

func (r *chatMessageRepository) InsertIfOpen(ctx context.Context, msg *domain.ChatMessage) (bool, error) {
	const query = `
        INSERT INTO chat_messages (session_id, sender_type, sender_id, body)
        SELECT $1::bigint, $2::text, $3::bigint, $4::text
        WHERE EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1 AND status <> 'closed')
        RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query,
		msg.SessionID,
		msg.SenderType,
		msg.SenderID,
		msg.Body,
	).Scan(&msg.ID, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *chatMessageRepository) ListAfter(ctx context.Context, sessionID, afterID int64, limit int) ([]domain.ChatMessage, error) {
	const query = `
        SELECT id, session_id, sender_type, sender_id, body, created_at
        FROM chat_messages WHERE session_id=$1 AND id > $2
        ORDER BY id ASC LIMIT $3`
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, query, sessionID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ChatMessage
	for rows.Next() {
		var msg domain.ChatMessage
		if err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.SenderType,
			&msg.SenderID,
			&msg.Body,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func (r *chatMessageRepository) CountAfter(ctx context.Context, sessionID int64, senderType domain.ActorRole, afterID int64) (int, error) {
	const query = `
        SELECT COUNT(*) FROM chat_messages
        WHERE session_id=$1 AND sender_type=$2 AND id > $3`
	var count int
	if err := r.pool.QueryRow(ctx, query, sessionID, senderType, afterID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
