package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/storefront-chat/internal/domain"
)

// ReadCursorRepository tracks the last message each role has seen per session.
type ReadCursorRepository interface {
	// Get returns 0 when the role has not read anything yet.
	Get(ctx context.Context, sessionID int64, role domain.ActorRole) (int64, error)
	// Advance moves the cursor forward, capped at the session's newest
	// message; it never moves backwards.
	Advance(ctx context.Context, sessionID int64, role domain.ActorRole, messageID int64) error
}

type readCursorRepository struct {
	pool *pgxpool.Pool
}

// NewReadCursorRepository builds repository.
func NewReadCursorRepository(pool *pgxpool.Pool) ReadCursorRepository {
	return &readCursorRepository{pool: pool}
}

func (r *readCursorRepository) Get(ctx context.Context, sessionID int64, role domain.ActorRole) (int64, error) {
	const query = `
        SELECT last_read_message_id FROM chat_read_cursors
        WHERE session_id=$1 AND role=$2`
	var lastRead int64
	err := r.pool.QueryRow(ctx, query, sessionID, role).Scan(&lastRead)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return lastRead, nil
}

func (r *readCursorRepository) Advance(ctx context.Context, sessionID int64, role domain.ActorRole, messageID int64) error {
	const query = `
        INSERT INTO chat_read_cursors (session_id, role, last_read_message_id, updated_at)
        VALUES ($1, $2,
                LEAST($3::bigint, (SELECT COALESCE(MAX(id), 0) FROM chat_messages WHERE session_id = $1)),
                NOW())
        ON CONFLICT (session_id, role) DO UPDATE
        SET last_read_message_id = GREATEST(chat_read_cursors.last_read_message_id, EXCLUDED.last_read_message_id),
            updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, sessionID, role, messageID)
	return translate(err)
}
