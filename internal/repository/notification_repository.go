package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/storefront-chat/internal/domain"
)

// NotificationFilter selects a recipient's feed.
type NotificationFilter struct {
	Role        domain.ActorRole
	RecipientID int64
	UnreadOnly  bool
	Limit       int
}

// NotificationRepository stores the notification feed.
type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	// List returns rows addressed to the recipient, including broadcasts
	// to the recipient's role, newest first.
	List(ctx context.Context, filter NotificationFilter) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id int64, role domain.ActorRole, recipientID int64) error
}

type notificationRepository struct {
	pool *pgxpool.Pool
}

// NewNotificationRepository builds repository.
func NewNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &notificationRepository{pool: pool}
}

func (r *notificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	const query = `
        INSERT INTO notifications (recipient_role, recipient_id, kind, session_id, body)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query,
		n.RecipientRole,
		n.RecipientID,
		n.Kind,
		n.SessionID,
		n.Body,
	).Scan(&n.ID, &n.CreatedAt)
	return translate(err)
}

func (r *notificationRepository) List(ctx context.Context, filter NotificationFilter) ([]domain.Notification, error) {
	const query = `
        SELECT id, recipient_role, recipient_id, kind, session_id, body, created_at, read_at
        FROM notifications
        WHERE recipient_role=$1 AND (recipient_id=$2 OR recipient_id IS NULL)
          AND ($3 = FALSE OR read_at IS NULL)
        ORDER BY id DESC LIMIT $4`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, query, filter.Role, filter.RecipientID, filter.UnreadOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(
			&n.ID,
			&n.RecipientRole,
			&n.RecipientID,
			&n.Kind,
			&n.SessionID,
			&n.Body,
			&n.CreatedAt,
			&n.ReadAt,
		); err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (r *notificationRepository) MarkRead(ctx context.Context, id int64, role domain.ActorRole, recipientID int64) error {
	const query = `
        UPDATE notifications SET read_at = COALESCE(read_at, NOW())
        WHERE id=$1 AND recipient_role=$2 AND (recipient_id=$3 OR recipient_id IS NULL)`
	cmd, err := r.pool.Exec(ctx, query, id, role, recipientID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
