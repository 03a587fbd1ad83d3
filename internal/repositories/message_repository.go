package repositories

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"dm-service/internal/conversation"
	"dm-service/internal/models"
)

// NewMessage carries the caller-supplied fields of a message. Identifier and
// timestamp are assigned by the store.
type NewMessage struct {
	SenderID      int64
	ReceiverID    int64
	Text          *string
	AttachmentURL *string
}

// ListOptions narrows a conversation listing. A zero Limit returns the whole
// conversation; Before restricts to messages strictly earlier than the cursor.
type ListOptions struct {
	Limit  int
	Before *models.Cursor
}

// MessageRepository is the durable, append-only message log.
type MessageRepository interface {
	Append(ctx context.Context, msg NewMessage) (models.Message, error)
	ListConversation(ctx context.Context, userA, userB int64, opts ListOptions) ([]models.Message, error)
}

// MessageRepo is a sqlx-backed repository. Queries are written with bindvars
// and rebound for the connection's driver.
type MessageRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db, now: time.Now}
}

const messageColumns = `id, sender_id, receiver_id, pair_key, text, attachment_url, created_at`

// Append stores a message and returns it with its id and creation time.
func (r *MessageRepo) Append(ctx context.Context, in NewMessage) (models.Message, error) {
	msg := models.Message{
		SenderID:      in.SenderID,
		ReceiverID:    in.ReceiverID,
		PairKey:       conversation.PairKey(in.SenderID, in.ReceiverID).String(),
		Text:          in.Text,
		AttachmentURL: in.AttachmentURL,
		// Postgres keeps microseconds; truncating here keeps the returned
		// value identical to what a later read yields.
		CreatedAt: r.now().UTC().Truncate(time.Microsecond),
	}

	query := r.db.Rebind(`INSERT INTO messages (sender_id, receiver_id, pair_key, text, attachment_url, created_at)
        VALUES (?, ?, ?, ?, ?, ?) RETURNING id`)
	if err := r.db.QueryRowxContext(ctx, query, msg.SenderID, msg.ReceiverID, msg.PairKey, msg.Text, msg.AttachmentURL, msg.CreatedAt).
		Scan(&msg.ID); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListConversation returns messages exchanged between userA and userB in
// ascending (created_at, id) order.
func (r *MessageRepo) ListConversation(ctx context.Context, userA, userB int64, opts ListOptions) ([]models.Message, error) {
	key := conversation.PairKey(userA, userB).String()

	query := `SELECT ` + messageColumns + ` FROM messages WHERE pair_key = ?`
	args := []any{key}
	if opts.Before != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, opts.Before.CreatedAt.UTC(), opts.Before.CreatedAt.UTC(), opts.Before.ID)
	}

	var msgs []models.Message
	if opts.Limit <= 0 {
		query += ` ORDER BY created_at ASC, id ASC`
		if err := r.db.SelectContext(ctx, &msgs, r.db.Rebind(query), args...); err != nil {
			return nil, err
		}
		return normalize(msgs), nil
	}

	// Newest page first, then flipped so callers always see ascending order.
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, opts.Limit)
	if err := r.db.SelectContext(ctx, &msgs, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return normalize(msgs), nil
}

func normalize(msgs []models.Message) []models.Message {
	if msgs == nil {
		return []models.Message{}
	}
	for i := range msgs {
		msgs[i].CreatedAt = msgs[i].CreatedAt.UTC()
	}
	return msgs
}
