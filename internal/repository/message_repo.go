package repository

import (
	"context"

	"github.com/lab2home/Lab2HomeBack/internal/models"
)

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

// CreateIfUnlocked appends a message only while the conversation is unlocked.
// The lock check and the insert are a single statement, so a concurrent lock
// either happens before (no row, pgx.ErrNoRows) or after (message committed);
// a losing append is never silently dropped half-written.
func (r *MessageRepository) CreateIfUnlocked(
	ctx context.Context,
	conversationID int64,
	senderID int64,
	senderRole models.Role,
	content string,
) (*models.ChatMessage, error) {
	query := `
		INSERT INTO messages (conversation_id, sender_id, sender_role, content, status)
		SELECT c.id, $2, $3, $4, 'sent'
		FROM conversations c
		WHERE c.id = $1 AND c.locked = FALSE
		RETURNING id, conversation_id, sender_id, sender_role, content, status, created_at
	`

	var message models.ChatMessage
	err := r.db.QueryRow(ctx, query, conversationID, senderID, senderRole, content).Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.SenderRole,
		&message.Content,
		&message.Status,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &message, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, messageID int64) (*models.ChatMessage, error) {
	query := `
		SELECT id, conversation_id, sender_id, sender_role, content, status, created_at
		FROM messages
		WHERE id = $1
	`

	var message models.ChatMessage
	err := r.db.QueryRow(ctx, query, messageID).Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.SenderRole,
		&message.Content,
		&message.Status,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &message, nil
}

// ListByConversation returns messages oldest first. Reads have no side
// effects; read marking is a separate operation.
func (r *MessageRepository) ListByConversation(
	ctx context.Context,
	conversationID int64,
	limit int,
	offset int,
) ([]models.ChatMessage, int, error) {
	totalQuery := `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1
	`

	var total int
	if err := r.db.QueryRow(ctx, totalQuery, conversationID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, conversation_id, sender_id, sender_role, content, status, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var message models.ChatMessage
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.SenderID,
			&message.SenderRole,
			&message.Content,
			&message.Status,
			&message.CreatedAt,
		); err != nil {
			return nil, 0, err
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

// MarkConversationRead marks every message not sent by the reader as read.
// Repeated calls affect zero rows.
func (r *MessageRepository) MarkConversationRead(
	ctx context.Context,
	conversationID int64,
	readerRole models.Role,
) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = 'read'
		WHERE conversation_id = $1
		  AND sender_role <> $2
		  AND status <> 'read'
	`, conversationID, readerRole)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkDelivered advances sent -> delivered only; a message already read
// (or delivered) is left alone, so status never regresses.
func (r *MessageRepository) MarkDelivered(ctx context.Context, messageID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE messages
		SET status = 'delivered'
		WHERE id = $1
		  AND status = 'sent'
	`, messageID)
	return err
}
