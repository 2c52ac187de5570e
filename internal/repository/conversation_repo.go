package repository

import (
	"context"
	"database/sql"

	"github.com/lab2home/Lab2HomeBack/internal/models"
)

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// CreateOrGet returns the conversation for the (lab, partner) pair, creating
// it on first contact. The unique index on (lab_id, partner_id, partner_role)
// makes concurrent first-contact attempts collapse into a single row; the
// no-op DO UPDATE turns the conflicting insert into a lookup.
func (r *ConversationRepository) CreateOrGet(
	ctx context.Context,
	labID int64,
	partnerID int64,
	partnerRole models.Role,
) (*models.Conversation, error) {
	query := `
		INSERT INTO conversations (lab_id, partner_id, partner_role)
		VALUES ($1, $2, $3)
		ON CONFLICT (lab_id, partner_id, partner_role)
		DO UPDATE SET updated_at = conversations.updated_at
		RETURNING id, lab_id, partner_id, partner_role, locked, created_at, updated_at
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, labID, partnerID, partnerRole).Scan(
		&conversation.ID,
		&conversation.LabID,
		&conversation.PartnerID,
		&conversation.PartnerRole,
		&conversation.Locked,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	query := `
		SELECT id, lab_id, partner_id, partner_role, locked, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, conversationID).Scan(
		&conversation.ID,
		&conversation.LabID,
		&conversation.PartnerID,
		&conversation.PartnerRole,
		&conversation.Locked,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

func (r *ConversationRepository) GetByIDForParticipant(
	ctx context.Context,
	conversationID int64,
	participantID int64,
) (*models.Conversation, error) {
	query := `
		SELECT id, lab_id, partner_id, partner_role, locked, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND (lab_id = $2 OR partner_id = $2)
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, conversationID, participantID).Scan(
		&conversation.ID,
		&conversation.LabID,
		&conversation.PartnerID,
		&conversation.PartnerRole,
		&conversation.Locked,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

// ListForParticipant returns every conversation the user takes part in,
// most recent activity first. The last-message preview and the per-role
// unread counts are derived from the message log on every call, so they
// can never drift from it.
func (r *ConversationRepository) ListForParticipant(
	ctx context.Context,
	participantID int64,
) ([]models.ConversationSummary, error) {
	query := `
		SELECT
			c.id,
			c.lab_id,
			c.partner_id,
			c.partner_role,
			c.locked,
			c.created_at,
			c.updated_at,
			lm.id,
			lm.conversation_id,
			lm.sender_id,
			lm.sender_role,
			lm.content,
			lm.status,
			lm.created_at,
			COALESCE(lu.unread_count, 0),
			COALESCE(pu.unread_count, 0)
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT id, conversation_id, sender_id, sender_role, content, status, created_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread_count
			FROM messages
			WHERE conversation_id = c.id
			  AND sender_role <> 'lab'
			  AND status <> 'read'
		) lu ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread_count
			FROM messages
			WHERE conversation_id = c.id
			  AND sender_role = 'lab'
			  AND status <> 'read'
		) pu ON TRUE
		WHERE c.lab_id = $1 OR c.partner_id = $1
		ORDER BY COALESCE(lm.created_at, c.updated_at, c.created_at) DESC, c.id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var summary models.ConversationSummary
		var messageID sql.NullInt64
		var messageConversationID sql.NullInt64
		var messageSenderID sql.NullInt64
		var messageSenderRole sql.NullString
		var messageContent sql.NullString
		var messageStatus sql.NullString
		var messageCreatedAt sql.NullTime
		var labUnread int
		var partnerUnread int

		if err := rows.Scan(
			&summary.ID,
			&summary.LabID,
			&summary.PartnerID,
			&summary.PartnerRole,
			&summary.Locked,
			&summary.CreatedAt,
			&summary.UpdatedAt,
			&messageID,
			&messageConversationID,
			&messageSenderID,
			&messageSenderRole,
			&messageContent,
			&messageStatus,
			&messageCreatedAt,
			&labUnread,
			&partnerUnread,
		); err != nil {
			return nil, err
		}

		if messageID.Valid {
			summary.LastMessage = &models.ChatMessage{
				ID:             messageID.Int64,
				ConversationID: messageConversationID.Int64,
				SenderID:       messageSenderID.Int64,
				SenderRole:     models.Role(messageSenderRole.String),
				Content:        messageContent.String,
				Status:         models.MessageStatus(messageStatus.String),
				CreatedAt:      messageCreatedAt.Time,
			}
			lastAt := messageCreatedAt.Time
			summary.LastMessageAt = &lastAt
		}

		summary.UnreadCount = map[models.Role]int{
			models.RoleLab:      labUnread,
			summary.PartnerRole: partnerUnread,
		}

		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summaries, nil
}

// Lock flips the conversation to locked. Locking an already locked
// conversation is a no-op that still returns the row.
func (r *ConversationRepository) Lock(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	query := `
		UPDATE conversations
		SET locked = TRUE, updated_at = NOW()
		WHERE id = $1
		RETURNING id, lab_id, partner_id, partner_role, locked, created_at, updated_at
	`

	var conversation models.Conversation
	err := r.db.QueryRow(ctx, query, conversationID).Scan(
		&conversation.ID,
		&conversation.LabID,
		&conversation.PartnerID,
		&conversation.PartnerRole,
		&conversation.Locked,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &conversation, nil
}

func (r *ConversationRepository) Touch(ctx context.Context, conversationID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET updated_at = NOW()
		WHERE id = $1
	`, conversationID)
	return err
}
