package repository

import (
	"context"

	"github.com/lab2home/Lab2HomeBack/internal/models"
)

type AttachmentRepository struct {
	db DBTX
}

func NewAttachmentRepository(db DBTX) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

type CreateAttachmentInput struct {
	MessageID   int64
	Position    int
	Filename    string
	ContentType string
	SizeBytes   int64
	// Exactly one of StorageKey and Data is set: either the payload lives in
	// object storage under StorageKey, or inline in the data column.
	StorageKey *string
	Data       []byte
}

// AttachmentRecord is an attachment plus the location of its payload.
type AttachmentRecord struct {
	models.Attachment
	StorageKey *string
	Data       []byte
}

func (r *AttachmentRepository) Create(ctx context.Context, input CreateAttachmentInput) (*models.Attachment, error) {
	query := `
		INSERT INTO message_attachments (message_id, position, filename, content_type, size_bytes, storage_key, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, message_id, position, filename, content_type, size_bytes
	`

	var attachment models.Attachment
	err := r.db.QueryRow(
		ctx,
		query,
		input.MessageID,
		input.Position,
		input.Filename,
		input.ContentType,
		input.SizeBytes,
		input.StorageKey,
		input.Data,
	).Scan(
		&attachment.ID,
		&attachment.MessageID,
		&attachment.Position,
		&attachment.Filename,
		&attachment.ContentType,
		&attachment.SizeBytes,
	)
	if err != nil {
		return nil, err
	}

	return &attachment, nil
}

// ListByMessages returns attachment metadata grouped by message id, in
// position order. Payloads are not loaded here.
func (r *AttachmentRepository) ListByMessages(
	ctx context.Context,
	messageIDs []int64,
) (map[int64][]models.Attachment, error) {
	byMessage := make(map[int64][]models.Attachment)
	if len(messageIDs) == 0 {
		return byMessage, nil
	}

	query := `
		SELECT id, message_id, position, filename, content_type, size_bytes
		FROM message_attachments
		WHERE message_id = ANY($1)
		ORDER BY message_id, position
	`

	rows, err := r.db.Query(ctx, query, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var attachment models.Attachment
		if err := rows.Scan(
			&attachment.ID,
			&attachment.MessageID,
			&attachment.Position,
			&attachment.Filename,
			&attachment.ContentType,
			&attachment.SizeBytes,
		); err != nil {
			return nil, err
		}
		byMessage[attachment.MessageID] = append(byMessage[attachment.MessageID], attachment)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return byMessage, nil
}

// GetContent loads one attachment by (message id, position) including where
// its payload lives.
func (r *AttachmentRepository) GetContent(
	ctx context.Context,
	messageID int64,
	position int,
) (*AttachmentRecord, error) {
	query := `
		SELECT id, message_id, position, filename, content_type, size_bytes, storage_key, data
		FROM message_attachments
		WHERE message_id = $1 AND position = $2
	`

	var record AttachmentRecord
	err := r.db.QueryRow(ctx, query, messageID, position).Scan(
		&record.ID,
		&record.MessageID,
		&record.Position,
		&record.Filename,
		&record.ContentType,
		&record.SizeBytes,
		&record.StorageKey,
		&record.Data,
	)
	if err != nil {
		return nil, err
	}

	return &record, nil
}
