package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lab2home/Lab2HomeBack/internal/models"
	"github.com/lab2home/Lab2HomeBack/internal/repository"
)

var (
	ErrForbidden              = errors.New("forbidden")
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidParticipantPair = errors.New("invalid participant pair")
	ErrConversationLocked     = errors.New("conversation locked")
	ErrEmptyMessage           = errors.New("empty message")
	ErrUserNotFound           = errors.New("user not found")
)

const maxAttachmentsPerMessage = 10

type userReader interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

type ChatService struct {
	db               *pgxpool.Pool
	conversationRepo *repository.ConversationRepository
	messageRepo      *repository.MessageRepository
	attachmentRepo   *repository.AttachmentRepository
	userRepo         userReader
	storage          AttachmentStorage
}

// AttachmentUpload is one file taken from a multipart send request.
type AttachmentUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
}

// AttachmentContent is a resolved attachment payload ready to serve.
type AttachmentContent struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ChatDelivery describes a committed message send: the message, the
// conversation it belongs to, and who should be told about it.
type ChatDelivery struct {
	Conversation  *models.Conversation
	Message       *models.ChatMessage
	RecipientID   int64
	RecipientRole models.Role
}

func NewChatService(
	db *pgxpool.Pool,
	conversationRepo *repository.ConversationRepository,
	messageRepo *repository.MessageRepository,
	attachmentRepo *repository.AttachmentRepository,
	userRepo userReader,
	storage AttachmentStorage,
) *ChatService {
	return &ChatService{
		db:               db,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		attachmentRepo:   attachmentRepo,
		userRepo:         userRepo,
		storage:          storage,
	}
}

func (s *ChatService) ListConversations(
	ctx context.Context,
	actorID int64,
	role models.Role,
) ([]models.ConversationSummary, error) {
	if !role.Valid() {
		return nil, ErrForbidden
	}

	return s.conversationRepo.ListForParticipant(ctx, actorID)
}

// CreateConversation returns the conversation between the actor and the
// target, creating it on first contact. Exactly one of the two roles must
// be lab; any other pairing fails with ErrInvalidParticipantPair.
func (s *ChatService) CreateConversation(
	ctx context.Context,
	actorID int64,
	actorRole models.Role,
	targetID int64,
	targetRole models.Role,
) (*models.Conversation, error) {
	if !actorRole.Valid() {
		return nil, ErrForbidden
	}
	if targetID <= 0 || targetID == actorID {
		return nil, ErrInvalidInput
	}
	if !models.ValidPair(actorRole, targetRole) {
		return nil, ErrInvalidParticipantPair
	}

	target, err := s.userRepo.GetByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if target.Role != targetRole {
		return nil, ErrInvalidInput
	}

	labID, partnerID, partnerRole := actorID, targetID, targetRole
	if actorRole != models.RoleLab {
		labID, partnerID, partnerRole = targetID, actorID, actorRole
	}

	return s.conversationRepo.CreateOrGet(ctx, labID, partnerID, partnerRole)
}

// ConversationForParticipant fetches a conversation the actor takes part in
// under the role their token claims. Non-participants get ErrForbidden, not
// a hint about whether the conversation exists.
func (s *ChatService) ConversationForParticipant(
	ctx context.Context,
	actorID int64,
	role models.Role,
	conversationID int64,
) (*models.Conversation, error) {
	if !role.Valid() || conversationID <= 0 {
		return nil, ErrForbidden
	}

	conversation, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrForbidden
		}
		return nil, err
	}

	participantRole, ok := conversation.ParticipantRole(actorID)
	if !ok || participantRole != role {
		return nil, ErrForbidden
	}

	return conversation, nil
}

func (s *ChatService) ListMessages(
	ctx context.Context,
	actorID int64,
	role models.Role,
	conversationID int64,
	page int,
	limit int,
) ([]models.ChatMessage, int, error) {
	if !role.Valid() {
		return nil, 0, ErrForbidden
	}
	if conversationID <= 0 || page <= 0 || limit <= 0 {
		return nil, 0, ErrInvalidInput
	}

	if _, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID); err != nil {
		return nil, 0, err
	}

	messages, total, err := s.messageRepo.ListByConversation(ctx, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}

	if err := s.hydrateAttachments(ctx, messages); err != nil {
		return nil, 0, err
	}

	return messages, total, nil
}

// MarkConversationRead marks every message the actor has not sent as read.
// Idempotent; returns the conversation so callers can fan the receipt out.
func (s *ChatService) MarkConversationRead(
	ctx context.Context,
	actorID int64,
	role models.Role,
	conversationID int64,
) (*models.Conversation, error) {
	if !role.Valid() {
		return nil, ErrForbidden
	}
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}

	conversation, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}

	participantRole, ok := conversation.ParticipantRole(actorID)
	if !ok || participantRole != role {
		return nil, ErrForbidden
	}

	if _, err := s.messageRepo.MarkConversationRead(ctx, conversationID, role); err != nil {
		return nil, err
	}

	return conversation, nil
}

func (s *ChatService) SendMessage(
	ctx context.Context,
	actorID int64,
	role models.Role,
	conversationID int64,
	content string,
	uploads []AttachmentUpload,
) (*ChatDelivery, error) {
	if !role.Valid() {
		return nil, ErrForbidden
	}
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}
	if len(uploads) > maxAttachmentsPerMessage {
		return nil, ErrInvalidInput
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" && len(uploads) == 0 {
		return nil, ErrEmptyMessage
	}
	for _, upload := range uploads {
		if upload.Filename == "" || len(upload.Data) == 0 {
			return nil, ErrInvalidInput
		}
	}

	conversation, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrForbidden
		}
		return nil, err
	}

	senderRole, ok := conversation.ParticipantRole(actorID)
	if !ok || senderRole != role {
		return nil, ErrForbidden
	}
	if conversation.Locked {
		return nil, ErrConversationLocked
	}

	// Payloads go to object storage before the transaction when storage is
	// configured; a failed commit leaves orphaned objects, never dangling
	// metadata.
	storageKeys := make([]*string, len(uploads))
	if s.storage != nil {
		for i, upload := range uploads {
			key := attachmentObjectKey(conversationID, upload.Filename)
			if err := s.storage.Upload(ctx, key, upload.ContentType, upload.Data); err != nil {
				s.cleanupObjects(ctx, storageKeys[:i])
				return nil, fmt.Errorf("store attachment: %w", err)
			}
			storageKeys[i] = &key
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		s.cleanupObjects(ctx, storageKeys)
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := repository.NewMessageRepository(tx)
	txAttachmentRepo := repository.NewAttachmentRepository(tx)
	txConversationRepo := repository.NewConversationRepository(tx)

	message, err := txMessageRepo.CreateIfUnlocked(ctx, conversationID, actorID, role, trimmed)
	if err != nil {
		s.cleanupObjects(ctx, storageKeys)
		if errors.Is(err, pgx.ErrNoRows) {
			// The conversation existed a moment ago, so the conditional
			// insert can only have found it locked.
			return nil, ErrConversationLocked
		}
		return nil, err
	}

	for i, upload := range uploads {
		input := repository.CreateAttachmentInput{
			MessageID:   message.ID,
			Position:    i,
			Filename:    upload.Filename,
			ContentType: upload.ContentType,
			SizeBytes:   upload.Size,
			StorageKey:  storageKeys[i],
		}
		if storageKeys[i] == nil {
			input.Data = upload.Data
		}

		attachment, err := txAttachmentRepo.Create(ctx, input)
		if err != nil {
			s.cleanupObjects(ctx, storageKeys)
			return nil, err
		}
		message.Attachments = append(message.Attachments, *attachment)
	}

	if err := txConversationRepo.Touch(ctx, conversationID); err != nil {
		s.cleanupObjects(ctx, storageKeys)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		s.cleanupObjects(ctx, storageKeys)
		return nil, err
	}

	recipientID := conversation.LabID
	recipientRole := models.RoleLab
	if actorID == conversation.LabID {
		recipientID = conversation.PartnerID
		recipientRole = conversation.PartnerRole
	}

	return &ChatDelivery{
		Conversation:  conversation,
		Message:       message,
		RecipientID:   recipientID,
		RecipientRole: recipientRole,
	}, nil
}

// ResolveAttachment returns an attachment payload, but only to one of the
// owning conversation's two participants. Everyone else gets ErrForbidden
// regardless of whether the attachment exists.
func (s *ChatService) ResolveAttachment(
	ctx context.Context,
	actorID int64,
	role models.Role,
	messageID int64,
	index int,
) (*AttachmentContent, error) {
	if !role.Valid() {
		return nil, ErrForbidden
	}
	if messageID <= 0 || index < 0 {
		return nil, pgx.ErrNoRows
	}

	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	conversation, err := s.conversationRepo.GetByID(ctx, message.ConversationID)
	if err != nil {
		return nil, err
	}

	participantRole, ok := conversation.ParticipantRole(actorID)
	if !ok || participantRole != role {
		return nil, ErrForbidden
	}

	record, err := s.attachmentRepo.GetContent(ctx, messageID, index)
	if err != nil {
		return nil, err
	}

	data := record.Data
	if record.StorageKey != nil {
		if s.storage == nil {
			return nil, fmt.Errorf("attachment %d/%d stored remotely but storage is not configured", messageID, index)
		}
		data, err = s.storage.Download(ctx, *record.StorageKey)
		if err != nil {
			return nil, err
		}
	}

	return &AttachmentContent{
		Filename:    record.Filename,
		ContentType: record.ContentType,
		Data:        data,
	}, nil
}

// LockConversation closes a conversation to further messages once the lab
// has delivered its report. Idempotent; the booking subsystem may call it
// repeatedly.
func (s *ChatService) LockConversation(
	ctx context.Context,
	actorID int64,
	role models.Role,
	conversationID int64,
) (*models.Conversation, error) {
	if role != models.RoleLab {
		return nil, ErrForbidden
	}
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}

	if _, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, actorID); err != nil {
		return nil, err
	}

	return s.conversationRepo.Lock(ctx, conversationID)
}

// MarkMessageDelivered is the best-effort sent -> delivered hook invoked by
// the realtime hub; no caller depends on it succeeding.
func (s *ChatService) MarkMessageDelivered(ctx context.Context, messageID int64) error {
	return s.messageRepo.MarkDelivered(ctx, messageID)
}

func (s *ChatService) hydrateAttachments(ctx context.Context, messages []models.ChatMessage) error {
	messageIDs := make([]int64, 0, len(messages))
	for _, message := range messages {
		messageIDs = append(messageIDs, message.ID)
	}

	byMessage, err := s.attachmentRepo.ListByMessages(ctx, messageIDs)
	if err != nil {
		return err
	}

	for i := range messages {
		messages[i].Attachments = byMessage[messages[i].ID]
	}

	return nil
}

func (s *ChatService) cleanupObjects(ctx context.Context, keys []*string) {
	if s.storage == nil {
		return
	}
	for _, key := range keys {
		if key == nil {
			continue
		}
		if err := s.storage.Delete(ctx, *key); err != nil {
			log.Printf("cleanup orphaned attachment %s: %v", *key, err)
		}
	}
}

func attachmentObjectKey(conversationID int64, filename string) string {
	return fmt.Sprintf("chat-attachments/%d/%s%s", conversationID, uuid.NewString(), strings.ToLower(filepath.Ext(filename)))
}
