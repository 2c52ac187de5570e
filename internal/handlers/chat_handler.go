package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/lab2home/Lab2HomeBack/internal/models"
	"github.com/lab2home/Lab2HomeBack/internal/services"
	chatws "github.com/lab2home/Lab2HomeBack/internal/websocket"
	"github.com/lab2home/Lab2HomeBack/pkg/utils"
)

type chatApplicationService interface {
	ListConversations(ctx context.Context, actorID int64, role models.Role) ([]models.ConversationSummary, error)
	CreateConversation(ctx context.Context, actorID int64, actorRole models.Role, targetID int64, targetRole models.Role) (*models.Conversation, error)
	ConversationForParticipant(ctx context.Context, actorID int64, role models.Role, conversationID int64) (*models.Conversation, error)
	ListMessages(ctx context.Context, actorID int64, role models.Role, conversationID int64, page int, limit int) ([]models.ChatMessage, int, error)
	SendMessage(ctx context.Context, actorID int64, role models.Role, conversationID int64, content string, uploads []services.AttachmentUpload) (*services.ChatDelivery, error)
	MarkConversationRead(ctx context.Context, actorID int64, role models.Role, conversationID int64) (*models.Conversation, error)
	ResolveAttachment(ctx context.Context, actorID int64, role models.Role, messageID int64, index int) (*services.AttachmentContent, error)
	LockConversation(ctx context.Context, actorID int64, role models.Role, conversationID int64) (*models.Conversation, error)
}

type ChatHandler struct {
	service   chatApplicationService
	hub       *chatws.Hub
	notifier  chatws.Notifier
	jwtSecret string
}

type createConversationRequest struct {
	TargetUserID   int64  `json:"target_user_id"`
	TargetUserType string `json:"target_user_type"`
}

func NewChatHandler(
	service chatApplicationService,
	hub *chatws.Hub,
	notifier chatws.Notifier,
	jwtSecret string,
) *ChatHandler {
	return &ChatHandler{
		service:   service,
		hub:       hub,
		notifier:  notifier,
		jwtSecret: jwtSecret,
	}
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	actorID, role, err := chatActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversations, err := h.service.ListConversations(c.Context(), actorID, role)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

func (h *ChatHandler) CreateConversation(c *fiber.Ctx) error {
	actorID, role, err := chatActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	conversation, err := h.service.CreateConversation(
		c.Context(),
		actorID,
		role,
		req.TargetUserID,
		models.Role(req.TargetUserType),
	)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"conversation": conversation})
}

func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	actorID, role, err := chatActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, err := strconv.ParseInt(c.Params("conversationId"), 10, 64)
	if err != nil || conversationID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	page := parsePositiveInt(c.Query("page"), 1)
	limit := parsePositiveInt(c.Query("limit"), defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	messages, total, err := h.service.ListMessages(c.Context(), actorID, role, conversationID, page, limit)
	if err != nil {
		return mapChatError(c, err)
	}

	return c.JSON(fiber.Map{
		"messages":   messages,
		"pagination": buildPaginationMeta(page, limit, total),
	})
}

func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	actorID, role, err := chatActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, content, uploads, err := parseSendMessageRequest(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	delivery, err := h.service.SendMessage(c.Context(), actorID, role, conversationID, content, uploads)
	if err != nil {
		return mapChatError(c, err)
	}

	h.notifier.NewMessage(delivery.Message.ConversationID, delivery.Message)

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": delivery.Message})
}

func (h *ChatHandler) MarkRead(c *fiber.Ctx) error {
	actorID, role, err := chatActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, err := strconv.ParseInt(c.Params("conversationId"), 10, 64)
	if err != nil || conversationID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	conversation, err := h.service.MarkConversationRead(c.Context(), actorID, role, conversationID)
	if err != nil {
		return mapChatError(c, err)
	}

	h.notifier.MessagesRead(conversation.ID, role)

	return c.JSON(fiber.Map{"conversation_id": conversation.ID})
}

func (h *ChatHandler) GetAttachment(c *fiber.Ctx) error {
	actorID, role, err := chatActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	messageID, err := strconv.ParseInt(c.Params("messageId"), 10, 64)
	if err != nil || messageID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid message id"})
	}
	index, err := strconv.Atoi(c.Params("index"))
	if err != nil || index < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid attachment index"})
	}

	attachment, err := h.service.ResolveAttachment(c.Context(), actorID, role, messageID, index)
	if err != nil {
		return mapChatError(c, err)
	}

	c.Set(fiber.HeaderContentType, attachment.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", attachment.Filename))
	return c.Send(attachment.Data)
}

func (h *ChatHandler) LockConversation(c *fiber.Ctx) error {
	actorID, role, err := chatActor(c)
	if err != nil {
		return respondActorError(c, err)
	}

	conversationID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	conversation, err := h.service.LockConversation(c.Context(), actorID, role, conversationID)
	if err != nil {
		return mapChatError(c, err)
	}

	h.notifier.ConversationLocked(conversation.ID)

	return c.JSON(fiber.Map{"conversation": conversation})
}

func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	role, _ := conn.Locals("role").(string)
	client := chatws.NewClient(h.hub, conn, userID, models.Role(role))

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump(h.service)
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		authHeader := strings.TrimSpace(c.Get("Authorization"))
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

var (
	errActorForbidden    = errors.New("actor role not allowed")
	errActorUnauthorized = errors.New("actor token invalid")
)

func chatActor(c *fiber.Ctx) (int64, models.Role, error) {
	role, ok := c.Locals("role").(string)
	if !ok || !models.Role(role).Valid() {
		return 0, "", errActorForbidden
	}

	userID, err := parseActorUserID(c)
	if err != nil {
		return 0, "", errActorUnauthorized
	}

	return userID, models.Role(role), nil
}

func respondActorError(c *fiber.Ctx, err error) error {
	if errors.Is(err, errActorUnauthorized) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
}

func parseActorUserID(c *fiber.Ctx) (int64, error) {
	userIDValue := c.Locals("user_id")
	userIDStr, ok := userIDValue.(string)
	if !ok {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseInt(userIDStr, 10, 64)
}

// parseSendMessageRequest accepts the multipart form the web client submits
// (conversation_id, content, files[]) and falls back to a plain JSON body
// for text-only sends.
func parseSendMessageRequest(c *fiber.Ctx) (int64, string, []services.AttachmentUpload, error) {
	if form, err := c.MultipartForm(); err == nil && form != nil {
		conversationID, err := strconv.ParseInt(c.FormValue("conversation_id"), 10, 64)
		if err != nil {
			return 0, "", nil, err
		}

		var uploads []services.AttachmentUpload
		for _, fileHeader := range form.File["files"] {
			file, err := fileHeader.Open()
			if err != nil {
				return 0, "", nil, err
			}
			data, err := io.ReadAll(file)
			_ = file.Close()
			if err != nil {
				return 0, "", nil, err
			}

			contentType := fileHeader.Header.Get("Content-Type")
			if contentType == "" {
				contentType = http.DetectContentType(data)
			}

			uploads = append(uploads, services.AttachmentUpload{
				Filename:    fileHeader.Filename,
				ContentType: contentType,
				Size:        int64(len(data)),
				Data:        data,
			})
		}

		return conversationID, c.FormValue("content"), uploads, nil
	}

	var req struct {
		ConversationID int64  `json:"conversation_id"`
		Content        string `json:"content"`
	}
	if err := c.BodyParser(&req); err != nil {
		return 0, "", nil, err
	}
	return req.ConversationID, req.Content, nil, nil
}

func mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrInvalidParticipantPair):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid participant pair"})
	case errors.Is(err, services.ErrEmptyMessage):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Message content or attachments required"})
	case errors.Is(err, services.ErrConversationLocked):
		return c.Status(fiber.StatusLocked).JSON(fiber.Map{"error": "Conversation is locked"})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request"})
	case errors.Is(err, services.ErrUserNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "User not found"})
	case errors.Is(err, pgx.ErrNoRows):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}
