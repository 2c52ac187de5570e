package routes

import (
	"context"
	"log"

	"github.com/go-redis/redis/v8"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lab2home/Lab2HomeBack/internal/config"
	"github.com/lab2home/Lab2HomeBack/internal/handlers"
	"github.com/lab2home/Lab2HomeBack/internal/middleware"
	"github.com/lab2home/Lab2HomeBack/internal/repository"
	"github.com/lab2home/Lab2HomeBack/internal/services"
	chatws "github.com/lab2home/Lab2HomeBack/internal/websocket"
)

const chatEventsChannel = "lab2home:chat:events"

func RegisterRoutes(app *fiber.App, cfg *config.Config, db *pgxpool.Pool) error {
	userRepo := repository.NewUserRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	attachmentRepo := repository.NewAttachmentRepository(db)

	var storage services.AttachmentStorage
	if cfg.SupabaseURL != "" && cfg.SupabaseBucket != "" && cfg.SupabaseServiceKey != "" {
		storage = services.NewSupabaseStorageService(cfg.SupabaseURL, cfg.SupabaseBucket, cfg.SupabaseServiceKey)
	}

	chatService := services.NewChatService(db, conversationRepo, messageRepo, attachmentRepo, userRepo, storage)

	chatHub := chatws.NewHub()
	chatHub.SetDeliveredFunc(func(conversationID, messageID int64) {
		if err := chatService.MarkMessageDelivered(context.Background(), messageID); err != nil {
			log.Printf("mark message %d delivered: %v", messageID, err)
		}
	})
	go chatHub.Run()

	var notifier chatws.Notifier = chatHub
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		bridge := chatws.NewRedisBridge(chatHub, redis.NewClient(opts), chatEventsChannel)
		go bridge.Run(context.Background())
		notifier = bridge
	}

	authHandler := handlers.NewAuthHandler(userRepo, cfg.JWTSecret)
	chatHandler := handlers.NewChatHandler(chatService, chatHub, notifier, cfg.JWTSecret)

	api := app.Group("/api")

	auth := api.Group("/auth")
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)
	auth.Get("/me", middleware.AuthRequired(cfg.JWTSecret), authHandler.Me)

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	chat := authProtected.Group("/chat")
	chat.Post("/conversation", chatHandler.CreateConversation)
	chat.Get("/conversations", chatHandler.ListConversations)
	chat.Post("/conversations/:id/lock", chatHandler.LockConversation)
	chat.Get("/messages/:conversationId", chatHandler.GetMessages)
	chat.Post("/messages", chatHandler.SendMessage)
	chat.Put("/messages/:conversationId/read", chatHandler.MarkRead)
	chat.Get("/messages/:messageId/attachments/:index", chatHandler.GetAttachment)

	api.Use("/v1/ws", chatHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(chatHandler.HandleWebSocket))

	return registerDocsRoutes(app, cfg)
}
