package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/lab2home/Lab2HomeBack/internal/models"
	"github.com/lab2home/Lab2HomeBack/internal/repository"
)

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
	testDBErr  error
)

func TestChatServiceConversationAndMessageFlow(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationChatService(pool)

	labID := createTestAccount(t, ctx, pool, models.RoleLab)
	patientID := createTestAccount(t, ctx, pool, models.RolePatient)
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, labID, patientID) })

	conversation, err := service.CreateConversation(ctx, patientID, models.RolePatient, labID, models.RoleLab)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if conversation.LabID != labID || conversation.PartnerID != patientID {
		t.Fatalf("unexpected participant layout: %+v", conversation)
	}

	// First contact is idempotent from either side.
	again, err := service.CreateConversation(ctx, labID, models.RoleLab, patientID, models.RolePatient)
	if err != nil {
		t.Fatalf("CreateConversation again: %v", err)
	}
	if again.ID != conversation.ID {
		t.Fatalf("expected same conversation, got %d and %d", conversation.ID, again.ID)
	}

	delivery, err := service.SendMessage(ctx, patientID, models.RolePatient, conversation.ID, "When will my results arrive?", nil)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if delivery.Message.Status != models.MessageStatusSent {
		t.Fatalf("expected sent status, got %q", delivery.Message.Status)
	}
	if delivery.RecipientID != labID || delivery.RecipientRole != models.RoleLab {
		t.Fatalf("unexpected recipient: %d %q", delivery.RecipientID, delivery.RecipientRole)
	}

	summaries, err := service.ListConversations(ctx, labID, models.RoleLab)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	summary := findSummary(t, summaries, conversation.ID)
	if summary.UnreadCount[models.RoleLab] != 1 {
		t.Fatalf("expected 1 unread for lab, got %d", summary.UnreadCount[models.RoleLab])
	}
	if summary.LastMessage == nil || summary.LastMessage.ID != delivery.Message.ID {
		t.Fatalf("expected last message %d, got %+v", delivery.Message.ID, summary.LastMessage)
	}

	if _, err := service.MarkConversationRead(ctx, labID, models.RoleLab, conversation.ID); err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}

	summaries, err = service.ListConversations(ctx, labID, models.RoleLab)
	if err != nil {
		t.Fatalf("ListConversations after read: %v", err)
	}
	summary = findSummary(t, summaries, conversation.ID)
	if summary.UnreadCount[models.RoleLab] != 0 {
		t.Fatalf("expected 0 unread after read, got %d", summary.UnreadCount[models.RoleLab])
	}

	messages, total, err := service.ListMessages(ctx, patientID, models.RolePatient, conversation.ID, 1, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if total != 1 || len(messages) != 1 {
		t.Fatalf("expected 1 message, got total=%d len=%d", total, len(messages))
	}
	if messages[0].Status != models.MessageStatusRead {
		t.Fatalf("expected read status after mark, got %q", messages[0].Status)
	}

	// A send after the read-mark starts the unread count over from one;
	// earlier read messages must not be counted again.
	if _, err := service.SendMessage(ctx, patientID, models.RolePatient, conversation.ID, "Also, is fasting required?", nil); err != nil {
		t.Fatalf("SendMessage after read: %v", err)
	}
	if _, err := service.SendMessage(ctx, patientID, models.RolePatient, conversation.ID, "And how long until results?", nil); err != nil {
		t.Fatalf("second SendMessage after read: %v", err)
	}

	summaries, err = service.ListConversations(ctx, labID, models.RoleLab)
	if err != nil {
		t.Fatalf("ListConversations after new sends: %v", err)
	}
	summary = findSummary(t, summaries, conversation.ID)
	if summary.UnreadCount[models.RoleLab] != 2 {
		t.Fatalf("expected 2 unread after sends following a read, got %d", summary.UnreadCount[models.RoleLab])
	}
	if summary.UnreadCount[models.RolePatient] != 0 {
		t.Fatalf("expected 0 unread for the sender, got %d", summary.UnreadCount[models.RolePatient])
	}

	if _, err := service.MarkConversationRead(ctx, labID, models.RoleLab, conversation.ID); err != nil {
		t.Fatalf("MarkConversationRead second pass: %v", err)
	}
	summaries, err = service.ListConversations(ctx, labID, models.RoleLab)
	if err != nil {
		t.Fatalf("ListConversations after second read: %v", err)
	}
	if summary = findSummary(t, summaries, conversation.ID); summary.UnreadCount[models.RoleLab] != 0 {
		t.Fatalf("expected 0 unread after second read, got %d", summary.UnreadCount[models.RoleLab])
	}
}

func TestChatServiceConcurrentFirstContactYieldsOneConversation(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationChatService(pool)

	labID := createTestAccount(t, ctx, pool, models.RoleLab)
	patientID := createTestAccount(t, ctx, pool, models.RolePatient)
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, labID, patientID) })

	// Both sides race to create the same conversation; the unique pair
	// index must collapse the inserts into a single row.
	start := make(chan struct{})
	results := make(chan *models.Conversation, 2)
	errs := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		conversation, err := service.CreateConversation(ctx, patientID, models.RolePatient, labID, models.RoleLab)
		results <- conversation
		errs <- err
	}()
	go func() {
		defer wg.Done()
		<-start
		conversation, err := service.CreateConversation(ctx, labID, models.RoleLab, patientID, models.RolePatient)
		results <- conversation
		errs <- err
	}()

	close(start)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent CreateConversation: %v", err)
		}
	}

	ids := make(map[int64]struct{})
	for conversation := range results {
		ids[conversation.ID] = struct{}{}
	}
	if len(ids) != 1 {
		t.Fatalf("expected one conversation id from both racers, got %v", ids)
	}

	summaries, err := service.ListConversations(ctx, labID, models.RoleLab)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	count := 0
	for _, summary := range summaries {
		if summary.LabID == labID && summary.PartnerID == patientID {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one conversation row for the pair, got %d", count)
	}
}

func TestChatServiceLockStopsNewMessages(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationChatService(pool)

	labID := createTestAccount(t, ctx, pool, models.RoleLab)
	phlebotomistID := createTestAccount(t, ctx, pool, models.RolePhlebotomist)
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, labID, phlebotomistID) })

	conversation, err := service.CreateConversation(ctx, labID, models.RoleLab, phlebotomistID, models.RolePhlebotomist)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	if _, err := service.SendMessage(ctx, labID, models.RoleLab, conversation.ID, "Sample kit is on the way", nil); err != nil {
		t.Fatalf("SendMessage before lock: %v", err)
	}

	if _, err := service.LockConversation(ctx, phlebotomistID, models.RolePhlebotomist, conversation.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-lab lock, got %v", err)
	}

	locked, err := service.LockConversation(ctx, labID, models.RoleLab, conversation.ID)
	if err != nil {
		t.Fatalf("LockConversation: %v", err)
	}
	if !locked.Locked {
		t.Fatalf("expected locked conversation")
	}

	// Locking again is a no-op.
	if _, err := service.LockConversation(ctx, labID, models.RoleLab, conversation.ID); err != nil {
		t.Fatalf("LockConversation repeat: %v", err)
	}

	if _, err := service.SendMessage(ctx, phlebotomistID, models.RolePhlebotomist, conversation.ID, "One more thing", nil); !errors.Is(err, ErrConversationLocked) {
		t.Fatalf("expected ErrConversationLocked, got %v", err)
	}

	// History and read receipts stay available after the lock.
	if _, _, err := service.ListMessages(ctx, phlebotomistID, models.RolePhlebotomist, conversation.ID, 1, 10); err != nil {
		t.Fatalf("ListMessages after lock: %v", err)
	}
	if _, err := service.MarkConversationRead(ctx, phlebotomistID, models.RolePhlebotomist, conversation.ID); err != nil {
		t.Fatalf("MarkConversationRead after lock: %v", err)
	}
}

func TestChatServiceInlineAttachmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationChatService(pool)

	labID := createTestAccount(t, ctx, pool, models.RoleLab)
	patientID := createTestAccount(t, ctx, pool, models.RolePatient)
	outsiderID := createTestAccount(t, ctx, pool, models.RolePatient)
	t.Cleanup(func() { cleanupTestUsers(t, ctx, pool, labID, patientID, outsiderID) })

	conversation, err := service.CreateConversation(ctx, labID, models.RoleLab, patientID, models.RolePatient)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	uploads := []AttachmentUpload{
		{Filename: "results.pdf", ContentType: "application/pdf", Size: 4, Data: []byte("%PDF")},
		{Filename: "notes.txt", ContentType: "text/plain", Size: 5, Data: []byte("hello")},
	}
	delivery, err := service.SendMessage(ctx, labID, models.RoleLab, conversation.ID, "Report attached", uploads)
	if err != nil {
		t.Fatalf("SendMessage with attachments: %v", err)
	}
	if len(delivery.Message.Attachments) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(delivery.Message.Attachments))
	}

	content, err := service.ResolveAttachment(ctx, patientID, models.RolePatient, delivery.Message.ID, 1)
	if err != nil {
		t.Fatalf("ResolveAttachment: %v", err)
	}
	if content.Filename != "notes.txt" || string(content.Data) != "hello" {
		t.Fatalf("unexpected attachment content: %+v", content)
	}

	if _, err := service.ResolveAttachment(ctx, outsiderID, models.RolePatient, delivery.Message.ID, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for outsider, got %v", err)
	}

	messages, _, err := service.ListMessages(ctx, patientID, models.RolePatient, conversation.ID, 1, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 1 || len(messages[0].Attachments) != 2 {
		t.Fatalf("expected hydrated attachments, got %+v", messages)
	}
	if messages[0].Attachments[0].Position != 0 || messages[0].Attachments[1].Position != 1 {
		t.Fatalf("expected position order, got %+v", messages[0].Attachments)
	}
}

func integrationTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testDBOnce.Do(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join("..", "..", ".env"))

		dbURL := os.Getenv("DB_URL")
		if dbURL == "" {
			testDBErr = fmt.Errorf("DB_URL is not set")
			return
		}

		cfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			testDBErr = err
			return
		}

		testDBPool, testDBErr = pgxpool.NewWithConfig(context.Background(), cfg)
		if testDBErr != nil {
			return
		}
		testDBErr = testDBPool.Ping(context.Background())
	})

	if testDBErr != nil {
		t.Skipf("skipping integration test: %v", testDBErr)
	}
	return testDBPool
}

func newIntegrationChatService(pool *pgxpool.Pool) *ChatService {
	return NewChatService(
		pool,
		repository.NewConversationRepository(pool),
		repository.NewMessageRepository(pool),
		repository.NewAttachmentRepository(pool),
		repository.NewUserRepository(pool),
		nil,
	)
}

func createTestAccount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role models.Role) int64 {
	t.Helper()

	userRepo := repository.NewUserRepository(pool)
	user := &models.User{
		Email:        fmt.Sprintf("chat-test-%s-%d@example.com", role, time.Now().UnixNano()),
		PasswordHash: "test-hash",
		Role:         role,
	}
	if err := userRepo.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser(%s): %v", role, err)
	}

	return user.ID
}

func cleanupTestUsers(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userIDs ...int64) {
	t.Helper()

	for _, userID := range userIDs {
		if _, err := pool.Exec(ctx,
			`DELETE FROM conversations WHERE lab_id = $1 OR partner_id = $1`, userID); err != nil {
			t.Errorf("cleanup conversations for %d: %v", userID, err)
		}
	}
	for _, userID := range userIDs {
		if _, err := pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID); err != nil {
			t.Errorf("cleanup user %d: %v", userID, err)
		}
	}
}

func findSummary(t *testing.T, summaries []models.ConversationSummary, conversationID int64) models.ConversationSummary {
	t.Helper()

	for _, summary := range summaries {
		if summary.ID == conversationID {
			return summary
		}
	}
	t.Fatalf("conversation %d not in summaries: %+v", conversationID, summaries)
	return models.ConversationSummary{}
}
