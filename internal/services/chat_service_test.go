package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/lab2home/Lab2HomeBack/internal/models"
)

type stubUserReader struct {
	user *models.User
	err  error

	lastID int64
}

func (s *stubUserReader) GetByID(_ context.Context, id int64) (*models.User, error) {
	s.lastID = id
	return s.user, s.err
}

func newValidationOnlyService(users *stubUserReader) *ChatService {
	return NewChatService(nil, nil, nil, nil, users, nil)
}

func TestCreateConversationRejectsInvalidPairs(t *testing.T) {
	users := &stubUserReader{}
	service := newValidationOnlyService(users)
	ctx := context.Background()

	cases := []struct {
		name       string
		actorRole  models.Role
		targetRole models.Role
	}{
		{"patient to phlebotomist", models.RolePatient, models.RolePhlebotomist},
		{"phlebotomist to patient", models.RolePhlebotomist, models.RolePatient},
		{"lab to lab", models.RoleLab, models.RoleLab},
		{"patient to patient", models.RolePatient, models.RolePatient},
		{"unknown target role", models.RoleLab, models.Role("admin")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.CreateConversation(ctx, 1, tc.actorRole, 2, tc.targetRole)
			if !errors.Is(err, ErrInvalidParticipantPair) {
				t.Fatalf("expected ErrInvalidParticipantPair, got %v", err)
			}
		})
	}

	if users.lastID != 0 {
		t.Fatalf("expected no user lookup for invalid pairs, saw %d", users.lastID)
	}
}

func TestCreateConversationRejectsSelfTarget(t *testing.T) {
	service := newValidationOnlyService(&stubUserReader{})

	_, err := service.CreateConversation(context.Background(), 7, models.RoleLab, 7, models.RolePatient)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCreateConversationReturnsUserNotFound(t *testing.T) {
	users := &stubUserReader{err: pgx.ErrNoRows}
	service := newValidationOnlyService(users)

	_, err := service.CreateConversation(context.Background(), 7, models.RoleLab, 42, models.RolePatient)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if users.lastID != 42 {
		t.Fatalf("expected lookup of user 42, got %d", users.lastID)
	}
}

func TestCreateConversationRejectsRoleMismatch(t *testing.T) {
	// The caller claims the target is a patient, but the account is a
	// phlebotomist.
	users := &stubUserReader{user: &models.User{ID: 42, Role: models.RolePhlebotomist}}
	service := newValidationOnlyService(users)

	_, err := service.CreateConversation(context.Background(), 7, models.RoleLab, 42, models.RolePatient)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSendMessageRejectsBlankContentWithoutAttachments(t *testing.T) {
	service := newValidationOnlyService(&stubUserReader{})

	_, err := service.SendMessage(context.Background(), 7, models.RoleLab, 11, "   \n\t ", nil)
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestSendMessageRejectsTooManyAttachments(t *testing.T) {
	service := newValidationOnlyService(&stubUserReader{})

	uploads := make([]AttachmentUpload, maxAttachmentsPerMessage+1)
	for i := range uploads {
		uploads[i] = AttachmentUpload{Filename: "a.txt", Data: []byte("x")}
	}

	_, err := service.SendMessage(context.Background(), 7, models.RoleLab, 11, "hi", uploads)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSendMessageRejectsEmptyUpload(t *testing.T) {
	service := newValidationOnlyService(&stubUserReader{})

	uploads := []AttachmentUpload{{Filename: "empty.bin"}}
	_, err := service.SendMessage(context.Background(), 7, models.RoleLab, 11, "", uploads)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSendMessageRejectsUnknownRole(t *testing.T) {
	service := newValidationOnlyService(&stubUserReader{})

	_, err := service.SendMessage(context.Background(), 7, models.Role("admin"), 11, "hi", nil)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestLockConversationRequiresLabRole(t *testing.T) {
	service := newValidationOnlyService(&stubUserReader{})
	ctx := context.Background()

	for _, role := range []models.Role{models.RolePatient, models.RolePhlebotomist, models.Role("admin")} {
		if _, err := service.LockConversation(ctx, 7, role, 11); !errors.Is(err, ErrForbidden) {
			t.Fatalf("expected ErrForbidden for role %q, got %v", role, err)
		}
	}
}

func TestResolveAttachmentRejectsNegativeIndex(t *testing.T) {
	service := newValidationOnlyService(&stubUserReader{})

	_, err := service.ResolveAttachment(context.Background(), 7, models.RoleLab, 21, -1)
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected pgx.ErrNoRows, got %v", err)
	}
}

func TestListMessagesValidatesPagination(t *testing.T) {
	service := newValidationOnlyService(&stubUserReader{})
	ctx := context.Background()

	if _, _, err := service.ListMessages(ctx, 7, models.RoleLab, 11, 0, 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for page 0, got %v", err)
	}
	if _, _, err := service.ListMessages(ctx, 7, models.RoleLab, 11, 1, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for limit 0, got %v", err)
	}
	if _, _, err := service.ListMessages(ctx, 7, models.RoleLab, 0, 1, 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for conversation 0, got %v", err)
	}
}

func TestAttachmentObjectKeyKeepsExtension(t *testing.T) {
	key := attachmentObjectKey(11, "Report.PDF")
	if !strings.HasPrefix(key, "chat-attachments/11/") {
		t.Fatalf("unexpected key prefix: %q", key)
	}
	if !strings.HasSuffix(key, ".pdf") {
		t.Fatalf("expected lowercased extension, got %q", key)
	}
}
