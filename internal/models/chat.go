package models

import "time"

// Role identifies which side of the marketplace an account belongs to.
// It is a closed set; every switch over a Role must handle all three.
type Role string

const (
	RolePatient      Role = "patient"
	RoleLab          Role = "lab"
	RolePhlebotomist Role = "phlebotomist"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleLab, RolePhlebotomist:
		return true
	default:
		return false
	}
}

// ValidPair reports whether two roles are allowed to share a conversation.
// Conversations always involve exactly one lab: patient<->lab or
// phlebotomist<->lab, never patient<->phlebotomist.
func ValidPair(a, b Role) bool {
	if !a.Valid() || !b.Valid() {
		return false
	}
	return (a == RoleLab) != (b == RoleLab)
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

type Conversation struct {
	ID          int64     `json:"id"`
	LabID       int64     `json:"lab_id"`
	PartnerID   int64     `json:"partner_id"`
	PartnerRole Role      `json:"partner_role"`
	Locked      bool      `json:"locked"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ParticipantRole returns the role a user holds inside this conversation,
// or false if the user is not one of the two participants.
func (c *Conversation) ParticipantRole(userID int64) (Role, bool) {
	switch userID {
	case c.LabID:
		return RoleLab, true
	case c.PartnerID:
		return c.PartnerRole, true
	default:
		return "", false
	}
}

type Attachment struct {
	ID          int64  `json:"id"`
	MessageID   int64  `json:"message_id"`
	Position    int    `json:"position"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

type ChatMessage struct {
	ID             int64         `json:"id"`
	ConversationID int64         `json:"conversation_id"`
	SenderID       int64         `json:"sender_id"`
	SenderRole     Role          `json:"sender_role"`
	Content        string        `json:"content"`
	Status         MessageStatus `json:"status"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

type ConversationSummary struct {
	Conversation
	LastMessage   *ChatMessage `json:"last_message,omitempty"`
	LastMessageAt *time.Time   `json:"last_message_at,omitempty"`
	UnreadCount   map[Role]int `json:"unread_count"`
}
