package domain

import "time"

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

type UserRole string

const (
	RolePatient UserRole = "patient"
	RoleDoctor  UserRole = "doctor"
	RoleAdmin   UserRole = "admin"
)

// Tombstone replaces the text of a deleted message. The row stays in
// place so ordering and replies pointing at it keep working.
const Tombstone = "[message deleted]"

// MaxMessageLen is the maximum message text length after trimming.
const MaxMessageLen = 2000

type Conversation struct {
	ID        string           `json:"id"`
	Type      ConversationType `json:"type"`
	Name      string           `json:"name,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Participant is one user's membership row in a conversation.
// LastReadAt is the read watermark used to derive unread counts.
type Participant struct {
	ConversationID string     `json:"conversationId"`
	UserID         string     `json:"userId"`
	IsActive       bool       `json:"isActive"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"`
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Text           string      `json:"text"`
	Type           MessageType `json:"type"`
	ReplyToID      string      `json:"replyToMessageId,omitempty"`
	IsEdited       bool        `json:"isEdited"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// UserRef is the directory's view of a platform user. The identity
// service owns the underlying record; this core only references it.
type UserRef struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Role  UserRole `json:"role"`
}

// ReplyPreview is the denormalized snippet attached to a message that
// replies to another one.
type ReplyPreview struct {
	ID         string `json:"id"`
	Text       string `json:"text,omitempty"`
	SenderName string `json:"senderName,omitempty"`
}

// MessageView is a message joined with sender identity and reply
// preview, the shape handlers return.
type MessageView struct {
	Message
	SenderName string        `json:"senderName"`
	SenderRole UserRole      `json:"senderRole"`
	ReplyTo    *ReplyPreview `json:"replyTo,omitempty"`
}

// ConversationSummary is the denormalized listing row for one
// conversation as seen by one participant.
type ConversationSummary struct {
	ID             string           `json:"id"`
	Type           ConversationType `json:"type"`
	Name           string           `json:"name"`
	OtherUserID    string           `json:"otherUserId,omitempty"`
	OtherUserRole  UserRole         `json:"otherUserRole,omitempty"`
	LastMessage    string           `json:"lastMessage"`
	LastMessageAt  *time.Time       `json:"lastMessageTime,omitempty"`
	LastSenderName string           `json:"lastSenderName,omitempty"`
	UnreadCount    int              `json:"unreadCount"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}
