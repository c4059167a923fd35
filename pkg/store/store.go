package store

import (
	"strings"
	"time"

	"clinichat/pkg/domain"
)

// Store defines persistence operations for conversations, messages,
// participants, and read receipts. The conversation service is the only
// writer; timestamps are supplied by the caller so the service stays the
// single clock.
type Store interface {
	// conversations
	// GetOrCreateDirect finds or atomically creates the one direct
	// conversation for the unordered pair. The second return reports
	// whether this call created it. Concurrent callers for the same
	// pair must observe the same conversation.
	GetOrCreateDirect(userA, userB string, now time.Time) (domain.Conversation, bool, error)
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversationsForUser(userID string) ([]domain.Conversation, error)

	// participants
	GetParticipant(conversationID, userID string) (domain.Participant, bool, error)
	ListParticipants(conversationID string) ([]domain.Participant, error)
	SetLastRead(conversationID, userID string, at time.Time) error

	// messages
	AppendMessage(msg domain.Message) error
	GetMessage(id string) (domain.Message, bool, error)
	// ListMessages returns the window of limit messages starting
	// offset back from the newest, in chronological order.
	ListMessages(conversationID string, limit, offset int) ([]domain.Message, error)
	LastMessage(conversationID string) (domain.Message, bool, error)
	// UpdateMessage rewrites text/type in place and marks the row
	// edited. Used by both edit and tombstone delete.
	UpdateMessage(id, text string, msgType domain.MessageType, editedAt time.Time) error

	// read tracking
	MarkMessageRead(messageID, userID string, at time.Time) error
	// CountUnread counts messages in the conversation authored by
	// someone other than viewerID with created_at after since. A nil
	// since counts everything from the other side.
	CountUnread(conversationID, viewerID string, since *time.Time) (int, error)
	// HasNewSince reports whether any conversation the user actively
	// participates in has a message from someone else after since.
	HasNewSince(userID string, since time.Time) (bool, error)
}

// PairKey returns the canonical key for an unordered user pair.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}
