package store

import "time"

// GORM models used for persistence.
type ConversationModel struct {
	ID   string `gorm:"primaryKey"`
	Type string `gorm:"not null"`
	Name string
	// PairKey is the canonical "minID|maxID" key for direct
	// conversations; the unique index is what makes find-or-create
	// linearizable. NULL for group conversations.
	PairKey   *string   `gorm:"uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

type ParticipantModel struct {
	ConversationID string    `gorm:"primaryKey"`
	UserID         string    `gorm:"primaryKey;index"`
	IsActive       bool      `gorm:"not null;default:true"`
	JoinedAt       time.Time `gorm:"not null"`
	LastReadAt     *time.Time
}

type MessageModel struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index:idx_messages_conv_created"`
	SenderID       string `gorm:"not null;index"`
	MessageText    string `gorm:"type:text;not null"`
	MessageType    string `gorm:"not null"`
	ReplyToID      *string
	IsEdited       bool      `gorm:"not null;default:false"`
	EditedAt       *time.Time
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conv_created"`
	UpdatedAt      time.Time `gorm:"not null"`
}

// ReadStatusModel is one per-message read receipt. Duplicate marks are
// absorbed by the composite primary key.
type ReadStatusModel struct {
	MessageID string    `gorm:"primaryKey"`
	UserID    string    `gorm:"primaryKey"`
	ReadAt    time.Time `gorm:"not null"`
}
