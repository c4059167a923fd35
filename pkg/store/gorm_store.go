package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"clinichat/pkg/domain"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under a Postgres
// advisory lock so concurrent replicas don't race the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&ConversationModel{},
			&ParticipantModel{},
			&MessageModel{},
			&ReadStatusModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreFromDB wraps an already-open handle, skipping migrations.
func NewGormStoreFromDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the underlying handle so read-only collaborators (the
// user directory) can share the connection pool.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// GetOrCreateDirect inserts against the pair-key unique index with
// DO NOTHING semantics; whoever loses the race reads the winner's row.
func (s *GormStore) GetOrCreateDirect(userA, userB string, now time.Time) (domain.Conversation, bool, error) {
	key := PairKey(userA, userB)

	var existing ConversationModel
	err := s.db.Where("pair_key = ?", key).First(&existing).Error
	if err == nil {
		return conversationFromModel(existing), false, nil
	}
	if err != gorm.ErrRecordNotFound {
		return domain.Conversation{}, false, err
	}

	created := false
	model := ConversationModel{
		ID:        uuid.NewString(),
		Type:      string(domain.ConversationDirect),
		PairKey:   &key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pair_key"}},
			DoNothing: true,
		}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race; the winner's row is read below.
			return nil
		}
		created = true
		participants := []ParticipantModel{
			{ConversationID: model.ID, UserID: userA, IsActive: true, JoinedAt: now},
			{ConversationID: model.ID, UserID: userB, IsActive: true, JoinedAt: now},
		}
		return tx.Create(&participants).Error
	}); err != nil {
		return domain.Conversation{}, false, err
	}

	if err := s.db.Where("pair_key = ?", key).First(&existing).Error; err != nil {
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(existing), created, nil
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsForUser returns conversations where the user is an
// active participant.
func (s *GormStore) ListConversationsForUser(userID string) ([]domain.Conversation, error) {
	var models []ConversationModel
	if err := s.db.
		Joins("JOIN participant_models p ON p.conversation_id = conversation_models.id").
		Where("p.user_id = ? AND p.is_active = ?", userID, true).
		Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Conversation, 0, len(models))
	for _, m := range models {
		res = append(res, conversationFromModel(m))
	}
	return res, nil
}

// GetParticipant returns one membership row.
func (s *GormStore) GetParticipant(conversationID, userID string) (domain.Participant, bool, error) {
	var model ParticipantModel
	err := s.db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Participant{}, false, nil
		}
		return domain.Participant{}, false, err
	}
	return participantFromModel(model), true, nil
}

// ListParticipants returns all membership rows for a conversation.
func (s *GormStore) ListParticipants(conversationID string) ([]domain.Participant, error) {
	var models []ParticipantModel
	if err := s.db.Where("conversation_id = ?", conversationID).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Participant, 0, len(models))
	for _, m := range models {
		res = append(res, participantFromModel(m))
	}
	return res, nil
}

// SetLastRead moves the read watermark. Per-user scoped, so concurrent
// readers of different users never contend on the same row.
func (s *GormStore) SetLastRead(conversationID, userID string, at time.Time) error {
	return s.db.Model(&ParticipantModel{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("last_read_at", at).Error
}

// AppendMessage inserts a message row.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// GetMessage returns one message by ID.
func (s *GormStore) GetMessage(id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// ListMessages fetches newest-first with limit/offset, then reverses to
// chronological order so "latest N" pagination counts from the newest.
func (s *GormStore) ListMessages(conversationID string, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// LastMessage returns the newest message of a conversation.
func (s *GormStore) LastMessage(conversationID string) (domain.Message, bool, error) {
	var model MessageModel
	err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Order("id DESC").
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// UpdateMessage mutates text/type in place and stamps the edit.
func (s *GormStore) UpdateMessage(id, text string, msgType domain.MessageType, editedAt time.Time) error {
	return s.db.Model(&MessageModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"message_text": text,
			"message_type": string(msgType),
			"is_edited":    true,
			"edited_at":    editedAt,
			"updated_at":   editedAt,
		}).Error
}

// MarkMessageRead records a read receipt; duplicates are no-ops.
func (s *GormStore) MarkMessageRead(messageID, userID string, at time.Time) error {
	model := ReadStatusModel{MessageID: messageID, UserID: userID, ReadAt: at}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error
}

// CountUnread counts foreign messages after the watermark.
func (s *GormStore) CountUnread(conversationID, viewerID string, since *time.Time) (int, error) {
	q := s.db.Model(&MessageModel{}).
		Where("conversation_id = ?", conversationID).
		Where("sender_id <> ?", viewerID)
	if since != nil {
		q = q.Where("created_at > ?", *since)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// HasNewSince checks all active conversations of the user in one query.
func (s *GormStore) HasNewSince(userID string, since time.Time) (bool, error) {
	var count int64
	err := s.db.Model(&MessageModel{}).
		Joins("JOIN participant_models p ON p.conversation_id = message_models.conversation_id").
		Where("p.user_id = ? AND p.is_active = ?", userID, true).
		Where("message_models.sender_id <> ?", userID).
		Where("message_models.created_at > ?", since).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:        m.ID,
		Type:      domain.ConversationType(m.Type),
		Name:      m.Name,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func participantFromModel(m ParticipantModel) domain.Participant {
	return domain.Participant{
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		IsActive:       m.IsActive,
		JoinedAt:       m.JoinedAt,
		LastReadAt:     m.LastReadAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	var replyTo *string
	if msg.ReplyToID != "" {
		value := msg.ReplyToID
		replyTo = &value
	}
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		MessageText:    msg.Text,
		MessageType:    string(msg.Type),
		ReplyToID:      replyTo,
		IsEdited:       msg.IsEdited,
		EditedAt:       msg.EditedAt,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	replyTo := ""
	if m.ReplyToID != nil {
		replyTo = *m.ReplyToID
	}
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.MessageText,
		Type:           domain.MessageType(m.MessageType),
		ReplyToID:      replyTo,
		IsEdited:       m.IsEdited,
		EditedAt:       m.EditedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
