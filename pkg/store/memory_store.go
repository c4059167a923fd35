package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinichat/pkg/domain"
)

// MemoryStore keeps everything in-process behind one mutex. It mirrors
// GormStore semantics (including pair dedup) and backs tests and local
// runs without Postgres.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]domain.Conversation
	pairs         map[string]string // pair key -> conversation ID
	participants  map[string][]domain.Participant
	messages      map[string][]domain.Message // conversation ID -> chronological
	byID          map[string]string           // message ID -> conversation ID
	receipts      map[string]map[string]time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]domain.Conversation),
		pairs:         make(map[string]string),
		participants:  make(map[string][]domain.Participant),
		messages:      make(map[string][]domain.Message),
		byID:          make(map[string]string),
		receipts:      make(map[string]map[string]time.Time),
	}
}

// GetOrCreateDirect is linearizable here by virtue of the single mutex.
func (m *MemoryStore) GetOrCreateDirect(userA, userB string, now time.Time) (domain.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := PairKey(userA, userB)
	if id, ok := m.pairs[key]; ok {
		return m.conversations[id], false, nil
	}
	conv := domain.Conversation{
		ID:        uuid.NewString(),
		Type:      domain.ConversationDirect,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[conv.ID] = conv
	m.pairs[key] = conv.ID
	m.participants[conv.ID] = []domain.Participant{
		{ConversationID: conv.ID, UserID: userA, IsActive: true, JoinedAt: now},
		{ConversationID: conv.ID, UserID: userB, IsActive: true, JoinedAt: now},
	}
	return conv, true, nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	return conv, ok, nil
}

func (m *MemoryStore) ListConversationsForUser(userID string) ([]domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.Conversation
	for convID, parts := range m.participants {
		for _, p := range parts {
			if p.UserID == userID && p.IsActive {
				res = append(res, m.conversations[convID])
				break
			}
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (m *MemoryStore) GetParticipant(conversationID, userID string) (domain.Participant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants[conversationID] {
		if p.UserID == userID {
			return p, true, nil
		}
	}
	return domain.Participant{}, false, nil
}

func (m *MemoryStore) ListParticipants(conversationID string) ([]domain.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := m.participants[conversationID]
	res := make([]domain.Participant, len(parts))
	copy(res, parts)
	return res, nil
}

func (m *MemoryStore) SetLastRead(conversationID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := m.participants[conversationID]
	for i := range parts {
		if parts[i].UserID == userID {
			t := at
			parts[i].LastReadAt = &t
		}
	}
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append(m.messages[msg.ConversationID], msg)
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	m.messages[msg.ConversationID] = msgs
	m.byID[msg.ID] = msg.ConversationID
	return nil
}

func (m *MemoryStore) GetMessage(id string) (domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.findMessage(id)
	return msg, ok, nil
}

func (m *MemoryStore) findMessage(id string) (domain.Message, bool) {
	convID, ok := m.byID[id]
	if !ok {
		return domain.Message{}, false
	}
	for _, msg := range m.messages[convID] {
		if msg.ID == id {
			return msg, true
		}
	}
	return domain.Message{}, false
}

func (m *MemoryStore) ListMessages(conversationID string, limit, offset int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	msgs := m.messages[conversationID]
	// Window counted back from the newest, returned chronological.
	end := len(msgs) - offset
	if end <= 0 {
		return []domain.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	res := make([]domain.Message, end-start)
	copy(res, msgs[start:end])
	return res, nil
}

func (m *MemoryStore) LastMessage(conversationID string) (domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	if len(msgs) == 0 {
		return domain.Message{}, false, nil
	}
	return msgs[len(msgs)-1], true, nil
}

func (m *MemoryStore) UpdateMessage(id, text string, msgType domain.MessageType, editedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	convID, ok := m.byID[id]
	if !ok {
		return nil
	}
	msgs := m.messages[convID]
	for i := range msgs {
		if msgs[i].ID == id {
			msgs[i].Text = text
			msgs[i].Type = msgType
			msgs[i].IsEdited = true
			t := editedAt
			msgs[i].EditedAt = &t
			msgs[i].UpdatedAt = editedAt
		}
	}
	return nil
}

func (m *MemoryStore) MarkMessageRead(messageID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.receipts[messageID]
	if !ok {
		seen = make(map[string]time.Time)
		m.receipts[messageID] = seen
	}
	if _, dup := seen[userID]; !dup {
		seen[userID] = at
	}
	return nil
}

// ReadReceipt reports whether a user has marked a message read; test hook.
func (m *MemoryStore) ReadReceipt(messageID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.receipts[messageID][userID]
	return ok
}

func (m *MemoryStore) CountUnread(conversationID, viewerID string, since *time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID == viewerID {
			continue
		}
		if since != nil && !msg.CreatedAt.After(*since) {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) HasNewSince(userID string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for convID, parts := range m.participants {
		active := false
		for _, p := range parts {
			if p.UserID == userID && p.IsActive {
				active = true
				break
			}
		}
		if !active {
			continue
		}
		for _, msg := range m.messages[convID] {
			if msg.SenderID != userID && msg.CreatedAt.After(since) {
				return true, nil
			}
		}
	}
	return false, nil
}
