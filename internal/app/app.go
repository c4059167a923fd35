// Package app is the conversation service: it authorizes callers by
// participant membership, validates input, delegates to the store, and
// assembles the denormalized shapes handlers return.
package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"clinichat/internal/metrics"
	"clinichat/pkg/directory"
	"clinichat/pkg/domain"
	"clinichat/pkg/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200

	// summaryWorkers bounds concurrent summary assembly per listing.
	summaryWorkers = 4
)

// Config wires the application's collaborators.
type Config struct {
	Store     store.Store
	Directory directory.Directory
	// Unread is optional; nil disables caching.
	Unread *UnreadCache
}

// App is the conversation service.
type App struct {
	store  store.Store
	dir    directory.Directory
	unread *UnreadCache
}

// New constructs the application service.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("directory required")
	}
	return &App{store: cfg.Store, dir: cfg.Directory, unread: cfg.Unread}, nil
}

// StartConversation finds or creates the direct conversation between
// the caller and another user, returning its summary. Safe to retry;
// concurrent callers for the same pair resolve to the same conversation.
func (a *App) StartConversation(caller domain.UserRef, otherUserID string) (domain.ConversationSummary, error) {
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return domain.ConversationSummary{}, fmt.Errorf("%w: otherUserId is required", ErrValidation)
	}
	if otherUserID == caller.ID {
		return domain.ConversationSummary{}, ErrSelfConversation
	}
	if _, ok, err := a.dir.GetUser(otherUserID); err != nil {
		return domain.ConversationSummary{}, fmt.Errorf("resolve other user: %w", err)
	} else if !ok {
		return domain.ConversationSummary{}, fmt.Errorf("%w: user %s", ErrNotFound, otherUserID)
	}
	conv, created, err := a.store.GetOrCreateDirect(caller.ID, otherUserID, time.Now().UTC())
	if err != nil {
		return domain.ConversationSummary{}, fmt.Errorf("get or create conversation: %w", err)
	}
	if created {
		metrics.ConversationsCreated.Inc()
	}
	return a.summarize(conv, caller.ID)
}

// ConversationDetails returns the summary of one conversation the
// caller participates in.
func (a *App) ConversationDetails(caller domain.UserRef, conversationID string) (domain.ConversationSummary, error) {
	conv, _, err := a.requireParticipant(conversationID, caller.ID)
	if err != nil {
		return domain.ConversationSummary{}, err
	}
	return a.summarize(conv, caller.ID)
}

// ListConversations returns all of the caller's conversations,
// newest-activity first.
func (a *App) ListConversations(caller domain.UserRef) ([]domain.ConversationSummary, error) {
	convs, err := a.store.ListConversationsForUser(caller.ID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	summaries := make([]domain.ConversationSummary, len(convs))
	var g errgroup.Group
	g.SetLimit(summaryWorkers)
	for i, conv := range convs {
		i, conv := i, conv
		g.Go(func() error {
			s, err := a.summarize(conv, caller.ID)
			if err != nil {
				return err
			}
			summaries[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return activityTime(summaries[i]).After(activityTime(summaries[j]))
	})
	return summaries, nil
}

func activityTime(s domain.ConversationSummary) time.Time {
	if s.LastMessageAt != nil {
		return *s.LastMessageAt
	}
	return s.CreatedAt
}

// ListMessages returns a chronological page of messages counted back
// from the newest. Fetching a thread moves the caller's read watermark,
// so opening a conversation clears its unread count.
func (a *App) ListMessages(caller domain.UserRef, conversationID string, limit, offset int) ([]domain.MessageView, error) {
	if _, _, err := a.requireParticipant(conversationID, caller.ID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	msgs, err := a.store.ListMessages(conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	views, err := a.messageViews(msgs)
	if err != nil {
		return nil, err
	}
	if err := a.markConversationRead(conversationID, caller.ID); err != nil {
		return nil, err
	}
	return views, nil
}

// SendMessage appends a message after participant and input validation.
func (a *App) SendMessage(caller domain.UserRef, conversationID, text string, msgType domain.MessageType, replyToID string) (domain.MessageView, error) {
	conv, _, err := a.requireParticipant(conversationID, caller.ID)
	if err != nil {
		return domain.MessageView{}, err
	}
	text, err = validateText(text)
	if err != nil {
		return domain.MessageView{}, err
	}
	switch msgType {
	case "":
		msgType = domain.MessageText
	case domain.MessageText, domain.MessageImage, domain.MessageFile:
	default:
		return domain.MessageView{}, fmt.Errorf("%w: unsupported message type %q", ErrValidation, msgType)
	}
	replyToID = strings.TrimSpace(replyToID)
	if replyToID != "" {
		replyTo, ok, err := a.store.GetMessage(replyToID)
		if err != nil {
			return domain.MessageView{}, fmt.Errorf("load reply target: %w", err)
		}
		if !ok || replyTo.ConversationID != conversationID {
			return domain.MessageView{}, fmt.Errorf("%w: reply target is not in this conversation", ErrValidation)
		}
	}

	now := time.Now().UTC()
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       caller.ID,
		Text:           text,
		Type:           msgType,
		ReplyToID:      replyToID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.AppendMessage(msg); err != nil {
		return domain.MessageView{}, fmt.Errorf("append message: %w", err)
	}
	metrics.MessagesSent.WithLabelValues(string(msgType)).Inc()
	a.invalidateOthers(conv.ID, caller.ID)

	views, err := a.messageViews([]domain.Message{msg})
	if err != nil {
		return domain.MessageView{}, err
	}
	return views[0], nil
}

// EditMessage rewrites a message's text in place; sender only.
func (a *App) EditMessage(caller domain.UserRef, messageID, newText string) (domain.MessageView, error) {
	msg, err := a.requireSender(messageID, caller.ID)
	if err != nil {
		return domain.MessageView{}, err
	}
	newText, err = validateText(newText)
	if err != nil {
		return domain.MessageView{}, err
	}
	now := time.Now().UTC()
	if err := a.store.UpdateMessage(msg.ID, newText, msg.Type, now); err != nil {
		return domain.MessageView{}, fmt.Errorf("edit message: %w", err)
	}
	updated, _, err := a.store.GetMessage(msg.ID)
	if err != nil {
		return domain.MessageView{}, fmt.Errorf("reload message: %w", err)
	}
	views, err := a.messageViews([]domain.Message{updated})
	if err != nil {
		return domain.MessageView{}, err
	}
	return views[0], nil
}

// DeleteMessage tombstones a message; sender only. The row survives so
// ordering and replies stay intact, and repeating the call is harmless.
func (a *App) DeleteMessage(caller domain.UserRef, messageID string) (domain.MessageView, error) {
	msg, err := a.requireSender(messageID, caller.ID)
	if err != nil {
		return domain.MessageView{}, err
	}
	now := time.Now().UTC()
	if err := a.store.UpdateMessage(msg.ID, domain.Tombstone, domain.MessageSystem, now); err != nil {
		return domain.MessageView{}, fmt.Errorf("delete message: %w", err)
	}
	updated, _, err := a.store.GetMessage(msg.ID)
	if err != nil {
		return domain.MessageView{}, fmt.Errorf("reload message: %w", err)
	}
	views, err := a.messageViews([]domain.Message{updated})
	if err != nil {
		return domain.MessageView{}, err
	}
	return views[0], nil
}

// MarkMessageRead records an idempotent per-message receipt, and bumps
// the conversation watermark when a conversation id is supplied.
func (a *App) MarkMessageRead(caller domain.UserRef, messageID, conversationID string) error {
	msg, ok, err := a.store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if _, _, err := a.requireParticipant(msg.ConversationID, caller.ID); err != nil {
		return err
	}
	if err := a.store.MarkMessageRead(messageID, caller.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	if strings.TrimSpace(conversationID) != "" {
		if conversationID != msg.ConversationID {
			return fmt.Errorf("%w: message is not in that conversation", ErrValidation)
		}
		return a.markConversationRead(conversationID, caller.ID)
	}
	return nil
}

// MarkConversationRead moves the caller's read watermark to now.
func (a *App) MarkConversationRead(caller domain.UserRef, conversationID string) error {
	if _, _, err := a.requireParticipant(conversationID, caller.ID); err != nil {
		return err
	}
	return a.markConversationRead(conversationID, caller.ID)
}

func (a *App) markConversationRead(conversationID, userID string) error {
	if err := a.store.SetLastRead(conversationID, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("set last read: %w", err)
	}
	a.unread.Invalidate(userID)
	return nil
}

// UnreadCount sums foreign messages past the caller's watermark over
// all their conversations.
func (a *App) UnreadCount(caller domain.UserRef) (int, error) {
	metrics.UnreadQueries.Inc()
	if total, ok := a.unread.Get(caller.ID); ok {
		return total, nil
	}
	convs, err := a.store.ListConversationsForUser(caller.ID)
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}
	total := 0
	for _, conv := range convs {
		part, ok, err := a.store.GetParticipant(conv.ID, caller.ID)
		if err != nil {
			return 0, fmt.Errorf("load participant: %w", err)
		}
		if !ok {
			continue
		}
		n, err := a.store.CountUnread(conv.ID, caller.ID, part.LastReadAt)
		if err != nil {
			return 0, fmt.Errorf("count unread: %w", err)
		}
		total += n
	}
	a.unread.Set(caller.ID, total)
	return total, nil
}

// HasNewSince supports the lightweight polling endpoint.
func (a *App) HasNewSince(caller domain.UserRef, since time.Time) (bool, error) {
	metrics.UnreadQueries.Inc()
	has, err := a.store.HasNewSince(caller.ID, since)
	if err != nil {
		return false, fmt.Errorf("check new messages: %w", err)
	}
	return has, nil
}

// SearchUsers finds users to start a conversation with.
func (a *App) SearchUsers(caller domain.UserRef, term string, role domain.UserRole) ([]domain.UserRef, error) {
	term = strings.TrimSpace(term)
	if len([]rune(term)) < 2 {
		return nil, fmt.Errorf("%w: search term must be at least 2 characters", ErrValidation)
	}
	switch role {
	case "", domain.RolePatient, domain.RoleDoctor, domain.RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role filter %q", ErrValidation, role)
	}
	users, err := a.dir.Search(caller.ID, term, role, 10)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

// RelatedUsers returns counterparts the caller already has appointments
// with: patients for a doctor, doctors for a patient.
func (a *App) RelatedUsers(caller domain.UserRef) ([]domain.UserRef, error) {
	users, err := a.dir.RelatedUsers(caller.ID, caller.Role)
	if err != nil {
		return nil, fmt.Errorf("related users: %w", err)
	}
	return users, nil
}

// requireParticipant authorizes by active membership.
func (a *App) requireParticipant(conversationID, userID string) (domain.Conversation, domain.Participant, error) {
	conv, ok, err := a.store.GetConversation(conversationID)
	if err != nil {
		return domain.Conversation{}, domain.Participant{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, domain.Participant{}, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	part, ok, err := a.store.GetParticipant(conversationID, userID)
	if err != nil {
		return domain.Conversation{}, domain.Participant{}, fmt.Errorf("load participant: %w", err)
	}
	if !ok || !part.IsActive {
		return domain.Conversation{}, domain.Participant{}, ErrNotParticipant
	}
	return conv, part, nil
}

// requireSender authorizes message mutation.
func (a *App) requireSender(messageID, userID string) (domain.Message, error) {
	msg, ok, err := a.store.GetMessage(messageID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	if msg.SenderID != userID {
		return domain.Message{}, ErrPermission
	}
	return msg, nil
}

func validateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: message text must not be empty", ErrValidation)
	}
	if len([]rune(text)) > domain.MaxMessageLen {
		return "", fmt.Errorf("%w: message text must not exceed %d characters", ErrValidation, domain.MaxMessageLen)
	}
	return text, nil
}

// invalidateOthers drops cached unread totals of the conversation's
// other active participants after a send.
func (a *App) invalidateOthers(conversationID, senderID string) {
	if a.unread == nil {
		return
	}
	parts, err := a.store.ListParticipants(conversationID)
	if err != nil {
		return
	}
	var ids []string
	for _, p := range parts {
		if p.UserID != senderID && p.IsActive {
			ids = append(ids, p.UserID)
		}
	}
	a.unread.Invalidate(ids...)
}

// messageViews joins messages with sender identity and reply previews.
func (a *App) messageViews(msgs []domain.Message) ([]domain.MessageView, error) {
	if len(msgs) == 0 {
		return []domain.MessageView{}, nil
	}
	idSet := make(map[string]bool)
	replyIDs := make(map[string]bool)
	for _, msg := range msgs {
		idSet[msg.SenderID] = true
		if msg.ReplyToID != "" {
			replyIDs[msg.ReplyToID] = true
		}
	}

	replies := make(map[string]domain.Message, len(replyIDs))
	for id := range replyIDs {
		replyTo, ok, err := a.store.GetMessage(id)
		if err != nil {
			return nil, fmt.Errorf("load reply target: %w", err)
		}
		if ok {
			replies[id] = replyTo
			idSet[replyTo.SenderID] = true
		}
	}

	ids := make([]string, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	users, err := a.dir.GetUsers(ids)
	if err != nil {
		return nil, fmt.Errorf("resolve senders: %w", err)
	}

	views := make([]domain.MessageView, 0, len(msgs))
	for _, msg := range msgs {
		view := domain.MessageView{Message: msg}
		if sender, ok := users[msg.SenderID]; ok {
			view.SenderName = sender.Name
			view.SenderRole = sender.Role
		}
		if msg.ReplyToID != "" {
			preview := &domain.ReplyPreview{ID: msg.ReplyToID}
			if replyTo, ok := replies[msg.ReplyToID]; ok {
				preview.Text = replyTo.Text
				if sender, ok := users[replyTo.SenderID]; ok {
					preview.SenderName = sender.Name
				}
			}
			view.ReplyTo = preview
		}
		views = append(views, view)
	}
	return views, nil
}

// summarize builds the denormalized listing row for one conversation.
func (a *App) summarize(conv domain.Conversation, viewerID string) (domain.ConversationSummary, error) {
	parts, err := a.store.ListParticipants(conv.ID)
	if err != nil {
		return domain.ConversationSummary{}, fmt.Errorf("load participants: %w", err)
	}

	summary := domain.ConversationSummary{
		ID:        conv.ID,
		Type:      conv.Type,
		Name:      conv.Name,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}

	var viewer domain.Participant
	for _, p := range parts {
		if p.UserID == viewerID {
			viewer = p
			continue
		}
		if conv.Type == domain.ConversationDirect {
			summary.OtherUserID = p.UserID
		}
	}

	if summary.OtherUserID != "" {
		other, ok, err := a.dir.GetUser(summary.OtherUserID)
		if err != nil {
			return domain.ConversationSummary{}, fmt.Errorf("resolve other participant: %w", err)
		}
		if ok {
			summary.Name = other.Name
			summary.OtherUserRole = other.Role
		}
	}
	if summary.Name == "" {
		summary.Name = "Conversation"
	}

	last, ok, err := a.store.LastMessage(conv.ID)
	if err != nil {
		return domain.ConversationSummary{}, fmt.Errorf("load last message: %w", err)
	}
	if ok {
		summary.LastMessage = last.Text
		t := last.CreatedAt
		summary.LastMessageAt = &t
		if sender, found, err := a.dir.GetUser(last.SenderID); err != nil {
			return domain.ConversationSummary{}, fmt.Errorf("resolve last sender: %w", err)
		} else if found {
			summary.LastSenderName = sender.Name
		}
	}

	unread, err := a.store.CountUnread(conv.ID, viewerID, viewer.LastReadAt)
	if err != nil {
		return domain.ConversationSummary{}, fmt.Errorf("count unread: %w", err)
	}
	summary.UnreadCount = unread
	return summary, nil
}
