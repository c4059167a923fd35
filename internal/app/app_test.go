package app

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"clinichat/pkg/directory"
	"clinichat/pkg/domain"
	"clinichat/pkg/store"
)

var (
	doctor  = domain.UserRef{ID: "doctor-1", Name: "Dr. Elena Vargas", Email: "elena@clinic.example", Role: domain.RoleDoctor}
	patient = domain.UserRef{ID: "patient-1", Name: "Maria Lopez", Email: "maria@mail.example", Role: domain.RolePatient}
	other   = domain.UserRef{ID: "patient-2", Name: "Jorge Castillo", Email: "jorge@mail.example", Role: domain.RolePatient}
)

func newTestApp(t *testing.T) (*App, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	dir := directory.NewMemoryDirectory()
	dir.AddUser(doctor)
	dir.AddUser(patient)
	dir.AddUser(other)
	dir.AddAppointment(doctor.ID, patient.ID)
	a, err := New(Config{Store: s, Directory: dir})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, s
}

func TestStartConversationIdempotent(t *testing.T) {
	a, _ := newTestApp(t)

	first, err := a.StartConversation(doctor, patient.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.Type != domain.ConversationDirect {
		t.Fatalf("expected direct conversation, got %s", first.Type)
	}
	if first.OtherUserID != patient.ID {
		t.Fatalf("other user should be %s, got %s", patient.ID, first.OtherUserID)
	}
	if first.Name != patient.Name {
		t.Fatalf("summary name should be the counterpart's, got %q", first.Name)
	}

	// The counterpart starting "again" resolves to the same conversation.
	second, err := a.StartConversation(patient, doctor.ID)
	if err != nil {
		t.Fatalf("start reversed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("reversed start created %s, expected %s", second.ID, first.ID)
	}
	if second.Name != doctor.Name {
		t.Fatalf("patient's view should be named after the doctor, got %q", second.Name)
	}
}

func TestStartConversationConcurrent(t *testing.T) {
	a, _ := newTestApp(t)

	const callers = 10
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			caller, target := doctor, patient.ID
			if i%2 == 1 {
				caller, target = patient, doctor.ID
			}
			summary, err := a.StartConversation(caller, target)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			ids[i] = summary.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent starts diverged: %s vs %s", ids[i], ids[0])
		}
	}
}

func TestStartConversationRejections(t *testing.T) {
	a, _ := newTestApp(t)

	if _, err := a.StartConversation(doctor, doctor.ID); !errors.Is(err, ErrSelfConversation) {
		t.Fatalf("expected ErrSelfConversation, got %v", err)
	}
	if _, err := a.StartConversation(doctor, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty target, got %v", err)
	}
	if _, err := a.StartConversation(doctor, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestMessageLifecycle(t *testing.T) {
	a, _ := newTestApp(t)
	conv, err := a.StartConversation(doctor, patient.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sent, err := a.SendMessage(doctor, conv.ID, "  Hello Maria  ", "", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Text != "Hello Maria" {
		t.Fatalf("text should be trimmed, got %q", sent.Text)
	}
	if sent.Type != domain.MessageText {
		t.Fatalf("empty type should default to text, got %s", sent.Type)
	}
	if sent.SenderName != doctor.Name {
		t.Fatalf("sender name not resolved: %q", sent.SenderName)
	}

	edited, err := a.EditMessage(doctor, sent.ID, "Hello Maria, how are you?")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !edited.IsEdited || edited.EditedAt == nil {
		t.Fatal("edit should mark the message edited")
	}
	if edited.Type != domain.MessageText {
		t.Fatalf("edit must keep the type, got %s", edited.Type)
	}

	deleted, err := a.DeleteMessage(doctor, sent.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.Text != domain.Tombstone {
		t.Fatalf("expected tombstone text, got %q", deleted.Text)
	}
	if deleted.Type != domain.MessageSystem {
		t.Fatalf("tombstone should be a system message, got %s", deleted.Type)
	}

	// The row survives and deleting again is harmless.
	again, err := a.DeleteMessage(doctor, sent.ID)
	if err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if again.Text != domain.Tombstone {
		t.Fatalf("repeat delete changed text to %q", again.Text)
	}
	msgs, err := a.ListMessages(patient, conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("tombstoned message should stay in the timeline, got %d messages", len(msgs))
	}
}

func TestMessageMutationAuthorization(t *testing.T) {
	a, _ := newTestApp(t)
	conv, _ := a.StartConversation(doctor, patient.ID)
	sent, err := a.SendMessage(doctor, conv.ID, "confidential", "", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := a.EditMessage(patient, sent.ID, "hijacked"); !errors.Is(err, ErrPermission) {
		t.Fatalf("non-sender edit should be ErrPermission, got %v", err)
	}
	if _, err := a.DeleteMessage(patient, sent.ID); !errors.Is(err, ErrPermission) {
		t.Fatalf("non-sender delete should be ErrPermission, got %v", err)
	}
	if _, err := a.SendMessage(other, conv.ID, "intruding", "", ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider send should be ErrNotParticipant, got %v", err)
	}
	if _, err := a.ListMessages(other, conv.ID, 0, 0); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider list should be ErrNotParticipant, got %v", err)
	}
	if _, err := a.SendMessage(doctor, "missing-conv", "hello", "", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown conversation should be ErrNotFound, got %v", err)
	}
}

func TestSendMessageValidation(t *testing.T) {
	a, _ := newTestApp(t)
	conv, _ := a.StartConversation(doctor, patient.ID)

	if _, err := a.SendMessage(doctor, conv.ID, "   ", "", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("whitespace-only text should fail validation, got %v", err)
	}
	atLimit := strings.Repeat("x", domain.MaxMessageLen)
	if _, err := a.SendMessage(doctor, conv.ID, atLimit, "", ""); err != nil {
		t.Fatalf("text at the limit should pass: %v", err)
	}
	if _, err := a.SendMessage(doctor, conv.ID, atLimit+"x", "", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("text past the limit should fail, got %v", err)
	}
	if _, err := a.SendMessage(doctor, conv.ID, "hi", domain.MessageSystem, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("callers must not send system messages, got %v", err)
	}
	if _, err := a.SendMessage(doctor, conv.ID, "hi", "carrier-pigeon", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown type should fail, got %v", err)
	}
}

func TestReplyPreview(t *testing.T) {
	a, _ := newTestApp(t)
	conv, _ := a.StartConversation(doctor, patient.ID)
	original, err := a.SendMessage(doctor, conv.ID, "How is the new dosage?", "", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	reply, err := a.SendMessage(patient, conv.ID, "Much better, thank you", "", original.ID)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.ReplyTo == nil {
		t.Fatal("reply preview missing")
	}
	if reply.ReplyTo.Text != original.Text || reply.ReplyTo.SenderName != doctor.Name {
		t.Fatalf("unexpected preview %+v", reply.ReplyTo)
	}

	// Replies cannot point outside the conversation.
	foreign, _ := a.StartConversation(doctor, other.ID)
	stray, err := a.SendMessage(doctor, foreign.ID, "separate thread", "", "")
	if err != nil {
		t.Fatalf("send foreign: %v", err)
	}
	if _, err := a.SendMessage(patient, conv.ID, "replying across", "", stray.ID); !errors.Is(err, ErrValidation) {
		t.Fatalf("cross-conversation reply should fail validation, got %v", err)
	}
}

func TestUnreadCountAndRead(t *testing.T) {
	a, _ := newTestApp(t)
	conv, _ := a.StartConversation(doctor, patient.ID)

	for i := 0; i < 3; i++ {
		if _, err := a.SendMessage(doctor, conv.ID, fmt.Sprintf("note %d", i), "", ""); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	// Own messages never count against the sender.
	if n, err := a.UnreadCount(doctor); err != nil || n != 0 {
		t.Fatalf("sender unread = %d, err %v; want 0", n, err)
	}
	if n, err := a.UnreadCount(patient); err != nil || n != 3 {
		t.Fatalf("patient unread = %d, err %v; want 3", n, err)
	}

	if err := a.MarkConversationRead(patient, conv.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n, err := a.UnreadCount(patient); err != nil || n != 0 {
		t.Fatalf("unread after read = %d, err %v; want 0", n, err)
	}

	// New activity raises it again.
	if _, err := a.SendMessage(doctor, conv.ID, "one more", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n, err := a.UnreadCount(patient); err != nil || n != 1 {
		t.Fatalf("unread after new message = %d, err %v; want 1", n, err)
	}
}

func TestListMessagesMovesWatermark(t *testing.T) {
	a, _ := newTestApp(t)
	conv, _ := a.StartConversation(doctor, patient.ID)
	if _, err := a.SendMessage(doctor, conv.ID, "please confirm", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n, _ := a.UnreadCount(patient); n != 1 {
		t.Fatalf("unread before fetch = %d, want 1", n)
	}

	if _, err := a.ListMessages(patient, conv.ID, 0, 0); err != nil {
		t.Fatalf("list: %v", err)
	}
	if n, _ := a.UnreadCount(patient); n != 0 {
		t.Fatalf("fetching the thread should clear unread, got %d", n)
	}
}

func TestMarkMessageRead(t *testing.T) {
	a, s := newTestApp(t)
	conv, _ := a.StartConversation(doctor, patient.ID)
	sent, err := a.SendMessage(doctor, conv.ID, "check this", "", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := a.MarkMessageRead(patient, sent.ID, ""); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := a.MarkMessageRead(patient, sent.ID, ""); err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if !s.ReadReceipt(sent.ID, patient.ID) {
		t.Fatal("receipt should be recorded")
	}

	if err := a.MarkMessageRead(patient, sent.ID, "wrong-conversation"); !errors.Is(err, ErrValidation) {
		t.Fatalf("mismatched conversation id should fail, got %v", err)
	}
	if err := a.MarkMessageRead(other, sent.ID, ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider receipt should be ErrNotParticipant, got %v", err)
	}
	if err := a.MarkMessageRead(patient, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown message should be ErrNotFound, got %v", err)
	}
}

func TestPaginationNoOverlapNoGap(t *testing.T) {
	a, s := newTestApp(t)
	conv, _ := a.StartConversation(doctor, patient.ID)

	const total = 120
	base := time.Now().UTC().Add(-24 * time.Hour)
	for i := 0; i < total; i++ {
		if err := s.AppendMessage(domain.Message{
			ID:             fmt.Sprintf("msg-%03d", i),
			ConversationID: conv.ID,
			SenderID:       doctor.ID,
			Text:           fmt.Sprintf("entry %d", i),
			Type:           domain.MessageText,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	seen := make(map[string]bool)
	pageSize := 50
	for offset := 0; offset < total; offset += pageSize {
		page, err := a.ListMessages(patient, conv.ID, pageSize, offset)
		if err != nil {
			t.Fatalf("page at offset %d: %v", offset, err)
		}
		for i := 1; i < len(page); i++ {
			if page[i].CreatedAt.Before(page[i-1].CreatedAt) {
				t.Fatalf("page at offset %d not chronological", offset)
			}
		}
		for _, msg := range page {
			if seen[msg.ID] {
				t.Fatalf("message %s returned twice", msg.ID)
			}
			seen[msg.ID] = true
		}
	}
	if len(seen) != total {
		t.Fatalf("pages covered %d of %d messages", len(seen), total)
	}
}

func TestListConversationsOrdering(t *testing.T) {
	a, _ := newTestApp(t)
	withPatient, _ := a.StartConversation(doctor, patient.ID)
	withOther, _ := a.StartConversation(doctor, other.ID)

	// Activity in the older conversation moves it to the front.
	if _, err := a.SendMessage(patient, withPatient.ID, "am I first now?", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	list, err := a.ListConversations(doctor)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(list))
	}
	if list[0].ID != withPatient.ID {
		t.Fatalf("conversation with latest activity should sort first, got %s", list[0].ID)
	}
	if list[0].LastMessage != "am I first now?" || list[0].LastSenderName != patient.Name {
		t.Fatalf("unexpected last-message fields: %+v", list[0])
	}
	if list[0].UnreadCount != 1 {
		t.Fatalf("doctor should have 1 unread in the active thread, got %d", list[0].UnreadCount)
	}
	if list[1].ID != withOther.ID {
		t.Fatalf("quiet conversation should sort last, got %s", list[1].ID)
	}
}

func TestHasNewSince(t *testing.T) {
	a, _ := newTestApp(t)
	conv, _ := a.StartConversation(doctor, patient.ID)

	before := time.Now().UTC().Add(-time.Second)
	if _, err := a.SendMessage(doctor, conv.ID, "anything new?", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	has, err := a.HasNewSince(patient, before)
	if err != nil {
		t.Fatalf("has new: %v", err)
	}
	if !has {
		t.Fatal("patient should see new activity")
	}
	has, err = a.HasNewSince(doctor, before)
	if err != nil {
		t.Fatalf("has new sender: %v", err)
	}
	if has {
		t.Fatal("sender's own message is not new activity")
	}
}

func TestSearchUsers(t *testing.T) {
	a, _ := newTestApp(t)

	if _, err := a.SearchUsers(doctor, "m", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("one-character term should fail, got %v", err)
	}
	if _, err := a.SearchUsers(doctor, "ma", "alien"); !errors.Is(err, ErrValidation) {
		t.Fatalf("unknown role filter should fail, got %v", err)
	}

	res, err := a.SearchUsers(doctor, "maria", "")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res) != 1 || res[0].ID != patient.ID {
		t.Fatalf("unexpected search result %+v", res)
	}

	// Callers never find themselves.
	res, err = a.SearchUsers(doctor, "elena", "")
	if err != nil {
		t.Fatalf("self search: %v", err)
	}
	if len(res) != 0 {
		t.Fatalf("caller should be excluded, got %+v", res)
	}

	res, err = a.SearchUsers(patient, "o", "")
	if err == nil {
		t.Fatalf("short term accepted: %+v", res)
	}
}

func TestRelatedUsers(t *testing.T) {
	a, _ := newTestApp(t)

	res, err := a.RelatedUsers(doctor)
	if err != nil {
		t.Fatalf("related for doctor: %v", err)
	}
	if len(res) != 1 || res[0].ID != patient.ID {
		t.Fatalf("doctor's related should be their patient, got %+v", res)
	}

	res, err = a.RelatedUsers(patient)
	if err != nil {
		t.Fatalf("related for patient: %v", err)
	}
	if len(res) != 1 || res[0].ID != doctor.ID {
		t.Fatalf("patient's related should be their doctor, got %+v", res)
	}

	res, err = a.RelatedUsers(other)
	if err != nil {
		t.Fatalf("related for unlinked: %v", err)
	}
	if len(res) != 0 {
		t.Fatalf("user with no appointments should get none, got %+v", res)
	}
}
