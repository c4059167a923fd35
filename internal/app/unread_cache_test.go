package app

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"clinichat/pkg/directory"
	"clinichat/pkg/store"
)

func newCache(t *testing.T) *UnreadCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewUnreadCache(client, 30*time.Second)
}

func TestUnreadCacheRoundTrip(t *testing.T) {
	c := newCache(t)

	if _, ok := c.Get("user-1"); ok {
		t.Fatal("empty cache should miss")
	}
	c.Set("user-1", 7)
	if n, ok := c.Get("user-1"); !ok || n != 7 {
		t.Fatalf("got %d/%v, want 7 hit", n, ok)
	}
	c.Invalidate("user-1")
	if _, ok := c.Get("user-1"); ok {
		t.Fatal("invalidated entry should miss")
	}
}

func TestUnreadCacheNilSafe(t *testing.T) {
	var c *UnreadCache
	if _, ok := c.Get("user-1"); ok {
		t.Fatal("nil cache should miss")
	}
	c.Set("user-1", 1)
	c.Invalidate("user-1")
}

func TestUnreadCountInvalidatedOnSend(t *testing.T) {
	s := store.NewMemoryStore()
	dir := directory.NewMemoryDirectory()
	dir.AddUser(doctor)
	dir.AddUser(patient)
	a, err := New(Config{Store: s, Directory: dir, Unread: newCache(t)})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	conv, err := a.StartConversation(doctor, patient.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Prime the cache with zero.
	if n, err := a.UnreadCount(patient); err != nil || n != 0 {
		t.Fatalf("initial unread = %d, err %v", n, err)
	}

	// A send must bust the recipient's cached total.
	if _, err := a.SendMessage(doctor, conv.ID, "new activity", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if n, err := a.UnreadCount(patient); err != nil || n != 1 {
		t.Fatalf("unread after send = %d, err %v; want 1", n, err)
	}

	// Reading busts it again.
	if err := a.MarkConversationRead(patient, conv.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n, err := a.UnreadCount(patient); err != nil || n != 0 {
		t.Fatalf("unread after read = %d, err %v; want 0", n, err)
	}
}
