package cache

import (
	"path/filepath"
	"testing"
	"time"

	"advancechat-sync/internal/model"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConversationsRoundTrip(t *testing.T) {
	c := openTestCache(t)
	last := model.Message{
		ID:             "m1",
		ConversationID: "c1",
		Sender:         model.User{ID: "u2", Name: "Bob"},
		Content:        model.Content{Type: "text", Text: "hi"},
		Timestamp:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Status:         model.StatusSent,
	}
	in := []model.Conversation{{
		ID:           "c1",
		Type:         model.ConversationDirect,
		Participants: []model.Participant{{UserID: "u2", Name: "Bob", IsOnline: true}},
		LastMessage:  &last,
		UnreadCount:  3,
	}}
	if err := c.SaveConversations("u1", in); err != nil {
		t.Fatalf("SaveConversations: %v", err)
	}

	out, err := c.LoadConversations("u1")
	if err != nil {
		t.Fatalf("LoadConversations: %v", err)
	}
	if len(out) != 1 || out[0].ID != "c1" || out[0].UnreadCount != 3 {
		t.Fatalf("unexpected conversations %+v", out)
	}
	if out[0].LastMessage == nil || !out[0].LastMessage.Timestamp.Equal(last.Timestamp) {
		t.Fatalf("expected last message preserved, got %+v", out[0].LastMessage)
	}
	if len(out[0].Participants) != 1 || !out[0].Participants[0].IsOnline {
		t.Fatalf("expected participants preserved, got %+v", out[0].Participants)
	}

	other, err := c.LoadConversations("u2")
	if err != nil || other != nil {
		t.Fatalf("expected nothing cached for u2, got %v %v", other, err)
	}
}

func TestSaveMessages_SkipsPending(t *testing.T) {
	c := openTestCache(t)
	list := []model.Message{
		{ID: "m1", ConversationID: "c1", Status: model.StatusSent},
		{ID: "tmp-1", ConversationID: "c1", Status: model.StatusSending},
		{ID: "tmp-2", ConversationID: "c1", Status: model.StatusFailed},
	}
	if err := c.SaveMessages("u1", "c1", list); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	out, err := c.LoadMessages("u1", "c1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(out) != 1 || out[0].ID != "m1" {
		t.Fatalf("expected only m1, got %+v", out)
	}
}

func TestForget(t *testing.T) {
	c := openTestCache(t)
	_ = c.SaveConversations("u1", []model.Conversation{{ID: "c1"}})
	_ = c.SaveMessages("u1", "c1", []model.Message{{ID: "m1", Status: model.StatusSent}})
	_ = c.SaveConversations("u10", []model.Conversation{{ID: "c9"}})

	if err := c.Forget("u1"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if out, _ := c.LoadConversations("u1"); out != nil {
		t.Fatalf("expected u1 conversations gone, got %+v", out)
	}
	if out, _ := c.LoadMessages("u1", "c1"); out != nil {
		t.Fatalf("expected u1 messages gone, got %+v", out)
	}
	if out, _ := c.LoadConversations("u10"); len(out) != 1 {
		t.Fatalf("expected u10 untouched, got %+v", out)
	}
}
