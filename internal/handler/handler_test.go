package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"advancechat-sync/internal/auth"
	"advancechat-sync/internal/middleware"
	"advancechat-sync/internal/model"
	"advancechat-sync/internal/store"
)

var tokenCfg = auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"}

type emitted struct {
	users []string
	room  string
	event string
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []emitted
}

func (b *recordingBroadcaster) EmitToUsers(userIDs []string, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, emitted{users: append([]string(nil), userIDs...), event: event})
}

func (b *recordingBroadcaster) EmitToConversation(conversationID string, event string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, emitted{room: conversationID, event: event})
}

func (b *recordingBroadcaster) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.event)
	}
	return out
}

type fixture struct {
	t      *testing.T
	store  *store.Store
	events *recordingBroadcaster
	router *gin.Engine
	conv   model.Conversation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.New()
	st.UpsertUser("u1", "Ada")
	st.UpsertUser("u2", "Bob")
	st.UpsertUser("u3", "Cy")
	conv, err := st.CreateConversation("u1", model.ConversationDirect, "", []string{"u2"}, time.Now())
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	events := &recordingBroadcaster{}
	convs := &ConversationHandler{Store: st, Events: events}
	msgs := &MessageHandler{Store: st, Events: events}
	users := &UserHandler{Store: st}
	authH := &AuthHandler{Store: st, TokenConfig: tokenCfg}

	r := gin.New()
	r.POST("/auth/token", authH.Token)
	api := r.Group("/", middleware.RequireAuth(tokenCfg))
	api.GET("/conversations", convs.List)
	api.POST("/conversations", convs.Create)
	api.GET("/conversations/:id", convs.Get)
	api.PUT("/conversations/:id", convs.Update)
	api.DELETE("/conversations/:id", convs.Delete)
	api.PUT("/conversations/:id/read", convs.MarkRead)
	api.GET("/conversations/:id/messages", msgs.List)
	api.POST("/conversations/:id/messages", msgs.Send)
	api.PUT("/messages/:id", msgs.Update)
	api.DELETE("/messages/:id", msgs.Delete)
	api.POST("/messages/:id/reactions", msgs.React)
	api.DELETE("/messages/:id/reactions/:reaction", msgs.Unreact)
	api.GET("/users/profile", users.Profile)
	api.GET("/users/search", users.Search)
	api.GET("/users/:id", users.Get)

	return &fixture{t: t, store: st, events: events, router: r, conv: conv}
}

func (f *fixture) do(method, path, user string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		tok, err := auth.CreateToken(user, tokenCfg)
		if err != nil {
			f.t.Fatalf("CreateToken: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var out map[string]json.RawMessage
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestAuthToken(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(http.MethodPost, "/auth/token", "", map[string]string{"userId": "newbie", "name": "Nina"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var token string
	_ = json.Unmarshal(body["token"], &token)
	claims, err := auth.VerifyToken(token, tokenCfg)
	if err != nil || claims.UserID != "newbie" {
		t.Fatalf("expected token for newbie, got %v %v", claims, err)
	}
	if u, ok := f.store.GetUser("newbie"); !ok || u.Name != "Nina" {
		t.Fatalf("expected user registered, got %+v", u)
	}

	if w, _ := f.do(http.MethodPost, "/auth/token", "", map[string]string{"userId": " "}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank user, got %d", w.Code)
	}
}

func TestSendMessage_BroadcastsToMembers(t *testing.T) {
	f := newFixture(t)
	path := "/conversations/" + f.conv.ID + "/messages"

	w, body := f.do(http.MethodPost, path, "u1", map[string]string{"content": " hello ", "clientId": "tmp-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var msg model.Message
	if err := json.Unmarshal(body["data"], &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.ClientID != "tmp-1" || msg.Content.Text != "hello" || msg.Sender.ID != "u1" {
		t.Fatalf("unexpected message %+v", msg)
	}

	f.events.mu.Lock()
	ev := f.events.events[0]
	f.events.mu.Unlock()
	if ev.event != "message:new" || len(ev.users) != 2 {
		t.Fatalf("expected message:new to both members, got %+v", ev)
	}

	if w, _ := f.do(http.MethodPost, path, "u1", map[string]string{"content": ""}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d", w.Code)
	}
	if w, _ := f.do(http.MethodPost, path, "u1", map[string]string{"content": "x", "type": "image"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-text, got %d", w.Code)
	}
	if w, _ := f.do(http.MethodPost, path, "u3", map[string]string{"content": "x"}); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", w.Code)
	}
	if w, _ := f.do(http.MethodPost, path, "", map[string]string{"content": "x"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
}

func TestListAndMarkRead(t *testing.T) {
	f := newFixture(t)
	for _, text := range []string{"a", "b", "c"} {
		if _, err := f.store.AppendMessage("u1", f.conv.ID, text, "", time.Now()); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	w, body := f.do(http.MethodGet, "/conversations", "u2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list []model.Conversation
	_ = json.Unmarshal(body["data"], &list)
	if len(list) != 1 || list[0].UnreadCount != 3 {
		t.Fatalf("expected one conversation with 3 unread, got %+v", list)
	}

	w, body = f.do(http.MethodGet, "/conversations/"+f.conv.ID+"/messages?page=1&limit=2", "u2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var msgs []model.Message
	_ = json.Unmarshal(body["data"], &msgs)
	if len(msgs) != 2 || msgs[0].Content.Text != "b" || msgs[1].Content.Text != "c" {
		t.Fatalf("expected latest two messages in order, got %+v", msgs)
	}
	if w, _ := f.do(http.MethodGet, "/conversations/"+f.conv.ID+"/messages?page=0", "u2", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for page 0, got %d", w.Code)
	}

	if w, _ := f.do(http.MethodPut, "/conversations/"+f.conv.ID+"/read", "u2", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on read, got %d", w.Code)
	}
	if conv, _ := f.store.GetConversation("u2", f.conv.ID); conv.UnreadCount != 0 {
		t.Fatalf("expected unread cleared, got %d", conv.UnreadCount)
	}
	if w, _ := f.do(http.MethodPut, "/conversations/missing/read", "u2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conversation, got %d", w.Code)
	}
}

func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(http.MethodPost, "/conversations", "u1", map[string]any{"participants": []string{"u2"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected existing direct conversation, got %d", w.Code)
	}
	var conv model.Conversation
	_ = json.Unmarshal(body["data"], &conv)
	if conv.ID != f.conv.ID {
		t.Fatalf("expected %s reused, got %s", f.conv.ID, conv.ID)
	}

	w, body = f.do(http.MethodPost, "/conversations", "u1", map[string]any{"name": "team", "participants": []string{"u2", "u3"}})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	_ = json.Unmarshal(body["data"], &conv)
	if conv.Type != model.ConversationGroup || len(conv.Participants) != 3 {
		t.Fatalf("unexpected group %+v", conv)
	}

	if w, _ := f.do(http.MethodPut, "/conversations/"+conv.ID, "u3", map[string]string{"name": "renamed"}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on rename, got %d", w.Code)
	}
	if w, _ := f.do(http.MethodDelete, "/conversations/"+conv.ID, "u2", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", w.Code)
	}
	if w, _ := f.do(http.MethodGet, "/conversations/"+conv.ID, "u2", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}

	got := f.events.names()
	want := []string{"conversation:new", "conversation:updated", "conversation:deleted"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestMessageEditsAndReactions(t *testing.T) {
	f := newFixture(t)
	msg, err := f.store.AppendMessage("u1", f.conv.ID, "hi", "", time.Now())
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if w, _ := f.do(http.MethodPut, "/messages/"+msg.ID, "u2", map[string]string{"content": "hack"}); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 editing someone else's message, got %d", w.Code)
	}
	if w, _ := f.do(http.MethodPut, "/messages/"+msg.ID, "u1", map[string]string{"content": "hello"}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on edit, got %d", w.Code)
	}

	for i := 0; i < 2; i++ {
		if w, _ := f.do(http.MethodPost, "/messages/"+msg.ID+"/reactions", "u2", map[string]string{"reaction": "like"}); w.Code != http.StatusOK {
			t.Fatalf("expected 200 on react, got %d", w.Code)
		}
	}
	if w, _ := f.do(http.MethodDelete, "/messages/"+msg.ID+"/reactions/like", "u2", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on unreact, got %d", w.Code)
	}
	if w, _ := f.do(http.MethodDelete, "/messages/"+msg.ID, "u1", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", w.Code)
	}

	got := f.events.names()
	want := []string{"message:updated", "message:reaction", "message:reaction_removed", "message:deleted"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestUsers(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(http.MethodGet, "/users/profile", "u1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var profile map[string]any
	_ = json.Unmarshal(body["data"], &profile)
	if profile["_id"] != "u1" || profile["name"] != "Ada" {
		t.Fatalf("unexpected profile %v", profile)
	}

	_, body = f.do(http.MethodGet, "/users/search?q=bo", "u1", nil)
	var found []map[string]any
	_ = json.Unmarshal(body["data"], &found)
	if len(found) != 1 || found[0]["_id"] != "u2" {
		t.Fatalf("expected Bob, got %v", found)
	}

	if w, _ := f.do(http.MethodGet, "/users/nobody", "u1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
