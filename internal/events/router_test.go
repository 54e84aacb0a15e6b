package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"advancechat-sync/internal/metrics"
	"advancechat-sync/internal/model"
	"advancechat-sync/internal/reconcile"
	"advancechat-sync/internal/state"
)

type recordingNotifier struct {
	mu     sync.Mutex
	sounds int
	notes  []model.Notification
}

func (n *recordingNotifier) PlaySound() {
	n.mu.Lock()
	n.sounds++
	n.mu.Unlock()
}

func (n *recordingNotifier) Notify(note model.Notification) {
	n.mu.Lock()
	n.notes = append(n.notes, note)
	n.mu.Unlock()
}

type emitted struct {
	event string
	args  []any
}

type fixture struct {
	store    *state.Store
	router   *Router
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	emits    []emitted
	scopes   []reconcile.Scope
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    state.NewStore(state.Settings{SoundEnabled: true, NotificationsEnabled: true}),
		notifier: &recordingNotifier{},
		metrics:  metrics.New(nil),
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.Reset(model.Session{UserID: "me", Token: "tok"})
	f.store.Update(func(s state.State) state.State {
		return s.ReplaceConversations([]model.Conversation{
			{ID: "c1", Participants: []model.Participant{{UserID: "me"}, {UserID: "u2"}}},
			{ID: "c2", Participants: []model.Participant{{UserID: "me"}, {UserID: "u2"}, {UserID: "u3"}}},
		})
	})
	f.router = NewRouter(Options{
		Store:    f.store,
		Notifier: f.notifier,
		Emit: func(event string, args ...any) error {
			f.emits = append(f.emits, emitted{event: event, args: args})
			return nil
		},
		Invalidate: func(s reconcile.Scope) { f.scopes = append(f.scopes, s) },
		TypingTTL:  5 * time.Second,
		Now:        func() time.Time { return f.now },
		Metrics:    f.metrics,
	})
	return f
}

func (f *fixture) open(id string) {
	f.store.Update(func(s state.State) state.State { return s.SetActiveConversation(id) })
}

func (f *fixture) raw(t *testing.T, name string, payload string) {
	t.Helper()
	var args []json.RawMessage
	if payload != "" {
		args = []json.RawMessage{json.RawMessage(payload)}
	}
	f.router.HandleRaw(name, args)
}

const pushed = `{"_id":"m1","conversationId":"c1","sender":{"_id":"u2","name":"Bob"},"content":{"type":"text","text":"hi"},"timestamp":"2024-05-01T12:00:00Z"}`

func TestMessageNew_OpenConversationDedupes(t *testing.T) {
	f := newFixture(t)
	f.open("c1")

	f.raw(t, NameMessageNew, pushed)
	f.raw(t, NameMessageNew, pushed)

	s := f.store.Snapshot()
	if len(s.Messages) != 1 || s.Messages[0].ID != "m1" {
		t.Fatalf("expected exactly one m1, got %+v", s.Messages)
	}
	c, _ := s.Conversation("c1")
	if c.LastMessage == nil || c.LastMessage.ID != "m1" {
		t.Fatalf("expected last message m1, got %+v", c.LastMessage)
	}
	if c.UnreadCount != 0 {
		t.Fatalf("expected open conversation unread 0, got %d", c.UnreadCount)
	}
	if got := testutil.ToFloat64(f.metrics.DuplicateMessages); got != 1 {
		t.Fatalf("expected one duplicate counted, got %v", got)
	}
	if f.notifier.sounds != 1 {
		t.Fatalf("expected one sound, got %d", f.notifier.sounds)
	}
	if len(f.scopes) == 0 || f.scopes[0] != reconcile.ScopeMessages {
		t.Fatalf("expected messages invalidated, got %v", f.scopes)
	}
}

func TestMessageNew_OtherConversationCountsUnreadOnce(t *testing.T) {
	f := newFixture(t)
	f.open("c2")

	f.raw(t, NameMessageNew, pushed)
	f.raw(t, NameMessageNew, pushed)

	s := f.store.Snapshot()
	if len(s.Messages) != 0 {
		t.Fatalf("expected open message list untouched, got %d", len(s.Messages))
	}
	c, _ := s.Conversation("c1")
	if c.UnreadCount != 1 {
		t.Fatalf("expected unread 1, got %d", c.UnreadCount)
	}
	if c.LastMessage == nil || c.LastMessage.ID != "m1" {
		t.Fatalf("expected last message refreshed, got %+v", c.LastMessage)
	}
}

func TestMessageNew_SoundRespectsSetting(t *testing.T) {
	f := newFixture(t)
	f.store.Update(func(s state.State) state.State {
		return s.WithSettings(state.Settings{SoundEnabled: false, NotificationsEnabled: true})
	})
	f.raw(t, NameMessageNew, pushed)
	if f.notifier.sounds != 0 {
		t.Fatalf("expected no sound when disabled")
	}
}

func TestMessageNew_EchoReplacesPending(t *testing.T) {
	f := newFixture(t)
	f.open("c1")
	f.store.Update(func(s state.State) state.State {
		return s.AddPending(model.Message{
			ID:             "tmp-1",
			ClientID:       "tmp-1",
			ConversationID: "c1",
			Sender:         model.User{ID: "me"},
			Content:        model.Content{Type: "text", Text: "hello"},
			Timestamp:      f.now,
		})
	})

	f.raw(t, NameMessageNew, `{"_id":"m7","clientId":"tmp-1","conversationId":"c1","sender":{"_id":"me"},"content":"hello","timestamp":"2024-05-01T12:00:01Z"}`)

	s := f.store.Snapshot()
	if len(s.Messages) != 1 || s.Messages[0].ID != "m7" || s.Messages[0].Status != model.StatusSent {
		t.Fatalf("expected m7 replacing the pending record, got %+v", s.Messages)
	}
	if f.notifier.sounds != 0 {
		t.Fatalf("expected no sound for own message")
	}
	if got := testutil.ToFloat64(f.metrics.PendingReplaced.WithLabelValues("push")); got != 1 {
		t.Fatalf("expected one push replacement counted, got %v", got)
	}
}

func TestMessageNew_UnknownConversationInvalidatesList(t *testing.T) {
	f := newFixture(t)
	f.raw(t, NameMessageNew, `{"_id":"m1","conversationId":"c9","sender":{"_id":"u2"}}`)
	found := false
	for _, s := range f.scopes {
		if s == reconcile.ScopeConversations {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected conversations invalidated, got %v", f.scopes)
	}
}

func TestMessageUpdatedAndDeleted(t *testing.T) {
	f := newFixture(t)
	f.open("c1")
	f.raw(t, NameMessageNew, pushed)

	f.raw(t, NameMessageUpdated, `{"_id":"m1","content":{"type":"text","text":"edited"}}`)
	f.raw(t, NameMessageUpdated, `{"_id":"unknown","content":"x"}`)
	if got := f.store.Snapshot().Messages[0].Content.Text; got != "edited" {
		t.Fatalf("expected edited text, got %q", got)
	}

	f.raw(t, NameMessageDeleted, `"m1"`)
	f.raw(t, NameMessageDeleted, `{"_id":"m1"}`)
	if n := len(f.store.Snapshot().Messages); n != 0 {
		t.Fatalf("expected message removed, got %d", n)
	}

	// a late redelivery of the deleted message stays out
	f.raw(t, NameMessageNew, pushed)
	if n := len(f.store.Snapshot().Messages); n != 0 {
		t.Fatalf("expected deleted message to stay removed, got %d", n)
	}
}

func TestReactions_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.open("c1")
	f.raw(t, NameMessageNew, pushed)

	add := `{"messageId":"m1","reaction":"like","userId":"u2"}`
	f.raw(t, NameReactionAdded, add)
	f.raw(t, NameReactionAdded, add)
	if got := f.store.Snapshot().Messages[0].Reactions["like"]; len(got) != 1 {
		t.Fatalf("expected one like, got %v", got)
	}

	f.raw(t, NameReactionRemoved, add)
	f.raw(t, NameReactionRemoved, add)
	if got := f.store.Snapshot().Messages[0].Reactions["like"]; len(got) != 0 {
		t.Fatalf("expected like removed, got %v", got)
	}
}

func TestTyping(t *testing.T) {
	f := newFixture(t)
	f.open("c1")

	start := `{"conversationId":"c1","userId":"u2","userName":"Bob"}`
	f.raw(t, NameTypingStart, start)
	f.raw(t, NameTypingStart, start)
	if got := f.store.Snapshot().TypingUsers("c1", f.now); len(got) != 1 {
		t.Fatalf("expected one typing user, got %v", got)
	}

	f.raw(t, NameTypingStop, `{"userId":"u3"}`)
	f.raw(t, NameTypingStop, `{"userId":"u2"}`)
	if got := f.store.Snapshot().TypingUsers("c1", f.now); len(got) != 0 {
		t.Fatalf("expected typing cleared, got %v", got)
	}

	f.raw(t, NameTypingStart, `{"conversationId":"c1","userId":"me"}`)
	if got := f.store.Snapshot().TypingUsers("c1", f.now); len(got) != 0 {
		t.Fatalf("expected own typing ignored, got %v", got)
	}
}

func TestTyping_ExpiresAfterTTL(t *testing.T) {
	f := newFixture(t)
	f.raw(t, NameTypingStart, `{"conversationId":"c2","userId":"u3"}`)
	if got := f.store.Snapshot().TypingUsers("c2", f.now.Add(6*time.Second)); len(got) != 0 {
		t.Fatalf("expected typing expired, got %v", got)
	}
}

func TestConversationEvents(t *testing.T) {
	f := newFixture(t)
	f.open("c1")

	f.raw(t, NameConversationNew, `{"_id":"c3","type":"group","name":"Team","participants":[]}`)
	f.raw(t, NameConversationNew, `{"_id":"c3","type":"group","name":"Team","participants":[]}`)
	if n := len(f.store.Snapshot().Conversations); n != 3 {
		t.Fatalf("expected 3 conversations, got %d", n)
	}

	f.raw(t, NameConversationUpdated, `{"_id":"c3","name":"Renamed"}`)
	c, _ := f.store.Snapshot().Conversation("c3")
	if c.Name != "Renamed" || c.Type != model.ConversationGroup {
		t.Fatalf("expected merged conversation, got %+v", c)
	}

	f.raw(t, NameConversationDeleted, `"c1"`)
	s := f.store.Snapshot()
	if _, ok := s.Conversation("c1"); ok {
		t.Fatalf("expected c1 removed")
	}
	if s.ActiveConversationID != "" {
		t.Fatalf("expected active conversation cleared, got %q", s.ActiveConversationID)
	}
}

func TestPresence(t *testing.T) {
	f := newFixture(t)
	f.raw(t, NameUserOnline, `"u2"`)
	for _, c := range f.store.Snapshot().Conversations {
		for _, p := range c.Participants {
			if p.UserID == "u2" && !p.IsOnline {
				t.Fatalf("expected u2 online in %s", c.ID)
			}
		}
	}
	f.raw(t, NameUserOffline, `{"userId":"u2"}`)
	for _, c := range f.store.Snapshot().Conversations {
		for _, p := range c.Participants {
			if p.UserID == "u2" && p.IsOnline {
				t.Fatalf("expected u2 offline in %s", c.ID)
			}
		}
	}
}

func TestCalls_SecondIncomingIsRejected(t *testing.T) {
	f := newFixture(t)
	f.raw(t, NameCallIncoming, `{"callId":"k1","caller":{"_id":"u2","name":"Bob"},"type":"video","conversationId":"c1"}`)
	f.raw(t, NameCallIncoming, `{"callId":"k2","caller":{"_id":"u3"},"type":"audio","conversationId":"c2"}`)

	call := f.store.Snapshot().Call
	if call.CallID != "k1" || call.State != model.CallRinging || call.Caller.Name != "Bob" {
		t.Fatalf("expected first call ringing, got %+v", call)
	}
	if len(f.emits) != 1 || f.emits[0].event != "call:reject" {
		t.Fatalf("expected one call:reject emit, got %+v", f.emits)
	}
	if body, ok := f.emits[0].args[0].(map[string]string); !ok || body["callId"] != "k2" {
		t.Fatalf("expected rejection of k2, got %+v", f.emits[0].args)
	}
}

func TestCalls_Lifecycle(t *testing.T) {
	f := newFixture(t)
	f.raw(t, NameCallIncoming, `{"callId":"k1","caller":{"_id":"u2"},"type":"video"}`)
	f.raw(t, NameCallAccepted, `{"callId":"k1"}`)
	if got := f.store.Snapshot().Call.State; got != model.CallActive {
		t.Fatalf("expected active, got %s", got)
	}
	f.raw(t, NameCallEnded, "")
	if got := f.store.Snapshot().Call.State; got != model.CallIdle {
		t.Fatalf("expected idle, got %s", got)
	}

	f.raw(t, NameCallIncoming, `{"callId":"k2","caller":{"_id":"u2"}}`)
	f.raw(t, NameCallRejected, `{"callId":"k2"}`)
	if got := f.store.Snapshot().Call.State; got != model.CallIdle {
		t.Fatalf("expected idle after reject, got %s", got)
	}
}

func TestNotification(t *testing.T) {
	f := newFixture(t)
	f.raw(t, NameNotification, `{"type":"message","message":"hello"}`)
	if len(f.notifier.notes) != 1 {
		t.Fatalf("expected one notification, got %d", len(f.notifier.notes))
	}
	f.store.Update(func(s state.State) state.State {
		return s.WithSettings(state.Settings{NotificationsEnabled: false})
	})
	f.raw(t, NameNotification, `{"type":"message","message":"again"}`)
	if len(f.notifier.notes) != 1 {
		t.Fatalf("expected notifications suppressed, got %d", len(f.notifier.notes))
	}
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	f := newFixture(t)
	f.open("c1")
	before := f.store.Snapshot()

	f.raw(t, NameMessageNew, `{"content":"no id"}`)
	f.raw(t, NameMessageNew, `{"_id":"m1"}`)
	f.raw(t, NameReactionAdded, `{"messageId":"m1"}`)
	f.raw(t, NameTypingStart, `[1,2]`)
	f.raw(t, NameMessageDeleted, "")
	f.raw(t, "server:shutdown", `{}`)

	if got := testutil.ToFloat64(f.metrics.MalformedEvents.WithLabelValues(NameMessageNew)); got != 2 {
		t.Fatalf("expected 2 malformed message:new, got %v", got)
	}
	after := f.store.Snapshot()
	if len(after.Messages) != len(before.Messages) || len(after.Conversations) != len(before.Conversations) {
		t.Fatalf("expected state untouched by bad events")
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode("nope", nil)
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	_, err = Decode(NameUserOnline, nil)
	var malformed *MalformedEventError
	if !errors.As(err, &malformed) || malformed.Event != NameUserOnline {
		t.Fatalf("expected MalformedEventError, got %v", err)
	}
}
