package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"advancechat-sync/internal/api"
	"advancechat-sync/internal/model"
	"advancechat-sync/internal/reconcile"
	"advancechat-sync/internal/state"
)

type emitCall struct {
	event   string
	payload any
}

type fakeEmitter struct {
	calls []emitCall
	err   error
}

func (e *fakeEmitter) Emit(event string, args ...any) error {
	if e.err != nil {
		return e.err
	}
	var payload any
	if len(args) > 0 {
		payload = args[0]
	}
	e.calls = append(e.calls, emitCall{event: event, payload: payload})
	return nil
}

type fakeSender struct {
	reqs  []api.SendRequest
	reply func(req api.SendRequest) (model.Message, error)
}

func (f *fakeSender) SendMessage(ctx context.Context, conversationID string, req api.SendRequest) (model.Message, error) {
	f.reqs = append(f.reqs, req)
	return f.reply(req)
}

type fixture struct {
	store   *state.Store
	emitter *fakeEmitter
	sender  *fakeSender
	cmds    *Commands
	now     time.Time
	scopes  []reconcile.Scope
	unauth  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   state.NewStore(state.Settings{}),
		emitter: &fakeEmitter{},
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sender = &fakeSender{reply: func(req api.SendRequest) (model.Message, error) {
		return model.Message{
			ID:             "m1",
			ClientID:       req.ClientID,
			ConversationID: "c1",
			Sender:         model.User{ID: "me"},
			Content:        model.Content{Type: "text", Text: req.Content},
			Timestamp:      f.now.Add(time.Second),
		}, nil
	}}
	f.store.Reset(model.Session{UserID: "me", Token: "tok"})
	f.store.Update(func(s state.State) state.State {
		s = s.ReplaceConversations([]model.Conversation{{ID: "c1"}, {ID: "c2"}})
		return s.SetActiveConversation("c1")
	})
	n := 0
	f.cmds = New(Options{
		Emitter:        f.emitter,
		Sender:         f.sender,
		Store:          f.store,
		Invalidate:     func(s reconcile.Scope) { f.scopes = append(f.scopes, s) },
		OnUnauthorized: func() { f.unauth++ },
		NewID: func() string {
			n++
			return TempIDPrefix + string(rune('0'+n))
		},
		Now: func() time.Time { return f.now },
	})
	return f
}

func TestSendMessage_ReplacesPendingWithServerRecord(t *testing.T) {
	f := newFixture(t)
	var seen []model.Message
	f.sender.reply = func(req api.SendRequest) (model.Message, error) {
		// the pending record is visible while the request is in flight
		seen = f.store.Snapshot().Messages
		return model.Message{ID: "m1", ClientID: req.ClientID, ConversationID: "c1", Content: model.Content{Text: req.Content}, Timestamp: f.now}, nil
	}

	msg, err := f.cmds.SendMessage(context.Background(), "c1", "  hello ")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.ID != "m1" {
		t.Fatalf("expected m1, got %+v", msg)
	}
	if len(seen) != 1 || seen[0].Status != model.StatusSending || seen[0].ID != "tmp-1" {
		t.Fatalf("expected pending tmp-1 during send, got %+v", seen)
	}
	if f.sender.reqs[0].ClientID != "tmp-1" || f.sender.reqs[0].Content != "hello" {
		t.Fatalf("unexpected request %+v", f.sender.reqs[0])
	}

	s := f.store.Snapshot()
	if len(s.Messages) != 1 || s.Messages[0].ID != "m1" || s.Messages[0].Status != model.StatusSent {
		t.Fatalf("expected only confirmed m1, got %+v", s.Messages)
	}
	c, _ := s.Conversation("c1")
	if c.LastMessage == nil || c.LastMessage.ID != "m1" || c.LastMessage.Status != model.StatusSent {
		t.Fatalf("expected sent last message m1, got %+v", c.LastMessage)
	}
	if msg.Status != model.StatusSent || msg.ClientID != "tmp-1" {
		t.Fatalf("expected returned record marked sent with its client id, got %+v", msg)
	}
	if len(f.scopes) != 1 || f.scopes[0] != reconcile.ScopeMessages {
		t.Fatalf("expected messages invalidated, got %v", f.scopes)
	}
}

func TestSendMessage_EchoBeforeResponse(t *testing.T) {
	f := newFixture(t)
	f.sender.reply = func(req api.SendRequest) (model.Message, error) {
		confirmed := model.Message{ID: "m1", ClientID: req.ClientID, ConversationID: "c1", Timestamp: f.now}
		f.store.UpdateIf(func(s state.State) (state.State, bool) {
			next, res := s.UpsertMessage(confirmed.Patch())
			return next, res != state.Ignored
		})
		return confirmed, nil
	}

	if _, err := f.cmds.SendMessage(context.Background(), "c1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := f.store.Snapshot().Messages; len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("expected exactly one m1, got %+v", got)
	}
}

func TestSendMessage_FailureMarksFailedAndRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	reply := f.sender.reply
	f.sender.reply = func(api.SendRequest) (model.Message, error) {
		return model.Message{}, errors.New("boom")
	}

	if _, err := f.cmds.SendMessage(context.Background(), "c1", "hello"); err == nil {
		t.Fatalf("expected send error")
	}
	s := f.store.Snapshot()
	if len(s.Messages) != 1 || s.Messages[0].Status != model.StatusFailed {
		t.Fatalf("expected failed message kept visible, got %+v", s.Messages)
	}

	f.sender.reply = reply
	msg, err := f.cmds.RetrySend(context.Background(), "tmp-1")
	if err != nil {
		t.Fatalf("RetrySend: %v", err)
	}
	if f.sender.reqs[1].ClientID != "tmp-1" {
		t.Fatalf("expected retry with original client id, got %+v", f.sender.reqs[1])
	}
	s = f.store.Snapshot()
	if len(s.Messages) != 1 || s.Messages[0].ID != msg.ID {
		t.Fatalf("expected failed record replaced, got %+v", s.Messages)
	}
	if _, err := f.cmds.RetrySend(context.Background(), "tmp-1"); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestSendMessage_UnauthorizedNotifies(t *testing.T) {
	f := newFixture(t)
	f.sender.reply = func(api.SendRequest) (model.Message, error) {
		return model.Message{}, api.ErrUnauthorized
	}
	if _, err := f.cmds.SendMessage(context.Background(), "c1", "hello"); !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if f.unauth != 1 {
		t.Fatalf("expected unauthorized callback, got %d", f.unauth)
	}
}

func TestSendMessage_DropsConfirmationAfterLogout(t *testing.T) {
	f := newFixture(t)
	f.sender.reply = func(req api.SendRequest) (model.Message, error) {
		f.store.Reset(model.Session{UserID: "other"})
		return model.Message{ID: "m1", ClientID: req.ClientID, ConversationID: "c1"}, nil
	}
	if _, err := f.cmds.SendMessage(context.Background(), "c1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if n := len(f.store.Snapshot().Messages); n != 0 {
		t.Fatalf("expected new session untouched, got %d messages", n)
	}
}

func TestSendMessage_OtherConversationHasNoPendingRecord(t *testing.T) {
	f := newFixture(t)
	var seen int
	f.sender.reply = func(req api.SendRequest) (model.Message, error) {
		seen = len(f.store.Snapshot().Messages)
		return model.Message{ID: "m2", ClientID: req.ClientID, ConversationID: "c2"}, nil
	}
	if _, err := f.cmds.SendMessage(context.Background(), "c2", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if seen != 0 || len(f.store.Snapshot().Messages) != 0 {
		t.Fatalf("expected the open conversation's list untouched")
	}
}

func TestSendMessage_Empty(t *testing.T) {
	f := newFixture(t)
	if _, err := f.cmds.SendMessage(context.Background(), "c1", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestStartTyping_Throttled(t *testing.T) {
	f := newFixture(t)
	_ = f.cmds.StartTyping("c1")
	_ = f.cmds.StartTyping("c1")
	_ = f.cmds.StartTyping("c2")
	if n := len(f.emitter.calls); n != 2 {
		t.Fatalf("expected 2 emits, got %d", n)
	}

	f.now = f.now.Add(3 * time.Second)
	_ = f.cmds.StartTyping("c1")
	if n := len(f.emitter.calls); n != 3 {
		t.Fatalf("expected emit after the interval, got %d", n)
	}

	_ = f.cmds.StopTyping("c1")
	_ = f.cmds.StartTyping("c1")
	if n := len(f.emitter.calls); n != 5 {
		t.Fatalf("expected stop to reset the throttle, got %d emits", n)
	}
}

func TestEmitWrappers(t *testing.T) {
	f := newFixture(t)
	_ = f.cmds.JoinConversation("c1")
	_ = f.cmds.LeaveConversation("c1")
	_ = f.cmds.React("m1", "like")
	_ = f.cmds.RemoveReaction("m1", "like")
	_ = f.cmds.EmitMessage("c1", map[string]string{"content": "x"})

	want := []string{"conversation:join", "conversation:leave", "message:react", "message:remove_reaction", "message:send"}
	if len(f.emitter.calls) != len(want) {
		t.Fatalf("expected %d emits, got %d", len(want), len(f.emitter.calls))
	}
	for i, ev := range want {
		if f.emitter.calls[i].event != ev {
			t.Fatalf("emit %d: expected %s, got %s", i, ev, f.emitter.calls[i].event)
		}
	}
	body := f.emitter.calls[2].payload.(map[string]string)
	if body["messageId"] != "m1" || body["reaction"] != "like" {
		t.Fatalf("unexpected react payload %v", body)
	}
}

func TestCalls(t *testing.T) {
	f := newFixture(t)
	if err := f.cmds.InitiateCall("c1", "video"); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	if err := f.cmds.InitiateCall("c2", "audio"); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("expected ErrCallInProgress, got %v", err)
	}
	call := f.store.Snapshot().Call
	if call.State != model.CallRinging || !call.Outgoing {
		t.Fatalf("expected outgoing ringing call, got %+v", call)
	}
	if err := f.cmds.EndCall(""); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if f.store.Snapshot().Call.State != model.CallIdle {
		t.Fatalf("expected idle after end")
	}
	if err := f.cmds.AcceptCall("k1"); !errors.Is(err, ErrNoCall) {
		t.Fatalf("expected ErrNoCall, got %v", err)
	}

	f.store.UpdateIf(func(s state.State) (state.State, bool) {
		return s.RingIncoming(model.Call{CallID: "k2"})
	})
	if err := f.cmds.AcceptCall("k2"); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}
	if f.store.Snapshot().Call.State != model.CallActive {
		t.Fatalf("expected active call")
	}
	last := f.emitter.calls[len(f.emitter.calls)-1]
	if last.event != "call:accept" {
		t.Fatalf("expected call:accept, got %s", last.event)
	}
}

func TestInitiateCall_EmitFailureRevertsState(t *testing.T) {
	f := newFixture(t)
	f.emitter.err = errors.New("socket not connected")
	if err := f.cmds.InitiateCall("c1", "video"); err == nil {
		t.Fatalf("expected error")
	}
	if got := f.store.Snapshot().Call.State; got != model.CallIdle {
		t.Fatalf("expected idle after failed initiate, got %s", got)
	}
}
