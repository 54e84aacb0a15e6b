package events

import (
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"advancechat-sync/internal/metrics"
	"advancechat-sync/internal/model"
	"advancechat-sync/internal/reconcile"
	"advancechat-sync/internal/state"
)

const defaultTypingTTL = 6 * time.Second

// Notifier is the UI side effect sink for sounds and toasts.
type Notifier interface {
	PlaySound()
	Notify(n model.Notification)
}

type Options struct {
	Store    *state.Store
	Notifier Notifier
	// Emit sends an outbound event, used to turn away a second incoming
	// call.
	Emit       func(event string, args ...any) error
	Invalidate func(reconcile.Scope)
	TypingTTL  time.Duration
	Now        func() time.Time
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Router applies inbound push events to the store.
type Router struct {
	store    *state.Store
	notifier Notifier
	emit     func(event string, args ...any) error
	inval    func(reconcile.Scope)
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewRouter(opts Options) *Router {
	r := &Router{
		store:    opts.Store,
		notifier: opts.Notifier,
		emit:     opts.Emit,
		inval:    opts.Invalidate,
		ttl:      opts.TypingTTL,
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if r.ttl <= 0 {
		r.ttl = defaultTypingTTL
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	return r
}

// HandleRaw decodes and dispatches a raw socket event. It never fails:
// unknown events are ignored and malformed ones are logged and counted.
func (r *Router) HandleRaw(name string, args []json.RawMessage) {
	ev, err := Decode(name, args)
	if err != nil {
		var malformed *MalformedEventError
		if errors.As(err, &malformed) {
			r.metrics.MalformedEvents.WithLabelValues(name).Inc()
			r.logger.Warn("malformed_event", zap.String("event", name), zap.Error(err))
			return
		}
		r.logger.Debug("unknown_event", zap.String("event", name))
		return
	}
	r.Handle(ev)
}

func (r *Router) Handle(ev Event) {
	r.metrics.EventsReceived.WithLabelValues(ev.Name()).Inc()

	switch e := ev.(type) {
	case MessageNew:
		r.messageNew(e)
	case MessageUpdated:
		r.store.UpdateIf(func(s state.State) (state.State, bool) {
			return s.PatchMessage(e.Message)
		})
	case MessageDeleted:
		r.store.UpdateIf(func(s state.State) (state.State, bool) {
			return s.RemoveMessage(e.MessageID)
		})
	case ReactionAdded:
		r.store.UpdateIf(func(s state.State) (state.State, bool) {
			return s.AddReaction(e.MessageID, e.Reaction, e.UserID)
		})
	case ReactionRemoved:
		r.store.UpdateIf(func(s state.State) (state.State, bool) {
			return s.RemoveReaction(e.MessageID, e.Reaction, e.UserID)
		})
	case TypingStarted:
		expires := r.now().Add(r.ttl)
		r.store.UpdateIf(func(s state.State) (state.State, bool) {
			conv := typingConversation(s, e.ConversationID)
			if conv == "" || e.UserID == s.Session.UserID {
				return s, false
			}
			return s.StartTyping(conv, e.UserID, expires), true
		})
	case TypingStopped:
		r.store.UpdateIf(func(s state.State) (state.State, bool) {
			conv := typingConversation(s, e.ConversationID)
			if conv == "" {
				return s, false
			}
			return s.StopTyping(conv, e.UserID)
		})
	case ConversationNew:
		r.store.Update(func(s state.State) state.State {
			return s.UpsertConversation(e.Conversation)
		})
	case ConversationUpdated:
		r.store.UpdateIf(func(s state.State) (state.State, bool) {
			return s.PatchConversation(e.Conversation)
		})
	case ConversationDeleted:
		r.store.UpdateIf(func(s state.State) (state.State, bool) {
			return s.RemoveConversation(e.ConversationID)
		})
	case UserOnline:
		r.presence(e.UserID, true)
	case UserOffline:
		r.presence(e.UserID, false)
	case CallIncoming:
		r.callIncoming(e.Call)
	case CallAccepted:
		r.store.UpdateIf(func(s state.State) (state.State, bool) {
			return s.AcceptCall(e.CallID)
		})
	case CallRejected:
		r.store.UpdateIf(func(s state.State) (state.State, bool) {
			return s.RejectCall(e.CallID)
		})
	case CallEnded:
		r.store.UpdateIf(func(s state.State) (state.State, bool) {
			return s.EndCall(e.CallID)
		})
	case NotificationNew:
		if r.notifier != nil && r.store.Snapshot().Settings.NotificationsEnabled {
			r.notifier.Notify(e.Notification)
		}
	}
}

func (r *Router) messageNew(e MessageNew) {
	p := e.Message
	convID := *p.ConversationID

	var (
		result  state.UpsertResult
		active  bool
		known   bool
		own     bool
		sound   bool
		fresh   bool
		touched bool
		deleted bool
	)
	r.store.UpdateIf(func(s state.State) (state.State, bool) {
		if deleted = s.MessageLedger().Deleted(p.ID); deleted {
			return s, false
		}
		_, known = s.Conversation(convID)
		own = p.Sender != nil && p.Sender.ID == s.Session.UserID
		sound = s.Settings.SoundEnabled
		active = s.ActiveConversationID == convID

		changed := false
		last := p.Message()
		if active {
			s, result = s.UpsertMessage(p)
			changed = result != state.Ignored
			fresh = result == state.Inserted
			if stored, ok := s.Message(p.ID); ok {
				last = stored
			}
		} else if !own {
			var counted bool
			s, counted = s.IncrementUnread(convID, p.ID)
			changed = counted
			fresh = counted
		}
		if last.Status == "" {
			last.Status = model.StatusSent
		}
		if known {
			s = s.TouchLastMessage(last)
			changed = true
		}
		touched = changed
		return s, changed
	})

	if deleted {
		r.logger.Debug("deleted_message_ignored", zap.String("message_id", p.ID))
		return
	}
	switch result {
	case state.Merged:
		r.metrics.DuplicateMessages.Inc()
	case state.ReplacedPending:
		r.metrics.PendingReplaced.WithLabelValues("push").Inc()
	}
	if !known && r.inval != nil {
		r.inval(reconcile.ScopeConversations)
	}
	if !touched {
		return
	}
	if fresh && !own && sound && r.notifier != nil {
		r.notifier.PlaySound()
	}
	if active && r.inval != nil {
		r.inval(reconcile.ScopeMessages)
	}
}

func (r *Router) presence(userID string, online bool) {
	r.store.UpdateIf(func(s state.State) (state.State, bool) {
		next, n := s.SetPresence(userID, online)
		return next, n > 0
	})
}

func (r *Router) callIncoming(c model.Call) {
	var busy model.Call
	rang := r.store.UpdateIf(func(s state.State) (state.State, bool) {
		busy = s.Call
		return s.RingIncoming(c)
	})
	if rang {
		return
	}
	r.logger.Info("call_auto_rejected",
		zap.String("call_id", c.CallID),
		zap.String("current_call_id", busy.CallID),
		zap.String("current_state", string(busy.State)))
	if r.emit == nil {
		return
	}
	if err := r.emit("call:reject", map[string]string{"callId": c.CallID}); err != nil {
		r.logger.Warn("call_auto_reject_failed", zap.String("call_id", c.CallID), zap.Error(err))
	}
}

func typingConversation(s state.State, conversationID string) string {
	if conversationID != "" {
		return conversationID
	}
	return s.ActiveConversationID
}
