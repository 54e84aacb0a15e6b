package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"advancechat-sync/internal/api"
	"advancechat-sync/internal/metrics"
	"advancechat-sync/internal/model"
	"advancechat-sync/internal/reconcile"
	"advancechat-sync/internal/state"
)

const (
	TempIDPrefix          = "tmp-"
	defaultTypingInterval = 2 * time.Second
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNotRetryable   = errors.New("message is not a failed send")
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoCall         = errors.New("no matching call")
)

type Emitter interface {
	Emit(event string, args ...any) error
}

type Sender interface {
	SendMessage(ctx context.Context, conversationID string, req api.SendRequest) (model.Message, error)
}

type Options struct {
	Emitter    Emitter
	Sender     Sender
	Store      *state.Store
	Invalidate func(reconcile.Scope)
	// OnUnauthorized runs when a send is refused with 401.
	OnUnauthorized func()

	// TypingInterval is the minimum gap between typing:start emits for one
	// conversation.
	TypingInterval time.Duration
	NewID          func() string
	Now            func() time.Time

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Commands is the outbound API used by the UI.
type Commands struct {
	emitter  Emitter
	sender   Sender
	store    *state.Store
	inval    func(reconcile.Scope)
	unauth   func()
	interval time.Duration
	newID    func() string
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	typing map[string]*rate.Limiter
}

func New(opts Options) *Commands {
	c := &Commands{
		emitter:  opts.Emitter,
		sender:   opts.Sender,
		store:    opts.Store,
		inval:    opts.Invalidate,
		unauth:   opts.OnUnauthorized,
		interval: opts.TypingInterval,
		newID:    opts.NewID,
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		typing:   make(map[string]*rate.Limiter),
	}
	if c.interval <= 0 {
		c.interval = defaultTypingInterval
	}
	if c.newID == nil {
		c.newID = func() string { return TempIDPrefix + uuid.NewString() }
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	return c
}

func (c *Commands) JoinConversation(conversationID string) error {
	return c.emit("conversation:join", map[string]string{"conversationId": conversationID})
}

func (c *Commands) LeaveConversation(conversationID string) error {
	c.resetTyping(conversationID)
	return c.emit("conversation:leave", map[string]string{"conversationId": conversationID})
}

// EmitMessage sends a message over the socket. The send flow goes through
// REST instead; see SendMessage.
func (c *Commands) EmitMessage(conversationID string, message any) error {
	return c.emit("message:send", map[string]any{"conversationId": conversationID, "message": message})
}

// StartTyping emits typing:start at most once per TypingInterval for each
// conversation. Suppressed calls return nil.
func (c *Commands) StartTyping(conversationID string) error {
	c.mu.Lock()
	lim, ok := c.typing[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.interval), 1)
		c.typing[conversationID] = lim
	}
	allowed := lim.AllowN(c.now(), 1)
	c.mu.Unlock()
	if !allowed {
		return nil
	}
	return c.emit("typing:start", map[string]string{"conversationId": conversationID})
}

func (c *Commands) StopTyping(conversationID string) error {
	c.resetTyping(conversationID)
	return c.emit("typing:stop", map[string]string{"conversationId": conversationID})
}

func (c *Commands) resetTyping(conversationID string) {
	c.mu.Lock()
	delete(c.typing, conversationID)
	c.mu.Unlock()
}

func (c *Commands) React(messageID, reaction string) error {
	return c.emit("message:react", map[string]string{"messageId": messageID, "reaction": reaction})
}

func (c *Commands) RemoveReaction(messageID, reaction string) error {
	return c.emit("message:remove_reaction", map[string]string{"messageId": messageID, "reaction": reaction})
}

// InitiateCall rings out from idle. The call id arrives with the callee's
// answer.
func (c *Commands) InitiateCall(conversationID, callType string) error {
	ok := c.store.UpdateIf(func(s state.State) (state.State, bool) {
		return s.RingOutgoing(model.Call{ConversationID: conversationID, Type: callType})
	})
	if !ok {
		return ErrCallInProgress
	}
	err := c.emit("call:initiate", map[string]string{"conversationId": conversationID, "type": callType})
	if err != nil {
		c.store.UpdateIf(func(s state.State) (state.State, bool) {
			return s.EndCall("")
		})
	}
	return err
}

func (c *Commands) AcceptCall(callID string) error {
	if !c.store.UpdateIf(func(s state.State) (state.State, bool) { return s.AcceptCall(callID) }) {
		return ErrNoCall
	}
	return c.emit("call:accept", map[string]string{"callId": callID})
}

func (c *Commands) RejectCall(callID string) error {
	if !c.store.UpdateIf(func(s state.State) (state.State, bool) { return s.RejectCall(callID) }) {
		return ErrNoCall
	}
	return c.emit("call:reject", map[string]string{"callId": callID})
}

func (c *Commands) EndCall(callID string) error {
	if !c.store.UpdateIf(func(s state.State) (state.State, bool) { return s.EndCall(callID) }) {
		return ErrNoCall
	}
	return c.emit("call:end", map[string]string{"callId": callID})
}

func (c *Commands) emit(event string, payload any) error {
	if c.emitter == nil {
		return fmt.Errorf("%s: no transport", event)
	}
	if err := c.emitter.Emit(event, payload); err != nil {
		c.logger.Debug("emit_failed", zap.String("event", event), zap.Error(err))
		return err
	}
	return nil
}

// SendMessage shows text as a pending message in the open conversation,
// posts it over REST and swaps the pending record for the server copy. On
// failure the pending record stays visible as failed and can be retried
// with RetrySend.
func (c *Commands) SendMessage(ctx context.Context, conversationID, text string) (model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Message{}, ErrEmptyMessage
	}
	epoch := c.store.Epoch()
	tempID := c.newID()

	c.store.UpdateIfEpoch(epoch, func(s state.State) state.State {
		if s.ActiveConversationID != conversationID {
			return s
		}
		return s.AddPending(model.Message{
			ID:             tempID,
			ClientID:       tempID,
			ConversationID: conversationID,
			Sender:         model.User{ID: s.Session.UserID},
			Content:        model.Content{Type: "text", Text: text},
			Timestamp:      c.now(),
		})
	})
	return c.deliver(ctx, epoch, conversationID, tempID, text)
}

// RetrySend re-posts a failed pending message under its original client id.
func (c *Commands) RetrySend(ctx context.Context, tempID string) (model.Message, error) {
	epoch := c.store.Epoch()
	var pending model.Message
	ok := c.store.UpdateIf(func(s state.State) (state.State, bool) {
		m, found := s.Message(tempID)
		if !found || m.Status != model.StatusFailed {
			return s, false
		}
		pending = m
		return s.SetMessageStatus(tempID, model.StatusSending)
	})
	if !ok {
		return model.Message{}, ErrNotRetryable
	}
	return c.deliver(ctx, epoch, pending.ConversationID, tempID, pending.Content.Text)
}

func (c *Commands) deliver(ctx context.Context, epoch uint64, conversationID, tempID, text string) (model.Message, error) {
	confirmed, err := c.sender.SendMessage(ctx, conversationID, api.SendRequest{
		Content:  text,
		Type:     "text",
		ClientID: tempID,
	})
	if err != nil {
		c.metrics.SendFailures.Inc()
		c.logger.Warn("send_failed",
			zap.String("conversation_id", conversationID),
			zap.String("temp_id", tempID),
			zap.Error(err))
		c.store.UpdateIf(func(s state.State) (state.State, bool) {
			if c.store.Epoch() != epoch {
				return s, false
			}
			return s.SetMessageStatus(tempID, model.StatusFailed)
		})
		if errors.Is(err, api.ErrUnauthorized) && c.unauth != nil {
			c.unauth()
		}
		return model.Message{}, err
	}

	if confirmed.ConversationID == "" {
		confirmed.ConversationID = conversationID
	}
	if confirmed.Status == "" || confirmed.Status.Pending() {
		confirmed.Status = model.StatusSent
	}
	if confirmed.ClientID == "" {
		confirmed.ClientID = tempID
	}
	c.store.UpdateIfEpoch(epoch, func(s state.State) state.State {
		return s.ConfirmPending(tempID, confirmed).TouchLastMessage(confirmed)
	})
	c.metrics.PendingReplaced.WithLabelValues("response").Inc()
	if c.inval != nil {
		c.inval(reconcile.ScopeMessages)
	}
	return confirmed, nil
}
