package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"advancechat-sync/internal/api"
	"advancechat-sync/internal/metrics"
	"advancechat-sync/internal/model"
	"advancechat-sync/internal/state"
)

type Scope int

const (
	ScopeConversations Scope = iota + 1
	ScopeMessages
)

func (s Scope) String() string {
	switch s {
	case ScopeConversations:
		return "conversations"
	case ScopeMessages:
		return "messages"
	}
	return "unknown"
}

// Fetcher is the slice of the REST client the reconciler reads from.
type Fetcher interface {
	GetConversations(ctx context.Context) ([]model.Conversation, error)
	GetMessages(ctx context.Context, conversationID string, page, limit int) ([]model.Message, error)
}

type Options struct {
	Store   *state.Store
	Fetcher Fetcher

	ConversationsInterval time.Duration
	MessagesInterval      time.Duration
	PageLimit             int

	// OnUnauthorized runs once, on its own goroutine, after a 401 has
	// stopped the pollers.
	OnUnauthorized func()

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Reconciler keeps the store in step with the REST snapshots.
type Reconciler struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	convKick chan struct{}
	msgKick  chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	authErr sync.Once
}

func New(opts Options) *Reconciler {
	if opts.ConversationsInterval <= 0 {
		opts.ConversationsInterval = 10 * time.Second
	}
	if opts.MessagesInterval <= 0 {
		opts.MessagesInterval = 5 * time.Second
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 50
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	return &Reconciler{
		opts:     opts,
		logger:   logger,
		metrics:  m,
		convKick: make(chan struct{}, 1),
		msgKick:  make(chan struct{}, 1),
	}
}

// Start launches both pollers. Each fetches once right away.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(2)
	go r.poll(ctx, ScopeConversations, r.opts.ConversationsInterval, r.convKick, r.SyncConversations)
	go r.poll(ctx, ScopeMessages, r.opts.MessagesInterval, r.msgKick, r.SyncMessages)
}

// Stop halts the pollers and waits for any fetch in flight.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Invalidate asks for an early refetch of scope. Requests made while one is
// already queued collapse into it.
func (r *Reconciler) Invalidate(scope Scope) {
	kick := r.convKick
	if scope == ScopeMessages {
		kick = r.msgKick
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

func (r *Reconciler) poll(ctx context.Context, scope Scope, interval time.Duration, kick <-chan struct{}, fetch func(context.Context) error) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() bool {
		err := fetch(ctx)
		if errors.Is(err, api.ErrUnauthorized) {
			r.unauthorized()
			return false
		}
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("reconcile_failed", zap.Stringer("scope", scope), zap.Error(err))
		}
		return true
	}

	if !run() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
		}
		if !run() {
			return
		}
	}
}

func (r *Reconciler) unauthorized() {
	r.authErr.Do(func() {
		r.logger.Warn("reconcile_unauthorized")
		r.mu.Lock()
		if r.cancel != nil {
			r.cancel()
		}
		r.mu.Unlock()
		if r.opts.OnUnauthorized != nil {
			go r.opts.OnUnauthorized()
		}
	})
}

// SyncConversations fetches the conversation list and merges it. The result
// is dropped when the session changed while the request was in flight. An
// open conversation the server no longer lists is closed.
func (r *Reconciler) SyncConversations(ctx context.Context) error {
	epoch := r.opts.Store.Epoch()
	remote, err := r.opts.Fetcher.GetConversations(ctx)
	if err != nil {
		r.metrics.ReconcileRuns.WithLabelValues(ScopeConversations.String(), "error").Inc()
		return err
	}
	applied := r.opts.Store.UpdateIfEpoch(epoch, func(s state.State) state.State {
		merged := MergeConversations(s.Conversations, remote, s.ActiveConversationID, s.ConversationLedger())
		s = s.ReplaceConversations(merged).ConfirmConversations(ConversationIDs(remote))
		if s.ActiveConversationID != "" {
			if _, ok := s.ActiveConversation(); !ok {
				s = s.SetActiveConversation("")
			}
		}
		return s
	})
	r.record(ScopeConversations, applied)
	return nil
}

// SyncMessages refetches the newest page of the open conversation. The
// result is dropped when the session or the open conversation changed while
// the request was in flight.
func (r *Reconciler) SyncMessages(ctx context.Context) error {
	epoch := r.opts.Store.Epoch()
	conversationID := r.opts.Store.Snapshot().ActiveConversationID
	if conversationID == "" {
		return nil
	}
	remote, err := r.opts.Fetcher.GetMessages(ctx, conversationID, 1, r.opts.PageLimit)
	if err != nil {
		r.metrics.ReconcileRuns.WithLabelValues(ScopeMessages.String(), "error").Inc()
		return err
	}

	replaced := 0
	applied := false
	r.opts.Store.UpdateIf(func(s state.State) (state.State, bool) {
		if r.opts.Store.Epoch() != epoch || s.ActiveConversationID != conversationID {
			return s, false
		}
		merged, n := MergeMessages(s.Messages, remote, s.MessageLedger(), r.opts.PageLimit)
		replaced = n
		applied = true
		return s.ReplaceMessages(merged).ConfirmMessages(MessageIDs(remote)), true
	})
	if replaced > 0 {
		r.metrics.PendingReplaced.WithLabelValues("rest").Add(float64(replaced))
	}
	r.record(ScopeMessages, applied)
	return nil
}

func (r *Reconciler) record(scope Scope, applied bool) {
	result := "applied"
	if !applied {
		result = "stale"
		r.logger.Debug("reconcile_stale", zap.Stringer("scope", scope))
	}
	r.metrics.ReconcileRuns.WithLabelValues(scope.String(), result).Inc()
}
