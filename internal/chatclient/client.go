package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"advancechat-sync/internal/api"
	"advancechat-sync/internal/auth"
	"advancechat-sync/internal/cache"
	"advancechat-sync/internal/commands"
	"advancechat-sync/internal/config"
	"advancechat-sync/internal/connection"
	"advancechat-sync/internal/events"
	"advancechat-sync/internal/metrics"
	"advancechat-sync/internal/model"
	"advancechat-sync/internal/reconcile"
	"advancechat-sync/internal/session"
	"advancechat-sync/internal/state"
)

const defaultSweepInterval = time.Second

// API is the REST surface the client needs.
type API interface {
	reconcile.Fetcher
	commands.Sender
	MarkAsRead(ctx context.Context, conversationID string) error
}

type Deps struct {
	Session session.Provider
	// Store is reused across sessions when set, which keeps subscribers
	// attached through a re-login.
	Store    *state.Store
	API      API
	Dialer   connection.Dialer
	Notifier events.Notifier
	Cache    *cache.Cache
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type Options struct {
	SocketURL string
	APIURL    string
	Settings  state.Settings

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration

	ConversationsPollInterval time.Duration
	MessagesPollInterval      time.Duration
	MessagesPageLimit         int
	TypingTTL                 time.Duration
	TypingSweepInterval       time.Duration

	OnSignal func(connection.SignalEvent)
	// OnLogout runs after the client tore itself down because the backend
	// rejected the token.
	OnLogout func()
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SocketURL: cfg.SocketURL,
		APIURL:    cfg.APIURL,
		Settings: state.Settings{
			SoundEnabled:         cfg.SoundEnabled,
			NotificationsEnabled: cfg.NotificationsEnabled,
		},
		ReconnectAttempts:         cfg.ReconnectAttempts,
		ReconnectDelay:            cfg.ReconnectDelay,
		ReconnectDelayMax:         cfg.ReconnectDelayMax,
		ConversationsPollInterval: cfg.ConversationsPollInterval,
		MessagesPollInterval:      cfg.MessagesPollInterval,
		MessagesPageLimit:         cfg.MessagesPageLimit,
		TypingTTL:                 cfg.TypingTTL,
	}
}

// Client is one logged-in session of the sync core. Build it with Start and
// tear it down with Close; nothing outlives it except the store.
type Client struct {
	userID  string
	epoch   uint64
	opts    Options
	deps    Deps
	logger  *zap.Logger
	metrics *metrics.Metrics

	store      *state.Store
	api        API
	conn       *connection.Manager
	router     *events.Router
	reconciler *reconcile.Reconciler
	cmds       *commands.Commands

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// guards wg.Add against a concurrent shutdown
	taskMu sync.Mutex
	closed bool

	authOnce  sync.Once
}

// Start opens a session for the provider's token: it resets the store,
// hydrates it from the cache, connects the socket and starts polling.
func Start(ctx context.Context, deps Deps, opts Options) (*Client, error) {
	if deps.Session == nil {
		return nil, errors.New("chatclient: session provider is required")
	}
	token := deps.Session.Token()
	if token == "" {
		return nil, connection.ErrNoToken
	}
	userID, err := auth.SubjectUnverified(token)
	if err != nil {
		return nil, fmt.Errorf("read token subject: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("user_id", userID))
	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	store := deps.Store
	if store == nil {
		store = state.NewStore(opts.Settings)
	} else {
		store.Update(func(s state.State) state.State { return s.WithSettings(opts.Settings) })
	}
	restAPI := deps.API
	if restAPI == nil {
		if opts.APIURL == "" {
			return nil, errors.New("chatclient: APIURL is required")
		}
		restAPI = api.NewClient(opts.APIURL, deps.Session.Token, nil)
	}
	dialer := deps.Dialer
	if dialer == nil {
		if opts.SocketURL == "" {
			return nil, errors.New("chatclient: SocketURL is required")
		}
		dialer = connection.SocketDialer(opts.SocketURL, nil)
	}

	c := &Client{
		userID:  userID,
		opts:    opts,
		deps:    deps,
		logger:  logger,
		metrics: m,
		store:   store,
		api:     restAPI,
	}
	c.epoch = store.Reset(model.Session{UserID: userID, Token: token})
	c.hydrate()

	c.reconciler = reconcile.New(reconcile.Options{
		Store:                 store,
		Fetcher:               restAPI,
		ConversationsInterval: opts.ConversationsPollInterval,
		MessagesInterval:      opts.MessagesPollInterval,
		PageLimit:             opts.MessagesPageLimit,
		OnUnauthorized:        c.unauthorized,
		Logger:                logger,
		Metrics:               m,
	})
	c.router = events.NewRouter(events.Options{
		Store:      store,
		Notifier:   deps.Notifier,
		Emit:       c.emit,
		Invalidate: c.reconciler.Invalidate,
		TypingTTL:  opts.TypingTTL,
		Logger:     logger,
		Metrics:    m,
	})
	c.conn = connection.NewManager(connection.Options{
		Dialer:         dialer,
		MaxAttempts:    opts.ReconnectAttempts,
		InitialDelay:   opts.ReconnectDelay,
		MaxDelay:       opts.ReconnectDelayMax,
		OnEvent:        c.router.HandleRaw,
		OnSignal:       c.onSignal,
		OnUnauthorized: c.unauthorized,
		Logger:         logger,
		Metrics:        m,
	})
	c.cmds = commands.New(commands.Options{
		Emitter:        c.conn,
		Sender:         restAPI,
		Store:          store,
		Invalidate:     c.reconciler.Invalidate,
		OnUnauthorized: c.unauthorized,
		Logger:         logger,
		Metrics:        m,
	})

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	if err := c.conn.Connect(token); err != nil {
		cancel()
		return nil, err
	}
	c.reconciler.Start(runCtx)
	c.spawn(func() { c.sweepTyping(runCtx) })

	logger.Info("session_started")
	return c, nil
}

func (c *Client) UserID() string                   { return c.userID }
func (c *Client) Store() *state.Store               { return c.store }
func (c *Client) Commands() *commands.Commands      { return c.cmds }
func (c *Client) Connection() *connection.Manager   { return c.conn }
func (c *Client) Reconciler() *reconcile.Reconciler { return c.reconciler }

// Close ends the session. It is safe to call more than once.
func (c *Client) Close() error {
	c.shutdown(true)
	return nil
}

func (c *Client) shutdown(persist bool) {
	c.closeOnce.Do(func() {
		c.taskMu.Lock()
		c.closed = true
		c.taskMu.Unlock()

		c.cancel()
		c.conn.Disconnect()
		c.reconciler.Stop()
		c.wg.Wait()
		if persist {
			c.persist()
		}
		// a new epoch turns away anything still in flight for this session
		c.store.Reset(model.Session{})
		c.logger.Info("session_closed")
	})
}

// OpenConversation makes id the open conversation: it switches rooms, marks
// the conversation read and refetches its messages.
func (c *Client) OpenConversation(ctx context.Context, id string) error {
	snap := c.store.Snapshot()
	if _, ok := snap.Conversation(id); !ok {
		return fmt.Errorf("open conversation %s: not found", id)
	}
	prev := snap.ActiveConversationID
	if prev == id {
		c.reconciler.Invalidate(reconcile.ScopeMessages)
		return nil
	}
	if prev != "" {
		if err := c.cmds.LeaveConversation(prev); err != nil && !errors.Is(err, connection.ErrNotConnected) {
			c.logger.Warn("leave_conversation_failed", zap.String("conversation_id", prev), zap.Error(err))
		}
		c.persistMessages(prev, snap.Messages)
	}

	if !c.store.UpdateIfEpoch(c.epoch, func(s state.State) state.State {
		return s.SetActiveConversation(id)
	}) {
		return errors.New("session closed")
	}
	c.hydrateMessages(id)

	if err := c.cmds.JoinConversation(id); err != nil && !errors.Is(err, connection.ErrNotConnected) {
		c.logger.Warn("join_conversation_failed", zap.String("conversation_id", id), zap.Error(err))
	}

	c.spawn(func() {
		if err := c.api.MarkAsRead(ctx, id); err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				c.unauthorized()
				return
			}
			c.logger.Debug("mark_read_failed", zap.String("conversation_id", id), zap.Error(err))
		}
	})
	c.reconciler.Invalidate(reconcile.ScopeMessages)
	return nil
}

// CloseConversation leaves the open conversation's room and clears it.
func (c *Client) CloseConversation() {
	snap := c.store.Snapshot()
	if snap.ActiveConversationID == "" {
		return
	}
	_ = c.cmds.LeaveConversation(snap.ActiveConversationID)
	c.persistMessages(snap.ActiveConversationID, snap.Messages)
	c.store.UpdateIfEpoch(c.epoch, func(s state.State) state.State {
		return s.SetActiveConversation("")
	})
}

func (c *Client) emit(event string, args ...any) error {
	return c.conn.Emit(event, args...)
}

func (c *Client) onSignal(ev connection.SignalEvent) {
	if ev.Signal == connection.SignalConnected {
		// rooms do not survive a reconnect, and pushes may have been missed
		if active := c.store.Snapshot().ActiveConversationID; active != "" {
			if err := c.conn.Emit("conversation:join", map[string]string{"conversationId": active}); err != nil {
				c.logger.Warn("rejoin_failed", zap.String("conversation_id", active), zap.Error(err))
			}
		}
		if c.reconciler != nil {
			c.reconciler.Invalidate(reconcile.ScopeConversations)
			c.reconciler.Invalidate(reconcile.ScopeMessages)
		}
	}
	if c.opts.OnSignal != nil {
		c.opts.OnSignal(ev)
	}
}

// spawn runs fn on its own goroutine unless the session is shutting down.
func (c *Client) spawn(fn func()) bool {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// unauthorized tears the session down after the backend refused the token.
func (c *Client) unauthorized() {
	c.authOnce.Do(func() {
		c.logger.Warn("session_unauthorized")
		go func() {
			c.shutdown(false)
			if c.deps.Cache != nil {
				if err := c.deps.Cache.Forget(c.userID); err != nil {
					c.metrics.CacheErrors.Inc()
				}
			}
			c.deps.Session.OnUnauthorized()
			if c.opts.OnLogout != nil {
				c.opts.OnLogout()
			}
		}()
	})
}

func (c *Client) sweepTyping(ctx context.Context) {
	interval := c.opts.TypingSweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.store.UpdateIf(func(s state.State) (state.State, bool) {
				next, n := s.ExpireTyping(now)
				return next, n > 0
			})
		}
	}
}

func (c *Client) hydrate() {
	if c.deps.Cache == nil {
		return
	}
	list, err := c.deps.Cache.LoadConversations(c.userID)
	if err != nil {
		c.metrics.CacheErrors.Inc()
		c.logger.Warn("cache_load_failed", zap.Error(err))
		return
	}
	if len(list) == 0 {
		return
	}
	c.store.UpdateIf(func(s state.State) (state.State, bool) {
		if c.store.Epoch() != c.epoch {
			return s, false
		}
		return s.HydrateConversations(list)
	})
}

func (c *Client) hydrateMessages(conversationID string) {
	if c.deps.Cache == nil {
		return
	}
	list, err := c.deps.Cache.LoadMessages(c.userID, conversationID)
	if err != nil {
		c.metrics.CacheErrors.Inc()
		c.logger.Warn("cache_load_failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	if len(list) == 0 {
		return
	}
	c.store.UpdateIf(func(s state.State) (state.State, bool) {
		if c.store.Epoch() != c.epoch || s.ActiveConversationID != conversationID {
			return s, false
		}
		return s.HydrateMessages(list)
	})
}

func (c *Client) persist() {
	if c.deps.Cache == nil {
		return
	}
	snap := c.store.Snapshot()
	if c.store.Epoch() != c.epoch {
		return
	}
	if err := c.deps.Cache.SaveConversations(c.userID, snap.Conversations); err != nil {
		c.metrics.CacheErrors.Inc()
		c.logger.Warn("cache_save_failed", zap.Error(err))
	}
	if snap.ActiveConversationID != "" {
		c.persistMessages(snap.ActiveConversationID, snap.Messages)
	}
}

func (c *Client) persistMessages(conversationID string, list []model.Message) {
	if c.deps.Cache == nil || len(list) == 0 {
		return
	}
	if err := c.deps.Cache.SaveMessages(c.userID, conversationID, list); err != nil {
		c.metrics.CacheErrors.Inc()
		c.logger.Warn("cache_save_failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
