package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"advancechat-sync/internal/metrics"
	"advancechat-sync/internal/socketio"
)

var (
	ErrNoToken      = errors.New("no session token")
	ErrNotConnected = errors.New("socket not connected")
)

type Signal string

const (
	SignalConnecting    Signal = "connecting"
	SignalConnected     Signal = "connected"
	SignalDisconnected  Signal = "disconnected"
	SignalReconnecting  Signal = "reconnecting"
	SignalConnectFailed Signal = "connect_failed"
	SignalUnauthorized  Signal = "unauthorized"
)

// SignalEvent describes one lifecycle transition. Attempt counts reconnect
// attempts since the last successful connection; Delay is the wait before
// the next dial when Signal is SignalReconnecting.
type SignalEvent struct {
	Signal  Signal
	Attempt int
	Delay   time.Duration
	Err     error
}

type EventHandler func(event string, args []json.RawMessage)

// Transport is a live, authenticated socket.
type Transport interface {
	Emit(event string, args ...any) error
	Close() error
	Done() <-chan struct{}
	Err() error
}

type Dialer func(ctx context.Context, token string, onEvent EventHandler) (Transport, error)

// SocketDialer dials the Socket.IO endpoint under baseURL.
func SocketDialer(baseURL string, ws *websocket.Dialer) Dialer {
	return func(ctx context.Context, token string, onEvent EventHandler) (Transport, error) {
		client, err := socketio.Dial(ctx, socketio.Options{
			URL:     baseURL,
			Token:   token,
			Dialer:  ws,
			OnEvent: socketio.EventHandler(onEvent),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

type Options struct {
	Dialer Dialer

	// MaxAttempts bounds the reconnect attempts made after a failure. Zero
	// disables reconnecting.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	NewBackOff   func() backoff.BackOff

	OnEvent EventHandler
	// OnSignal runs synchronously for every transition and must not call
	// Connect or Disconnect.
	OnSignal func(SignalEvent)
	// OnUnauthorized runs after the manager has given up on the token. It
	// may call back into the manager.
	OnUnauthorized func()

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Manager keeps at most one transport alive for the current token.
type Manager struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	gen       uint64
	token     string
	cancel    context.CancelFunc
	transport Transport

	signalMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = opts.InitialDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{opts: opts, logger: logger, metrics: m}
}

// Connect starts a connection bound to token. It returns immediately; the
// outcome is reported through OnSignal. Calling it again with the same token
// while connected or connecting does nothing.
func (m *Manager) Connect(token string) error {
	if token == "" {
		return ErrNoToken
	}
	if m.opts.Dialer == nil {
		return errors.New("connection: no dialer configured")
	}

	m.mu.Lock()
	if m.cancel != nil && m.token == token {
		m.mu.Unlock()
		return nil
	}
	old := m.stopLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.token = token
	m.cancel = cancel
	gen := m.gen
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
		m.metrics.Connected.Set(0)
		m.signalAlways(SignalEvent{Signal: SignalDisconnected})
	}
	go m.run(ctx, gen, token)
	return nil
}

// Disconnect tears down the transport and cancels any scheduled reconnect or
// dial in flight. It is safe to call at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	active := m.cancel != nil || m.transport != nil
	old := m.stopLocked()
	m.mu.Unlock()

	if !active {
		return
	}
	if old != nil {
		_ = old.Close()
	}
	m.metrics.Connected.Set(0)
	m.signalAlways(SignalEvent{Signal: SignalDisconnected})
}

func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport != nil
}

func (m *Manager) Emit(event string, args ...any) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	if err := t.Emit(event, args...); err != nil {
		if errors.Is(err, socketio.ErrClosed) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

func (m *Manager) stopLocked() Transport {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.token = ""
	t := m.transport
	m.transport = nil
	return t
}

func (m *Manager) run(ctx context.Context, gen uint64, token string) {
	bo := m.newBackOff()
	attempt := 0
	m.signal(gen, SignalEvent{Signal: SignalConnecting})

	for {
		t, err := m.dial(ctx, token)
		if ctx.Err() != nil {
			if t != nil {
				_ = t.Close()
			}
			return
		}
		if err != nil {
			if errors.Is(err, socketio.ErrUnauthorized) {
				m.unauthorized(gen, err)
				return
			}
			m.metrics.ConnectFailures.WithLabelValues("transport").Inc()
			m.logger.Warn("socket_connect_failed", zap.Int("attempt", attempt), zap.Error(err))
			if !m.scheduleRetry(ctx, gen, bo, &attempt, err) {
				return
			}
			continue
		}

		if !m.adopt(gen, t) {
			_ = t.Close()
			return
		}
		attempt = 0
		bo.Reset()
		m.metrics.Connected.Set(1)
		m.logger.Info("socket_connected")
		m.signal(gen, SignalEvent{Signal: SignalConnected})

		select {
		case <-ctx.Done():
			return
		case <-t.Done():
		}

		cause := t.Err()
		if !m.release(gen, t) {
			return
		}
		m.metrics.Connected.Set(0)
		m.signal(gen, SignalEvent{Signal: SignalDisconnected, Err: cause})

		if errors.Is(cause, socketio.ErrServerDisconnect) {
			m.metrics.ConnectFailures.WithLabelValues("server_disconnect").Inc()
			m.logger.Info("socket_server_disconnect")
			m.signal(gen, SignalEvent{Signal: SignalReconnecting, Err: cause})
			continue
		}
		m.metrics.ConnectFailures.WithLabelValues("dropped").Inc()
		m.logger.Warn("socket_dropped", zap.Error(cause))
		if !m.scheduleRetry(ctx, gen, bo, &attempt, cause) {
			return
		}
	}
}

// scheduleRetry waits out the next backoff delay. It reports false when the
// attempt budget is spent or the run was cancelled.
func (m *Manager) scheduleRetry(ctx context.Context, gen uint64, bo backoff.BackOff, attempt *int, cause error) bool {
	if *attempt >= m.opts.MaxAttempts {
		m.logger.Error("socket_connect_gave_up", zap.Int("attempts", *attempt), zap.Error(cause))
		if m.finish(gen) {
			m.signalFinal(gen, SignalEvent{Signal: SignalConnectFailed, Attempt: *attempt, Err: cause})
		}
		return false
	}
	*attempt++
	delay := m.retryDelay(bo)
	m.signal(gen, SignalEvent{Signal: SignalReconnecting, Attempt: *attempt, Delay: delay, Err: cause})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) dial(ctx context.Context, token string) (Transport, error) {
	m.metrics.ConnectAttempts.Inc()
	onEvent := m.opts.OnEvent
	if onEvent == nil {
		onEvent = func(string, []json.RawMessage) {}
	}
	return m.opts.Dialer(ctx, token, onEvent)
}

func (m *Manager) unauthorized(gen uint64, err error) {
	m.metrics.ConnectFailures.WithLabelValues("unauthorized").Inc()
	m.logger.Warn("socket_unauthorized", zap.Error(err))
	if !m.finish(gen) {
		return
	}
	m.signalFinal(gen, SignalEvent{Signal: SignalUnauthorized, Err: err})
	if m.opts.OnUnauthorized != nil {
		m.opts.OnUnauthorized()
	}
}

func (m *Manager) adopt(gen uint64, t Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.transport = t
	return true
}

func (m *Manager) release(gen uint64, t Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	if m.transport == t {
		m.transport = nil
	}
	return true
}

// finish ends the run for gen without bumping the generation, so a final
// signal can still be delivered. A later Connect with the same token starts
// over.
func (m *Manager) finish(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.token = ""
	m.transport = nil
	return true
}

func (m *Manager) signal(gen uint64, ev SignalEvent) {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()
	m.mu.Lock()
	current := m.gen == gen && m.cancel != nil
	m.mu.Unlock()
	if !current || m.opts.OnSignal == nil {
		return
	}
	m.opts.OnSignal(ev)
}

func (m *Manager) signalFinal(gen uint64, ev SignalEvent) {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()
	m.mu.Lock()
	current := m.gen == gen
	m.mu.Unlock()
	if !current || m.opts.OnSignal == nil {
		return
	}
	m.opts.OnSignal(ev)
}

func (m *Manager) signalAlways(ev SignalEvent) {
	m.signalMu.Lock()
	defer m.signalMu.Unlock()
	if m.opts.OnSignal != nil {
		m.opts.OnSignal(ev)
	}
}

// retryDelay draws the next delay and keeps it within [InitialDelay,
// MaxDelay]; jitter may otherwise push it past either bound.
func (m *Manager) retryDelay(bo backoff.BackOff) time.Duration {
	delay := bo.NextBackOff()
	if delay == backoff.Stop || delay > m.opts.MaxDelay {
		return m.opts.MaxDelay
	}
	if delay < m.opts.InitialDelay {
		return m.opts.InitialDelay
	}
	return delay
}

func (m *Manager) newBackOff() backoff.BackOff {
	if m.opts.NewBackOff != nil {
		return m.opts.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.InitialDelay
	b.MaxInterval = m.opts.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.Reset()
	return b
}
