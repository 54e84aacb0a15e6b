package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"advancechat-sync/internal/chatclient"
	"advancechat-sync/internal/connection"
	"advancechat-sync/internal/metrics"
	"advancechat-sync/internal/model"
	"advancechat-sync/internal/state"
)

var (
	watchConversation string
	errLoggedOut      = errors.New("the server rejected the session token; log in again")
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect, keep the local state in sync and log what changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx, cli, watchConversation)
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchConversation, "open", "", "conversation id to open once the list is loaded")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(ctx context.Context, a app, conversationID string) error {
	logger := a.logger
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	if a.cfg.MetricsAddr != "" {
		stopMetrics := serveMetrics(a.cfg.MetricsAddr, reg, logger)
		defer stopMetrics()
	}

	provider, err := openSession(a.cfg)
	if err != nil {
		return err
	}
	cc, err := openCache(a.cfg)
	if err != nil {
		return err
	}
	if cc != nil {
		defer cc.Close()
	}

	loggedOut := make(chan struct{})
	var logoutOnce sync.Once
	opts := chatclient.OptionsFromConfig(a.cfg)
	opts.OnSignal = func(ev connection.SignalEvent) {
		fields := []zap.Field{zap.String("signal", string(ev.Signal))}
		if ev.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", ev.Attempt), zap.Duration("delay", ev.Delay))
		}
		if ev.Err != nil {
			fields = append(fields, zap.Error(ev.Err))
		}
		logger.Info("connection_signal", fields...)
	}
	opts.OnLogout = func() { logoutOnce.Do(func() { close(loggedOut) }) }

	c, err := chatclient.Start(ctx, chatclient.Deps{
		Session:  provider,
		Cache:    cc,
		Notifier: bellNotifier{logger: logger},
		Logger:   logger,
		Metrics:  m,
	}, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	var r reporter
	unsubscribe := c.Store().Subscribe(func(s state.State) { r.observe(logger, s) })
	defer unsubscribe()

	if conversationID != "" {
		go openWhenListed(ctx, c, conversationID, logger)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-loggedOut:
		return errLoggedOut
	}
}

// openWhenListed waits for the conversation list to contain id before
// opening it; the first fetch may still be in flight.
func openWhenListed(ctx context.Context, c *chatclient.Client, id string, logger *zap.Logger) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(30 * time.Second)
	for {
		if _, ok := c.Store().Snapshot().Conversation(id); ok {
			if err := c.OpenConversation(ctx, id); err != nil {
				logger.Warn("open_conversation_failed", zap.String("conversation_id", id), zap.Error(err))
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			logger.Warn("conversation_not_found", zap.String("conversation_id", id))
			return
		case <-ticker.C:
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics_server_failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("metrics_listening", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

type bellNotifier struct {
	logger *zap.Logger
}

func (bellNotifier) PlaySound() { fmt.Fprint(os.Stderr, "\a") }

func (n bellNotifier) Notify(note model.Notification) {
	n.logger.Info("notification", zap.String("type", note.Type), zap.String("message", note.Message))
}

type summary struct {
	conversations int
	unread        int
	active        string
	messages      int
	pending       int
	typing        int
	call          model.CallState
}

// reporter logs a state summary whenever it differs from the last one.
type reporter struct {
	mu   sync.Mutex
	last summary
}

func summarize(s state.State) summary {
	sum := summary{
		conversations: len(s.Conversations),
		unread:        s.TotalUnread(),
		active:        s.ActiveConversationID,
		messages:      len(s.Messages),
		call:          s.Call.State,
	}
	for _, m := range s.Messages {
		if m.Status.Pending() {
			sum.pending++
		}
	}
	if sum.active != "" {
		sum.typing = len(s.TypingUsers(sum.active, time.Now()))
	}
	return sum
}

func (r *reporter) observe(logger *zap.Logger, s state.State) {
	sum := summarize(s)
	r.mu.Lock()
	changed := sum != r.last
	r.last = sum
	r.mu.Unlock()
	if !changed {
		return
	}
	logger.Info("state_changed",
		zap.Int("conversations", sum.conversations),
		zap.Int("unread", sum.unread),
		zap.String("active_conversation", sum.active),
		zap.Int("messages", sum.messages),
		zap.Int("pending", sum.pending),
		zap.Int("typing", sum.typing),
		zap.String("call", string(sum.call)))
}
