package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "chatsync"

type Metrics struct {
	Connected         prometheus.Gauge
	ConnectAttempts   prometheus.Counter
	ConnectFailures   *prometheus.CounterVec
	EventsReceived    *prometheus.CounterVec
	MalformedEvents   *prometheus.CounterVec
	DuplicateMessages prometheus.Counter
	PendingReplaced   *prometheus.CounterVec
	SendFailures      prometheus.Counter
	ReconcileRuns     *prometheus.CounterVec
	CacheErrors       prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socket_connected",
			Help:      "1 while the realtime socket is connected.",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_connect_attempts_total",
			Help:      "Socket dial attempts, including reconnects.",
		}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_connect_failures_total",
			Help:      "Failed socket dials by reason.",
		}, []string{"reason"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound push events by name.",
		}, []string{"event"}),
		MalformedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_malformed_total",
			Help:      "Inbound push events dropped because their payload could not be decoded.",
		}, []string{"event"}),
		DuplicateMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Pushed messages that were already present.",
		}),
		PendingReplaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_pending_replaced_total",
			Help:      "Optimistic messages replaced by their server copy, by source.",
		}, []string{"source"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_send_failures_total",
			Help:      "Message sends that failed.",
		}),
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "REST reconciliation runs by scope and result.",
		}, []string{"scope", "result"}),
		CacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Offline cache read or write failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connected,
			m.ConnectAttempts,
			m.ConnectFailures,
			m.EventsReceived,
			m.MalformedEvents,
			m.DuplicateMessages,
			m.PendingReplaced,
			m.SendFailures,
			m.ReconcileRuns,
			m.CacheErrors,
		)
	}
	return m
}
