package mcp

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for a Server and its task engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsTotal      *prometheus.CounterVec
	activeSessions     atomic.Int64
	activeSessionsFunc prometheus.GaugeFunc

	messagesTotal *prometheus.CounterVec
	eventsTotal   prometheus.Counter

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	taskTransitions   *prometheus.CounterVec
	taskIgnored       *prometheus.CounterVec
	taskRetries       prometheus.Counter
	streamsConnected  atomic.Int64
	streamsActiveFunc prometheus.GaugeFunc
	heartbeatMisses   prometheus.Counter
}

const metricsNamespace = "mcp"

// NewMetrics returns a Metrics registered on its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.sessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_total",
		Help:      "Session lifecycle transitions by event.",
	}, []string{"event"})
	m.activeSessionsFunc = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "sessions_active",
		Help:      "Sessions created and not yet closed.",
	}, func() float64 { return float64(m.activeSessions.Load()) })

	m.messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "messages_total",
		Help:      "JSON-RPC messages recorded by direction and type.",
	}, []string{"direction", "type"})
	m.eventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_appended_total",
		Help:      "Events appended to session streams.",
	})

	m.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "requests_total",
		Help:      "Dispatched requests by namespace and outcome.",
	}, []string{"namespace", "outcome"})
	m.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "request_duration_seconds",
		Help:      "Request handling latency by namespace.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"namespace"})

	m.taskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "task_transitions_total",
		Help:      "Task status transitions by resulting status.",
	}, []string{"status"})
	m.taskIgnored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "task_ignored_transitions_total",
		Help:      "Transitions requested on tasks that could not take them.",
	}, []string{"op"})
	m.taskRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "task_retries_total",
		Help:      "Task attempts retried after a transient failure.",
	})

	m.streamsActiveFunc = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "streams_active",
		Help:      "Open server-sent event streams.",
	}, func() float64 { return float64(m.streamsConnected.Load()) })

	m.heartbeatMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "heartbeat_misses_total",
		Help:      "Pings on open streams that went unanswered.",
	})

	m.registry.MustRegister(
		m.sessionsTotal,
		m.activeSessionsFunc,
		m.messagesTotal,
		m.eventsTotal,
		m.requestsTotal,
		m.requestDuration,
		m.taskTransitions,
		m.taskIgnored,
		m.taskRetries,
		m.streamsActiveFunc,
		m.heartbeatMisses,
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.activeSessions.Add(1)
	m.sessionsTotal.WithLabelValues("created").Inc()
}

func (m *Metrics) sessionInitialized() {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues("initialized").Inc()
}

func (m *Metrics) sessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Add(-1)
	m.sessionsTotal.WithLabelValues("closed").Inc()
}

func (m *Metrics) messageRecorded(dir Direction, typ MessageType) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(string(dir), string(typ)).Inc()
}

func (m *Metrics) eventAppended() {
	if m == nil {
		return
	}
	m.eventsTotal.Inc()
}

func (m *Metrics) dispatched(ns namespace, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.requestsTotal.WithLabelValues(ns.String(), outcome).Inc()
	m.requestDuration.WithLabelValues(ns.String()).Observe(d.Seconds())
}

func (m *Metrics) taskTransition(status TaskStatus) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) taskTransitionIgnored(op string) {
	if m == nil {
		return
	}
	m.taskIgnored.WithLabelValues(op).Inc()
}

func (m *Metrics) taskRetried() {
	if m == nil {
		return
	}
	m.taskRetries.Inc()
}

func (m *Metrics) streamOpened() {
	if m == nil {
		return
	}
	m.streamsConnected.Add(1)
}

func (m *Metrics) streamClosed() {
	if m == nil {
		return
	}
	m.streamsConnected.Add(-1)
}

func (m *Metrics) heartbeatMissed() {
	if m == nil {
		return
	}
	m.heartbeatMisses.Inc()
}
