package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	LedgerOperations   *prometheus.CounterVec
	GatewayRetries     *prometheus.CounterVec
	PaymentTransitions *prometheus.CounterVec
	OperatorNotices    *prometheus.CounterVec
	WAOutgoingMessages *prometheus.CounterVec
	PresenceOnline     prometheus.Gauge
	PresencePeak       prometheus.Gauge
	PresenceStates     *prometheus.CounterVec
	WebsocketSessions  prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
	HTTPLatency        *prometheus.HistogramVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = newMetrics(namespace)
		prometheus.MustRegister(metricsInstance.collectors()...)
	})
	return metricsInstance
}

// NewUnregistered builds a fresh set of collectors that is not attached to the default
// registry. Tests use it so each case starts from zero.
func NewUnregistered() *Metrics {
	return newMetrics("test")
}

func newMetrics(namespace string) *Metrics {
	return &Metrics{
		LedgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by operation and result.",
		}, []string{"op", "result"}),
		GatewayRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_retries_total",
			Help:      "Retried storage calls after transient failures.",
		}, []string{"op"}),
		PaymentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Manual payment status transitions by kind and status.",
		}, []string{"kind", "status"}),
		OperatorNotices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_notifications_total",
			Help:      "Operator notifications by channel and outcome.",
		}, []string{"channel", "status"}),
		WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wa_outgoing_messages_total",
			Help:      "Total outgoing WhatsApp messages sent.",
		}, []string{"type"}),
		PresenceOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_online_sessions",
			Help:      "Last observed number of distinct online sessions.",
		}),
		PresencePeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_peak_sessions",
			Help:      "All-time peak of distinct online sessions.",
		}),
		PresenceStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_state_transitions_total",
			Help:      "Presence tracker state transitions by target state.",
		}, []string{"state"}),
		WebsocketSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_sessions",
			Help:      "Open presence websocket connections on this instance.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution for HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors grouped by component.",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LedgerOperations,
		m.GatewayRetries,
		m.PaymentTransitions,
		m.OperatorNotices,
		m.WAOutgoingMessages,
		m.PresenceOnline,
		m.PresencePeak,
		m.PresenceStates,
		m.WebsocketSessions,
		m.HTTPRequests,
		m.HTTPLatency,
		m.Errors,
	}
}
