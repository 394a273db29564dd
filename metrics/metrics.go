// Package metrics exposes Prometheus instrumentation for a streamclient
// Client: connection events and reconnect counts, publish counts, errors and
// latency, gap-fill attempts and failures, and decryption, group-key-missing
// and signature-failure counts. Collectors register against an explicit
// prometheus.Registerer rather than the global default registry; a library
// embedded in a caller's process must not silently mutate global state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector a Client reports against.
type Metrics struct {
	ReconnectsTotal prometheus.Counter
	ConnectEvents   *prometheus.CounterVec

	PublishesTotal prometheus.Counter
	PublishErrors  *prometheus.CounterVec

	GapFillAttempts prometheus.Counter
	GapFillFailures prometheus.Counter

	DecryptionErrors       prometheus.Counter
	GroupKeyMissingEvents  prometheus.Counter
	SignatureFailures      prometheus.Counter

	PublishLatency prometheus.Histogram
}

// New constructs a Metrics and registers every collector against reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer to publish alongside a host application's own
// metrics.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamclient_reconnects_total",
			Help: "Total number of reconnect attempts after an unexpected disconnect.",
		}),
		ConnectEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamclient_connection_events_total",
			Help: "Connection lifecycle events by kind (connecting, connected, reconnecting, disconnecting, disconnected).",
		}, []string{"kind"}),

		PublishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamclient_publishes_total",
			Help: "Total number of successful Publish calls.",
		}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamclient_publish_errors_total",
			Help: "Total number of failed Publish calls by error kind.",
		}, []string{"kind"}),
		GapFillAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamclient_gap_fill_attempts_total",
			Help: "Total number of ResendRangeRequests issued to fill a detected gap.",
		}),
		GapFillFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamclient_gap_fill_failures_total",
			Help: "Total number of chains that exhausted their gap-fill budget.",
		}),

		DecryptionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamclient_decryption_errors_total",
			Help: "Total number of messages dropped due to decryption failure.",
		}),
		GroupKeyMissingEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamclient_group_key_missing_total",
			Help: "Total number of times a message was parked awaiting a group key.",
		}),
		SignatureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamclient_signature_failures_total",
			Help: "Total number of messages dropped due to invalid signature.",
		}),

		PublishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamclient_publish_latency_seconds",
			Help:    "Time from Publish call to wire send completing.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
	}

	reg.MustRegister(
		m.ReconnectsTotal, m.ConnectEvents,
		m.PublishesTotal, m.PublishErrors,
		m.GapFillAttempts, m.GapFillFailures,
		m.DecryptionErrors, m.GroupKeyMissingEvents, m.SignatureFailures,
		m.PublishLatency,
	)
	return m
}

// ObservePublishLatency records the duration between a Publish call starting
// and its wire send completing.
func (m *Metrics) ObservePublishLatency(start time.Time) {
	m.PublishLatency.Observe(time.Since(start).Seconds())
}
