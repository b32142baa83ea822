// Package metrics exposes Prometheus instrumentation for message delivery.
//
// A nil *Metrics is valid and records nothing, so components take one
// optionally:
//
//	reg := prometheus.NewRegistry()
//	m, err := metrics.New(reg)
//	http.Handle("/metrics", metrics.Handler(reg))
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peerpost"

// Metrics holds every collector. Create it with New.
type Metrics struct {
	enqueued        prometheus.Counter
	attempts        prometheus.Counter
	deferrals       prometheus.Counter
	results         *prometheus.CounterVec
	ackLatency      prometheus.Histogram
	received        prometheus.Counter
	duplicates      prometheus.Counter
	decryptFailures prometheus.Counter
	malformedFrames prometheus.Counter
	transitions     *prometheus.CounterVec
	queued          *prometheus.GaugeVec
	cleaned         prometheus.Counter
}

// New creates the collectors and registers them on reg. Registering twice on
// the same registry fails.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_enqueued_total",
			Help:      "Number of outbound messages accepted for delivery",
		}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Number of frames handed to a connected peer",
		}),
		deferrals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_deferrals_total",
			Help:      "Number of dispatches postponed because the peer was not connected",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_results_total",
			Help:      "Number of messages reaching a terminal status",
		}, []string{"status"}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from send to acknowledgment",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Number of inbound messages decrypted and delivered",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Number of inbound messages already seen",
		}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryption_failures_total",
			Help:      "Number of inbound envelopes that failed to decrypt",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Number of inbound frames dropped as malformed",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_state_transitions_total",
			Help:      "Number of connection state transitions by new state",
		}, []string{"state"}),
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_messages",
			Help:      "Messages held by the queue store by status",
		}, []string{"status"}),
		cleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_cleaned_total",
			Help:      "Number of terminal queue records removed by cleanup",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.enqueued, m.attempts, m.deferrals, m.results, m.ackLatency,
		m.received, m.duplicates, m.decryptFailures, m.malformedFrames,
		m.transitions, m.queued, m.cleaned,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Enqueued() {
	if m != nil {
		m.enqueued.Inc()
	}
}

func (m *Metrics) Attempt() {
	if m != nil {
		m.attempts.Inc()
	}
}

func (m *Metrics) Deferred() {
	if m != nil {
		m.deferrals.Inc()
	}
}

// Result counts a terminal outcome, labelled by status name.
func (m *Metrics) Result(status string) {
	if m != nil {
		m.results.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) AckLatency(d time.Duration) {
	if m != nil {
		m.ackLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) Received() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *Metrics) Duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) DecryptFailed() {
	if m != nil {
		m.decryptFailures.Inc()
	}
}

func (m *Metrics) MalformedFrame() {
	if m != nil {
		m.malformedFrames.Inc()
	}
}

// Transition counts a connection state change into state.
func (m *Metrics) Transition(state string) {
	if m != nil {
		m.transitions.WithLabelValues(state).Inc()
	}
}

// QueueSize sets the gauge for one status.
func (m *Metrics) QueueSize(status string, n int) {
	if m != nil {
		m.queued.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) Cleaned(n int) {
	if m != nil {
		m.cleaned.Add(float64(n))
	}
}
