// Package metrics provides Prometheus metrics for the bridge authority and
// the event consumer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "bridge"

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Outbound metrics
	BridgeOutTotal  *prometheus.CounterVec
	BridgeOutAmount *prometheus.CounterVec
	Compensations   *prometheus.CounterVec
	SignLatency     prometheus.Histogram

	// Inbound metrics
	EventsTotal   *prometheus.CounterVec
	InboundAmount *prometheus.CounterVec
	EventRetries  prometheus.Counter
	InboxDepth    prometheus.Gauge
}

// New registers the metrics on reg. Use a fresh prometheus.NewRegistry() per
// test to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		BridgeOutTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "out_requests_total",
			Help:      "Bridge-out requests by outcome",
		}, []string{"outcome"}),
		BridgeOutAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "out_amount_total",
			Help:      "Amount attested for the chain by asset",
		}, []string{"asset"}),
		Compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "out_compensations_total",
			Help:      "Debits credited back after a signing fault, by result",
		}, []string{"result"}),
		SignLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "out_sign_latency_seconds",
			Help:      "Encode and sign latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),

		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "in_events_total",
			Help:      "Inbound chain events by outcome",
		}, []string{"outcome"}),
		InboundAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "in_amount_total",
			Help:      "Amount credited to pools by asset",
		}, []string{"asset"}),
		EventRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "in_event_retries_total",
			Help:      "Event processing attempts retried after a storage fault",
		}),
		InboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "in_inbox_depth",
			Help:      "Events waiting in the consumer inbox",
		}),
	}
}

// RecordBridgeOut records a bridge-out request outcome. amount is added to
// the asset total only for issued proofs.
func (m *Metrics) RecordBridgeOut(outcome, asset string, amount int64) {
	if m == nil {
		return
	}
	m.BridgeOutTotal.WithLabelValues(outcome).Inc()
	if outcome == "issued" && amount > 0 {
		m.BridgeOutAmount.WithLabelValues(asset).Add(float64(amount))
	}
}

// RecordCompensation records a compensating credit attempt.
func (m *Metrics) RecordCompensation(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Compensations.WithLabelValues(result).Inc()
}

// ObserveSign records encode+sign latency.
func (m *Metrics) ObserveSign(d time.Duration) {
	if m == nil {
		return
	}
	m.SignLatency.Observe(d.Seconds())
}

// RecordEvent records an inbound event outcome. amount is added to the asset
// total only for credited events.
func (m *Metrics) RecordEvent(outcome, asset string, amount int64) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(outcome).Inc()
	if outcome == "credited" && amount > 0 {
		m.InboundAmount.WithLabelValues(asset).Add(float64(amount))
	}
}

// RecordRetry counts one retried event attempt.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.EventRetries.Inc()
}

// UpdateInboxDepth sets the inbox gauge.
func (m *Metrics) UpdateInboxDepth(n int) {
	if m == nil {
		return
	}
	m.InboxDepth.Set(float64(n))
}

// Handler exposes the metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
