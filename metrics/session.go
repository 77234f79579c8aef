// Package metrics defines the prometheus collectors of a tracking session
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session states reported through the state gauge
var sessionStates = []string{
	"idle", "connecting", "connected", "reconnecting", "disconnected", "errored",
}

// SessionMetrics prometheus collectors of one tracking session
//
// All methods are safe to call on a nil *SessionMetrics, which records nothing.
type SessionMetrics struct {
	connectAttempts  prometheus.Counter
	messagesAccepted prometheus.Counter
	messagesRejected *prometheus.CounterVec
	switches         *prometheus.CounterVec
	sweepFlips       prometheus.Counter
	markers          prometheus.Gauge
	onlineMarkers    prometheus.Gauge
	state            *prometheus.GaugeVec
	forwarded        *prometheus.CounterVec
	forwardLatency   *prometheus.HistogramVec
}

// NewSessionMetrics define the session collectors, and register them with a registerer
func NewSessionMetrics(reg prometheus.Registerer, instance string) *SessionMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"session": instance}
	return &SessionMetrics{
		connectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name:        "livemarkers_connect_attempts_total",
			Help:        "Broker connect attempts started",
			ConstLabels: labels,
		}),
		messagesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "livemarkers_messages_accepted_total",
			Help:        "Location reports normalized into markers",
			ConstLabels: labels,
		}),
		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "livemarkers_messages_rejected_total",
			Help:        "Location reports dropped by the normalizer",
			ConstLabels: labels,
		}, []string{"reason"}),
		switches: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "livemarkers_subscription_changes_total",
			Help:        "Subscription changes by operation and result",
			ConstLabels: labels,
		}, []string{"operation", "result"}),
		sweepFlips: factory.NewCounter(prometheus.CounterOpts{
			Name:        "livemarkers_sweep_flips_total",
			Help:        "Online flag changes made by the offline sweep",
			ConstLabels: labels,
		}),
		markers: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "livemarkers_markers",
			Help:        "Devices with a known marker",
			ConstLabels: labels,
		}),
		onlineMarkers: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "livemarkers_markers_online",
			Help:        "Devices currently online",
			ConstLabels: labels,
		}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "livemarkers_session_state",
			Help:        "1 for the current session state, 0 otherwise",
			ConstLabels: labels,
		}, []string{"state"}),
		forwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "livemarkers_forwarded_batches_total",
			Help:        "Marker change batches handed to a sink, by result",
			ConstLabels: labels,
		}, []string{"sink", "result"}),
		forwardLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "livemarkers_forward_latency_seconds",
			Help:        "Time spent forwarding one batch to a sink",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"sink"}),
	}
}

// ConnectAttempt count a connect attempt
func (m *SessionMetrics) ConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

// MessageAccepted count a normalized report
func (m *SessionMetrics) MessageAccepted() {
	if m == nil {
		return
	}
	m.messagesAccepted.Inc()
}

// MessageRejected count a dropped report
func (m *SessionMetrics) MessageRejected(reason string) {
	if m == nil {
		return
	}
	m.messagesRejected.WithLabelValues(reason).Inc()
}

// SubscriptionChange count a subscribe / unsubscribe / switch result
func (m *SessionMetrics) SubscriptionChange(operation string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.switches.WithLabelValues(operation, result).Inc()
}

// SweepFlips count online flag changes from one sweep
func (m *SessionMetrics) SweepFlips(count int) {
	if m == nil {
		return
	}
	m.sweepFlips.Add(float64(count))
}

// MarkerCounts record the current marker table size
func (m *SessionMetrics) MarkerCounts(total, online int) {
	if m == nil {
		return
	}
	m.markers.Set(float64(total))
	m.onlineMarkers.Set(float64(online))
}

// SessionState record the current session state
func (m *SessionMetrics) SessionState(current string) {
	if m == nil {
		return
	}
	for _, oneState := range sessionStates {
		value := 0.0
		if oneState == current {
			value = 1.0
		}
		m.state.WithLabelValues(oneState).Set(value)
	}
}

// ForwardResult record the outcome of forwarding one batch to a sink
func (m *SessionMetrics) ForwardResult(sink string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.forwarded.WithLabelValues(sink, result).Inc()
	m.forwardLatency.WithLabelValues(sink).Observe(time.Since(start).Seconds())
}
