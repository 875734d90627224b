package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "easymkt"

// Metrics holds the collectors for one session. All methods are safe on a
// nil *Metrics, so components can run without instrumentation.
type Metrics struct {
	SessionState         prometheus.Gauge
	Transitions          *prometheus.CounterVec
	EventsProcessed      *prometheus.CounterVec
	MessagesProcessed    *prometheus.CounterVec
	EventsDiscarded      prometheus.Counter
	UpdatesDispatched    prometheus.Counter
	UnknownCorrelation   prometheus.Counter
	RouterEntries        prometheus.Gauge
	SubscribeRequests    prometheus.Counter
	SubscribeErrors      prometheus.Counter
	SubscriptionStatus   *prometheus.CounterVec
	DeliveryQueueDepth   prometheus.Gauge
	SlowConsumerWarnings prometheus.Counter
	RecorderInserts      prometheus.Counter
	RecorderErrors       prometheus.Counter
	RecorderFlush        prometheus.Histogram
}

// New creates and registers all collectors with reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		SessionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session lifecycle state (0=disconnected .. 6=failed)",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Transport events processed by kind",
		}, []string{"kind"}),
		MessagesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Transport messages processed by type",
		}, []string{"type"}),
		EventsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_discarded_total",
			Help:      "Events received after the session reached a terminal state",
		}),
		UpdatesDispatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_dispatched_total",
			Help:      "Subscription data messages routed to a security",
		}),
		UnknownCorrelation: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_correlation_total",
			Help:      "Subscription data messages with no registered correlation token",
		}),
		RouterEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_entries",
			Help:      "Correlation tokens currently bound in the router",
		}),
		SubscribeRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_requests_total",
			Help:      "Subscribe requests sent to the transport",
		}),
		SubscribeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_errors_total",
			Help:      "Subscribe requests that failed on the transport",
		}),
		SubscriptionStatus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_status_total",
			Help:      "Subscription status messages by type",
		}, []string{"status"}),
		DeliveryQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_depth",
			Help:      "Events waiting in the transport delivery queue",
		}),
		SlowConsumerWarnings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumer_warnings_total",
			Help:      "Slow consumer warnings raised by the transport",
		}),
		RecorderInserts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_inserts_total",
			Help:      "Updates written to the database",
		}),
		RecorderErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_errors_total",
			Help:      "Failed recorder batch writes",
		}),
		RecorderFlush: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recorder_flush_duration_seconds",
			Help:      "Duration of recorder batch writes",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// SetState records the current lifecycle state.
func (m *Metrics) SetState(state int, name string) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(state))
	m.Transitions.WithLabelValues(name).Inc()
}

// ObserveEvent counts one event and its messages.
func (m *Metrics) ObserveEvent(kind string, msgTypes ...string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(kind).Inc()
	for _, t := range msgTypes {
		m.MessagesProcessed.WithLabelValues(t).Inc()
	}
}

// IncDiscarded counts an event dropped after a terminal state.
func (m *Metrics) IncDiscarded() {
	if m == nil {
		return
	}
	m.EventsDiscarded.Inc()
}

// IncDispatched counts a routed update.
func (m *Metrics) IncDispatched() {
	if m == nil {
		return
	}
	m.UpdatesDispatched.Inc()
}

// IncUnknownCorrelation counts an update with no registered handler.
func (m *Metrics) IncUnknownCorrelation() {
	if m == nil {
		return
	}
	m.UnknownCorrelation.Inc()
}

// SetRouterEntries records the router table size.
func (m *Metrics) SetRouterEntries(n int) {
	if m == nil {
		return
	}
	m.RouterEntries.Set(float64(n))
}

// ObserveSubscribe counts a subscribe request and whether it failed.
func (m *Metrics) ObserveSubscribe(err error) {
	if m == nil {
		return
	}
	m.SubscribeRequests.Inc()
	if err != nil {
		m.SubscribeErrors.Inc()
	}
}

// IncSubscriptionStatus counts a subscription status message.
func (m *Metrics) IncSubscriptionStatus(status string) {
	if m == nil {
		return
	}
	m.SubscriptionStatus.WithLabelValues(status).Inc()
}

// SetDeliveryQueueDepth records the transport queue length.
func (m *Metrics) SetDeliveryQueueDepth(n int) {
	if m == nil {
		return
	}
	m.DeliveryQueueDepth.Set(float64(n))
}

// IncSlowConsumer counts a slow consumer warning.
func (m *Metrics) IncSlowConsumer() {
	if m == nil {
		return
	}
	m.SlowConsumerWarnings.Inc()
}

// ObserveFlush records a recorder batch write.
// Call with time.Now() taken before the write.
func (m *Metrics) ObserveFlush(start time.Time, inserted int, err error) {
	if m == nil {
		return
	}
	m.RecorderFlush.Observe(time.Since(start).Seconds())
	if err != nil {
		m.RecorderErrors.Inc()
		return
	}
	m.RecorderInserts.Add(float64(inserted))
}
