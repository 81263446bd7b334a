package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "watchdash"

// Metrics holds every collector exported by the client.
type Metrics struct {
	registry *prometheus.Registry

	dispatches    *prometheus.CounterVec
	sharedJoins   *prometheus.CounterVec
	cancellations *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	inFlight      prometheus.Gauge

	connState   prometheus.Gauge
	transitions *prometheus.CounterVec
	reconnects  prometheus.Counter

	frames           *prometheus.CounterVec
	parseErrors      prometheus.Counter
	subscriberPanics *prometheus.CounterVec
	queueDepth       prometheus.Gauge

	storeSize    *prometheus.GaugeVec
	staleBatches *prometheus.CounterVec

	rowsWritten  prometheus.Counter
	writeErrors  prometheus.Counter
	pollFailures *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "dispatches_total",
			Help: "Requests dispatched through the coordinator, by lock policy.",
		}, []string{"policy"}),
		sharedJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "shared_joins_total",
			Help: "Dispatches that joined an in-flight call, by lock policy.",
		}, []string{"policy"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "cancellations_total",
			Help: "In-flight calls cancelled, by lock policy.",
		}, []string{"policy"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "settled_total",
			Help: "Settled calls by lock policy and outcome.",
		}, []string{"policy", "outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "coordinator", Name: "in_flight",
			Help: "Calls currently executing.",
		}),
		connState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connection", Name: "state",
			Help: "Current connection state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=closed).",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "transitions_total",
			Help: "Connection state transitions, by target state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connection", Name: "reconnect_attempts_total",
			Help: "Scheduled reconnect attempts.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "frames_total",
			Help: "Frames routed, by message kind.",
		}, []string{"kind"}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "parse_errors_total",
			Help: "Frames dropped because they could not be parsed.",
		}),
		subscriberPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "subscriber_panics_total",
			Help: "Subscriber panics recovered, by message kind.",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "router", Name: "queue_depth",
			Help: "Frames waiting to be routed.",
		}),
		storeSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "entities",
			Help: "Entities held per store.",
		}, []string{"store"}),
		staleBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "stale_batches_total",
			Help: "Batches discarded because they were older than the last applied one.",
		}, []string{"store"}),
		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "rows_total",
			Help: "Stats history rows written to the database.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "errors_total",
			Help: "Failed stats history flushes.",
		}),
		pollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "failures_total",
			Help: "Failed refresh fetches, by resource.",
		}, []string{"resource"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatches, m.sharedJoins, m.cancellations, m.outcomes, m.inFlight,
		m.connState, m.transitions, m.reconnects,
		m.frames, m.parseErrors, m.subscriberPanics, m.queueDepth,
		m.storeSize, m.staleBatches,
		m.rowsWritten, m.writeErrors, m.pollFailures,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Dispatched(policy string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(policy).Inc()
	m.inFlight.Inc()
}

func (m *Metrics) Joined(policy string) {
	if m == nil {
		return
	}
	m.sharedJoins.WithLabelValues(policy).Inc()
}

func (m *Metrics) Canceled(policy string) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(policy).Inc()
}

func (m *Metrics) Settled(policy, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(policy, outcome).Inc()
	m.inFlight.Dec()
}

// ConnectionState records a transition to the state with the given
// ordinal and name.
func (m *Metrics) ConnectionState(ordinal int, name string) {
	if m == nil {
		return
	}
	m.connState.Set(float64(ordinal))
	m.transitions.WithLabelValues(name).Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) FrameRouted(kind string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(kind).Inc()
}

func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) SubscriberPanic(kind string) {
	if m == nil {
		return
	}
	m.subscriberPanics.WithLabelValues(kind).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) StoreSize(store string, n int) {
	if m == nil {
		return
	}
	m.storeSize.WithLabelValues(store).Set(float64(n))
}

func (m *Metrics) StaleBatch(store string) {
	if m == nil {
		return
	}
	m.staleBatches.WithLabelValues(store).Inc()
}

func (m *Metrics) RowsWritten(n int) {
	if m == nil {
		return
	}
	m.rowsWritten.Add(float64(n))
}

func (m *Metrics) WriteError() {
	if m == nil {
		return
	}
	m.writeErrors.Inc()
}

func (m *Metrics) PollFailed(resource string) {
	if m == nil {
		return
	}
	m.pollFailures.WithLabelValues(resource).Inc()
}
