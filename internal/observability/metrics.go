package observability

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "research_assistant"

// Metrics exposes Prometheus collectors that report orchestrator activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions        *prometheus.CounterVec
	transitionDuration *prometheus.HistogramVec
	routedItems        *prometheus.CounterVec
	threadsRunning     prometheus.Gauge
	flightTimeouts     prometheus.Counter
	recoveredCells     *prometheus.CounterVec
	persistFailures    prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the metrics registered with the global Prometheus registry.
// The collectors are created only once so repeated construction does not panic.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs Metrics using reg. Collectors already registered
// under the same name are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		transitions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Cell transitions by produced kind and outcome.",
		}, []string{"kind", "outcome"})),
		transitionDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "transition_duration_seconds",
			Help:      "Time spent producing a cell.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"kind"})),
		routedItems: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "router",
			Name:      "items_total",
			Help:      "Routed entities by category and outcome.",
		}, []string{"category", "outcome"})),
		threadsRunning: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "threads",
			Name:      "running",
			Help:      "Execution threads currently running.",
		})),
		flightTimeouts: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "flight_timeouts_total",
			Help:      "Transitions abandoned after exceeding the flight timeout.",
		})),
		recoveredCells: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "recovered_cells_total",
			Help:      "Stuck cells force-completed when a session was loaded.",
		}, []string{"kind"})),
		persistFailures: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "persist_failures_total",
			Help:      "Session snapshots that failed to persist.",
		})),
	}
}

// register registers c, reusing an identical collector that is already registered
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// ObserveTransition records one produced cell
func (m *Metrics) ObserveTransition(kind string, ok bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, outcomeLabel(ok)).Inc()
	m.transitionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ItemRouted records one routed entity
func (m *Metrics) ItemRouted(category string, ok bool) {
	if m == nil {
		return
	}
	m.routedItems.WithLabelValues(category, outcomeLabel(ok)).Inc()
}

// ThreadStarted increments the running thread gauge
func (m *Metrics) ThreadStarted() {
	if m == nil {
		return
	}
	m.threadsRunning.Inc()
}

// ThreadFinished decrements the running thread gauge
func (m *Metrics) ThreadFinished() {
	if m == nil {
		return
	}
	m.threadsRunning.Dec()
}

// FlightTimedOut counts an abandoned transition
func (m *Metrics) FlightTimedOut() {
	if m == nil {
		return
	}
	m.flightTimeouts.Inc()
}

// CellRecovered counts a stuck cell completed on load
func (m *Metrics) CellRecovered(kind string) {
	if m == nil {
		return
	}
	m.recoveredCells.WithLabelValues(kind).Inc()
}

// PersistFailed counts a failed snapshot write
func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}
