package reactor

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/talostrading/reactor/reactorerrors"
)

type Metrics struct {
	emitted    *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	checkedIn  *prometheus.CounterVec
	parked     prometheus.Counter
	dropped    prometheus.Counter
	panics     prometheus.Counter
	locks      prometheus.Counter
	critical   prometheus.Counter
	readyDepth prometheus.Gauge
	latency    prometheus.Histogram

	collectors []prometheus.Collector
}

// newMetrics registers the reactor collectors on registry. Two reactors
// sharing a registry need distinct namespaces.
func newMetrics(namespace string, registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Ready events emitted by selectors.",
		}, []string{"kind"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Ready events handed to handlers.",
		}, []string{"kind"}),
		checkedIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_checked_in_total",
			Help:      "Ready events returned to their selector because the handle was disabled.",
		}, []string{"kind"}),
		parked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_parked_total",
			Help:      "Ready events deferred because their handler was running or locked.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Ready events of handles deregistered before dispatch.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Handler invocations which panicked.",
		}),
		locks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locks_acquired_total",
			Help:      "Lock groups which reached the locked state.",
		}),
		critical: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_errors_total",
			Help:      "Unrecoverable selector failures.",
		}),
		readyDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ready_queue_depth",
			Help:      "Ready events waiting for dispatch.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in one handler dispatch, including batched events.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}

	m.collectors = []prometheus.Collector{
		m.emitted,
		m.dispatched,
		m.checkedIn,
		m.parked,
		m.dropped,
		m.panics,
		m.locks,
		m.critical,
		m.readyDepth,
		m.latency,
	}
	for i, c := range m.collectors {
		if err := registry.Register(c); err != nil {
			for _, prev := range m.collectors[:i] {
				registry.Unregister(prev)
			}
			return nil, reactorerrors.ErrInvalidArgument.WithErr(
				errors.Wrapf(err, "registering metrics under namespace %q", namespace))
		}
	}

	return m, nil
}

func (m *Metrics) unregister(registry *prometheus.Registry) {
	for _, c := range m.collectors {
		registry.Unregister(c)
	}
}
