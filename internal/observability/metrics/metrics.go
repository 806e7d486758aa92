// Package metrics turns event bus traffic into Prometheus series on a
// private registry.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskwarden/internal/eventbus"
	logx "taskwarden/pkg/logx"
)

const namespace = "taskwarden"

// Collector owns the registry and the series fed from the bus.
type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	executions *prometheus.CounterVec
	duration   prometheus.Histogram
	firings    *prometheus.CounterVec
	misfires   *prometheus.CounterVec
	leases     *prometheus.CounterVec
	quarantine *prometheus.CounterVec
	retries    prometheus.Counter
	inFlight   prometheus.Gauge
	alerts     *prometheus.CounterVec
	busDropped prometheus.CounterFunc
	eventsSeen prometheus.Counter
}

// New registers every series. dropped, if non-nil, reports events lost by
// the bus.
func New(log logx.Logger, dropped func() uint64) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	c := &Collector{
		reg: reg,
		log: log.With(logx.String("comp", "metrics")),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished execution attempts by terminal status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Handler run time of finished attempts.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}),
		firings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firings_total",
			Help:      "Firings handed to the executor by kind (scheduled, replay, forced).",
		}, []string{"kind"}),
		misfires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misfires_total",
			Help:      "Misfired schedules by the policy that handled them.",
		}, []string{"policy"}),
		leases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_acquire_total",
			Help:      "Lease outcomes (acquired, contended, unavailable, lost).",
		}, []string{"result"}),
		quarantine: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quarantine_transitions_total",
			Help:      "Jobs entering or leaving quarantine.",
		}, []string{"direction"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Attempts that failed and were scheduled for retry.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executions_in_flight",
			Help:      "Attempts currently running on this node.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_alerts_total",
			Help:      "Log entries forwarded to the alert sink by level.",
		}, []string{"level"}),
		eventsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Events consumed by the metrics collector.",
		}),
	}
	reg.MustRegister(
		c.executions, c.duration, c.firings, c.misfires, c.leases,
		c.quarantine, c.retries, c.inFlight, c.alerts, c.eventsSeen,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if dropped != nil {
		c.busDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_dropped_total",
			Help:      "Events lost to full subscriber buffers.",
		}, func() float64 { return float64(dropped()) })
		reg.MustRegister(c.busDropped)
	}
	return c
}

// Registry exposes the private registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes bus events until ctx is done or the bus closes the
// subscription.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	if bus == nil {
		return
	}
	events, unsub := bus.Subscribe(1024)
	defer unsub()
	c.log.Debug("metrics collector started")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// Observe updates the series for one event. Unknown topics are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	c.eventsSeen.Inc()
	switch e.Type {
	case eventbus.TopicExecutionStarted:
		c.inFlight.Inc()
	case eventbus.TopicExecutionFinished:
		ev, _ := e.Data.(eventbus.ExecutionEvent)
		c.inFlight.Dec()
		c.executions.WithLabelValues(ev.Status).Inc()
		c.duration.Observe(ev.Duration.Seconds())
	case eventbus.TopicConfigError:
		ev, _ := e.Data.(eventbus.ExecutionEvent)
		c.inFlight.Dec()
		c.executions.WithLabelValues(ev.Status).Inc()
	case eventbus.TopicExecutionSkipped:
		c.executions.WithLabelValues("skipped").Inc()
	case eventbus.TopicRetryScheduled:
		c.retries.Inc()
	case eventbus.TopicFiring:
		ev, _ := e.Data.(eventbus.FiringEvent)
		c.firings.WithLabelValues(ev.Kind).Inc()
	case eventbus.TopicMisfire:
		ev, _ := e.Data.(eventbus.FiringEvent)
		c.misfires.WithLabelValues(ev.Policy).Inc()
	case eventbus.TopicLeaseAcquire:
		ev, _ := e.Data.(eventbus.LeaseEvent)
		c.leases.WithLabelValues(ev.Result).Inc()
	case eventbus.TopicJobQuarantined:
		c.quarantine.WithLabelValues("entered").Inc()
	case eventbus.TopicJobUnquarantined:
		c.quarantine.WithLabelValues("left").Inc()
	case eventbus.TopicLogAlert:
		ev, _ := e.Data.(eventbus.AlertEvent)
		c.alerts.WithLabelValues(ev.Level).Inc()
	}
}
