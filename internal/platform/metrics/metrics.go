// Package metrics exposes data source statistics and lifecycle events to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"datacore/internal/events"
	"datacore/internal/platform/scheduler"
	"datacore/internal/registry"
)

const namespace = "datacore"

const (
	MetricPoolConnections    = "pool_connections"
	MetricPoolWaiters        = "pool_waiters"
	MetricPoolCreated        = "pool_connections_created_total"
	MetricPoolDiscarded      = "pool_connections_discarded_total"
	MetricPoolTimeouts       = "pool_acquire_timeouts_total"
	MetricPoolCreateFailures = "pool_create_failures_total"
	MetricPoolLeaks          = "pool_leaks_suspected_total"
	MetricExecutorBusy       = "executor_busy_workers"
	MetricExecutorQueued     = "executor_queued_requests"
	MetricExecutorRequests   = "executor_requests_total"
	MetricDataSourceReady    = "datasource_ready"
	MetricSchemaState        = "schema_state"
	MetricEvents             = "events_total"
	MetricJobDuration        = "job_duration_seconds"
)

// StatsSource is satisfied by *registry.Registry.
type StatsSource interface {
	Stats() []registry.Stats
}

func desc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, append([]string{"datasource"}, labels...), nil)
}

var (
	descConnections    = desc(MetricPoolConnections, "Physical connections by state.", "state")
	descWaiters        = desc(MetricPoolWaiters, "Callers waiting for a lease.")
	descCreated        = desc(MetricPoolCreated, "Connections opened.")
	descDiscarded      = desc(MetricPoolDiscarded, "Connections discarded as invalid or expired.")
	descTimeouts       = desc(MetricPoolTimeouts, "Acquisitions that ran out of time.")
	descCreateFailures = desc(MetricPoolCreateFailures, "Failed connection opens.")
	descLeaks          = desc(MetricPoolLeaks, "Leases held past the leak threshold.")
	descBusy           = desc(MetricExecutorBusy, "Workers executing a request.")
	descQueued         = desc(MetricExecutorQueued, "Requests waiting for a worker.")
	descRequests       = desc(MetricExecutorRequests, "Requests by outcome.", "outcome")
	descReady          = desc(MetricDataSourceReady, "1 when the data source accepts submissions.")
	descSchemaState    = desc(MetricSchemaState, "1 for the current migration state.", "state")
)

var schemaStates = []string{"UNINITIALIZED", "MIGRATING", "READY", "FAILED"}

// Collector reads registry statistics on every scrape.
type Collector struct {
	src StatsSource
}

// NewCollector returns a collector over src.
func NewCollector(src StatsSource) *Collector {
	return &Collector{src: src}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descConnections, descWaiters, descCreated, descDiscarded, descTimeouts,
		descCreateFailures, descLeaks, descBusy, descQueued, descRequests,
		descReady, descSchemaState,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.Stats() {
		n := s.Name
		gauge := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{n}, labels...)...)
		}
		counter := func(d *prometheus.Desc, v uint64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{n}, labels...)...)
		}

		ready := 0.0
		if s.Active {
			ready = 1
		}
		gauge(descReady, ready)
		for _, st := range schemaStates {
			v := 0.0
			if s.State.String() == st {
				v = 1
			}
			gauge(descSchemaState, v, st)
		}

		gauge(descConnections, float64(s.Pool.Idle), "idle")
		gauge(descConnections, float64(s.Pool.Leased), "leased")
		gauge(descWaiters, float64(s.Pool.Waiters))
		counter(descCreated, s.Pool.Created)
		counter(descDiscarded, s.Pool.Discarded)
		counter(descTimeouts, s.Pool.Timeouts)
		counter(descCreateFailures, s.Pool.CreateFailures)
		counter(descLeaks, s.Pool.Leaks)

		gauge(descBusy, float64(s.Executor.Busy))
		gauge(descQueued, float64(s.Executor.Queued))
		counter(descRequests, s.Executor.Completed, "completed")
		counter(descRequests, s.Executor.Failed, "failed")
		counter(descRequests, s.Executor.Cancelled, "cancelled")
		counter(descRequests, s.Executor.Rejected, "rejected")
	}
}

// Events counts lifecycle events and background job runs.
type Events struct {
	events *prometheus.CounterVec
	jobs   *prometheus.HistogramVec
}

// NewEvents creates the event and job metrics and registers them on reg.
func NewEvents(reg prometheus.Registerer) (*Events, error) {
	m := &Events{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      MetricEvents,
			Help:      "Lifecycle events by data source and kind.",
		}, []string{"datasource", "kind"}),
		jobs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      MetricJobDuration,
			Help:      "Duration of background maintenance jobs.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"job", "outcome"}),
	}
	for _, c := range []prometheus.Collector{m.events, m.jobs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Sink returns an events.Sink that counts every event.
func (m *Events) Sink() events.Sink {
	return events.SinkFunc(func(_ context.Context, e events.Event) {
		m.events.WithLabelValues(e.DataSource, string(e.Kind)).Inc()
	})
}

// Hooks returns scheduler hooks that observe job durations.
func (m *Events) Hooks() scheduler.Hooks {
	return scheduler.Hooks{
		OnJobFinish: func(name string, d time.Duration, err error) {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			m.jobs.WithLabelValues(name, outcome).Observe(d.Seconds())
		},
	}
}
