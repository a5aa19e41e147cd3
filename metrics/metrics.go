// Package metrics exposes scheduler and run-worker measurements as
// Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petal-labs/grimoire/agent"
	"github.com/petal-labs/grimoire/eventstate"
	"github.com/petal-labs/grimoire/runtime"
)

const namespace = "grimoire"

// Collector records scheduler ticks, settled events and agent jobs.
type Collector struct {
	ticks         *prometheus.CounterVec
	tickSteps     *prometheus.HistogramVec
	tickDuration  *prometheus.HistogramVec
	settled       *prometheus.CounterVec
	eventDuration *prometheus.HistogramVec
	rejected      *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
}

var (
	_ runtime.Observer  = (*Collector)(nil)
	_ agent.JobObserver = (*Collector)(nil)
)

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Execution passes run by schedulers.",
		}, []string{"spell_id", "deferred"}),
		tickSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_steps",
			Help:      "Node steps executed per pass.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}, []string{"spell_id"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of execution passes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"spell_id"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "events_settled_total",
			Help:      "Events settled, by final status.",
		}, []string{"spell_id", "status"}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "event_duration_seconds",
			Help:      "Time from installing an event to settling it.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"spell_id", "status"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "events_rejected_total",
			Help:      "Events rejected because the event queue was full.",
		}, []string{"spell_id"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "jobs_total",
			Help:      "Run jobs handled by agents, by result.",
		}, []string{"agent_id", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "job_duration_seconds",
			Help:      "Time to run a job, including spell loading.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent_id"}),
	}

	for _, col := range []prometheus.Collector{
		c.ticks, c.tickSteps, c.tickDuration, c.settled,
		c.eventDuration, c.rejected, c.jobs, c.jobDuration,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) TickCompleted(spellID string, steps int, deferred bool, elapsed time.Duration) {
	c.ticks.WithLabelValues(spellID, strconv.FormatBool(deferred)).Inc()
	c.tickSteps.WithLabelValues(spellID).Observe(float64(steps))
	c.tickDuration.WithLabelValues(spellID).Observe(elapsed.Seconds())
}

func (c *Collector) EventSettled(spellID string, status eventstate.Status, elapsed time.Duration) {
	c.settled.WithLabelValues(spellID, string(status)).Inc()
	c.eventDuration.WithLabelValues(spellID, string(status)).Observe(elapsed.Seconds())
}

func (c *Collector) EventRejected(spellID string) {
	c.rejected.WithLabelValues(spellID).Inc()
}

func (c *Collector) JobCompleted(agentID, _ string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.jobs.WithLabelValues(agentID, result).Inc()
	c.jobDuration.WithLabelValues(agentID).Observe(elapsed.Seconds())
}

func (c *Collector) JobIgnored(agentID string) {
	c.jobs.WithLabelValues(agentID, "ignored").Inc()
}
