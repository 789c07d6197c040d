// Package metrics exports task lifecycle counters to Prometheus. It only
// listens to the event bus; nothing in the scheduler depends on it.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cronward/internal/eventbus"
)

const namespace = "cronward"

type Collector struct {
	reg *prometheus.Registry

	runs     *prometheus.CounterVec
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	skipped  *prometheus.CounterVec
	flushes  *prometheus.CounterVec
}

// New registers the collectors on a private registry. running reports the
// number of tasks currently in flight; nil reports 0.
func New(running func() int) *Collector {
	if running == nil {
		running = func() int { return 0 }
	}
	c := &Collector{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_runs_total",
			Help: "Completed logical runs by task and outcome.",
		}, []string{"task", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_attempts_total",
			Help: "Handler invocations, retries included.",
		}, []string{"task"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "task_run_duration_seconds",
			Help:    "Wall time of a logical run, retry waits included.",
			Buckets: []float64{.05, .25, 1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"task"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "task_skipped_total",
			Help: "Triggers skipped because the task was still in flight.",
		}, []string{"task"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "status_flushes_total",
			Help: "Status snapshot writes by result.",
		}, []string{"result"}),
	}
	c.reg.MustRegister(
		c.runs, c.attempts, c.duration, c.skipped, c.flushes,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tasks_running",
			Help: "Tasks currently due or running.",
		}, func() float64 { return float64(running()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Observe folds one event into the counters.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TaskFinished:
		te, ok := e.Data.(eventbus.TaskEvent)
		if !ok {
			return
		}
		c.runs.WithLabelValues(te.TaskID, te.Outcome).Inc()
		c.attempts.WithLabelValues(te.TaskID).Add(float64(max(te.Attempt, 1)))
		c.duration.WithLabelValues(te.TaskID).Observe(te.Duration.Seconds())
	case eventbus.TaskSkipped:
		if te, ok := e.Data.(eventbus.TaskEvent); ok {
			c.skipped.WithLabelValues(te.TaskID).Inc()
		}
	case eventbus.StatusFlushed:
		c.flushes.WithLabelValues("ok").Inc()
	case eventbus.StatusFlushFailed:
		c.flushes.WithLabelValues("error").Inc()
	}
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(e)
		}
	}
}
