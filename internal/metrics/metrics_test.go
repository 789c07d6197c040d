package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronward/internal/eventbus"
)

func TestObserveCountsRuns(t *testing.T) {
	t.Parallel()

	c := New(func() int { return 2 })
	c.Observe(eventbus.Event{Type: eventbus.TaskFinished, Data: eventbus.TaskEvent{TaskID: "gateway-check", Outcome: "failure", Attempt: 3, Duration: 3 * time.Second}})
	c.Observe(eventbus.Event{Type: eventbus.TaskFinished, Data: eventbus.TaskEvent{TaskID: "gateway-check", Outcome: "success", Attempt: 1}})
	c.Observe(eventbus.Event{Type: eventbus.TaskSkipped, Data: eventbus.TaskEvent{TaskID: "gateway-check", Reason: "running"}})
	c.Observe(eventbus.Event{Type: eventbus.StatusFlushed, Data: eventbus.FlushEvent{Tasks: 1}})
	c.Observe(eventbus.Event{Type: eventbus.StatusFlushFailed, Data: eventbus.FlushEvent{Error: "disk full"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("gateway-check", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("gateway-check", "success")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.attempts.WithLabelValues("gateway-check")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.skipped.WithLabelValues("gateway-check")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.flushes.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.flushes.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	c := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, bus)
		close(done)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.StatusFlushed})
		return testutil.ToFloat64(c.flushes.WithLabelValues("ok")) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	c := New(func() int { return 1 })
	c.Observe(eventbus.Event{Type: eventbus.TaskFinished, Data: eventbus.TaskEvent{TaskID: "heartbeat", Outcome: "success", Attempt: 1}})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cronward_task_runs_total{outcome="success",task="heartbeat"} 1`)
	assert.Contains(t, string(body), "cronward_tasks_running 1")
}
