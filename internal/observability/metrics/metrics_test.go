package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
)

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.StepCompleted("calculator", taskgraph.StatusSucceeded, 1, 10*time.Millisecond)
	c.StepCompleted("calculator", taskgraph.StatusSucceeded, 2, 20*time.Millisecond)
	c.StepCompleted("web_fetch", taskgraph.StatusSkipped, 0, 0)
	c.TaskFinished(taskgraph.TaskDegraded, 3, time.Second)
	c.ObserveHTTPRequest("/api/chat", "POST", 500, time.Millisecond)
	c.JobFinished("succeeded")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.steps.WithLabelValues("calculator", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.steps.WithLabelValues("web_fetch", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpErrors.WithLabelValues("/api/chat", "POST")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("succeeded")))
}

func TestHandlerExposesText(t *testing.T) {
	c := New()
	c.TaskFinished(taskgraph.TaskCompleted, 1, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `maxai_tasks_total{status="completed"} 1`)
}
