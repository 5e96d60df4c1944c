// Package metrics 使用 Prometheus 客户端暴露 HTTP、步骤、任务与异步作业的指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lewis121025/MAX-AI/internal/taskgraph"
)

const namespace = "maxai"

// Collector 持有所有指标，使用独立的 Registry 以便测试隔离。
type Collector struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	steps        *prometheus.CounterVec
	stepAttempts *prometheus.HistogramVec
	stepLatency  *prometheus.HistogramVec

	tasks          *prometheus.CounterVec
	taskIterations prometheus.Histogram
	taskLatency    prometheus.Histogram

	jobs *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Terminal steps by capability and status.",
		}, []string{"capability", "status"}),
		stepAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_attempts",
			Help:      "Invocation attempts per step.",
			Buckets:   []float64{1, 2, 3, 5},
		}, []string{"capability"}),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time spent on a step including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished tasks by terminal status.",
		}, []string{"status"}),
		taskIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_iterations",
			Help:      "Planning iterations used per task.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "End-to-end task duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Asynchronous job outcomes.",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.httpRequests, c.httpErrors, c.httpLatency,
		c.steps, c.stepAttempts, c.stepLatency,
		c.tasks, c.taskIterations, c.taskLatency,
		c.jobs,
	)
	return c
}

// Registry 返回底层注册表。
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// StepCompleted 实现 executor.Recorder。
func (c *Collector) StepCompleted(capability string, status taskgraph.Status, attempts int, elapsed time.Duration) {
	c.steps.WithLabelValues(capability, string(status)).Inc()
	if status == taskgraph.StatusSkipped {
		return
	}
	c.stepAttempts.WithLabelValues(capability).Observe(float64(attempts))
	c.stepLatency.WithLabelValues(capability).Observe(elapsed.Seconds())
}

// TaskFinished 记录任务的终态。
func (c *Collector) TaskFinished(status taskgraph.TaskStatus, iterations int, elapsed time.Duration) {
	c.tasks.WithLabelValues(string(status)).Inc()
	if iterations > 0 {
		c.taskIterations.Observe(float64(iterations))
	}
	c.taskLatency.Observe(elapsed.Seconds())
}

// JobFinished 记录异步作业的处理结果。
func (c *Collector) JobFinished(outcome string) {
	c.jobs.WithLabelValues(outcome).Inc()
}

// Handler 以 Prometheus 文本格式暴露指标。
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer 启动只暴露 /metrics 的独立 HTTP 服务。
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
