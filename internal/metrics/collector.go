// Package metrics exposes dispatcher and HTTP metrics for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns a private registry so several collectors can coexist in
// one process. All record methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	tasksSubmitted    *prometheus.CounterVec
	taskTransitions   *prometheus.CounterVec
	taskRetries       prometheus.Counter
	taskTimeouts      prometheus.Counter
	queueDepth        *prometheus.GaugeVec
	agentLoad         *prometheus.GaugeVec
	executionDuration *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.tasksSubmitted = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of accepted task submissions",
		},
		[]string{"task_type"},
	)

	c.taskTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"status"},
	)

	c.taskRetries = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_retries_total",
		Help:      "Total number of tasks re-enqueued after a failed attempt",
	})

	c.taskTimeouts = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_timeouts_total",
		Help:      "Total number of attempts failed by the timeout ceiling",
	})

	c.queueDepth = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of queued tasks by status",
		},
		[]string{"status"}, // pending, ready
	)

	c.agentLoad = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_load",
			Help:      "Number of tasks currently held by an agent",
		},
		[]string{"agent_id"},
	)

	c.executionDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_execution_duration_seconds",
			Help:      "Duration of task attempts from assignment to report",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"task_type", "outcome"},
	)

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.logger.Debug("metrics collector initialised", zap.String("namespace", namespace))
	return c
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// TaskSubmitted counts an accepted submission.
func (c *Collector) TaskSubmitted(taskType string) {
	if c == nil {
		return
	}
	c.tasksSubmitted.WithLabelValues(taskType).Inc()
}

// TaskTransition counts a task entering status.
func (c *Collector) TaskTransition(status string) {
	if c == nil {
		return
	}
	c.taskTransitions.WithLabelValues(status).Inc()
}

// TaskRetried counts a re-enqueue after failure.
func (c *Collector) TaskRetried() {
	if c == nil {
		return
	}
	c.taskRetries.Inc()
}

// TaskTimedOut counts an attempt failed by the timeout ceiling.
func (c *Collector) TaskTimedOut() {
	if c == nil {
		return
	}
	c.taskTimeouts.Inc()
}

// QueueDepth sets the pending and ready gauges.
func (c *Collector) QueueDepth(pending, ready int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues("pending").Set(float64(pending))
	c.queueDepth.WithLabelValues("ready").Set(float64(ready))
}

// AgentLoad sets the number of tasks held by an agent.
func (c *Collector) AgentLoad(agentID string, tasks int) {
	if c == nil {
		return
	}
	c.agentLoad.WithLabelValues(agentID).Set(float64(tasks))
}

// AgentRemoved drops the load series of an unregistered agent.
func (c *Collector) AgentRemoved(agentID string) {
	if c == nil {
		return
	}
	c.agentLoad.DeleteLabelValues(agentID)
}

// ExecutionFinished observes the duration of one attempt.
func (c *Collector) ExecutionFinished(taskType, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.executionDuration.WithLabelValues(taskType, outcome).Observe(d.Seconds())
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return strconv.Itoa(code)
	}
}
