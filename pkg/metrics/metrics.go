// Package metrics defines the prometheus instruments exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every instrument the process records. A nil *Metrics is a
// valid no-op collector, so components can run without metrics wired.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth      *prometheus.GaugeVec
	tasksProcessed  *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	activeWorkers   *prometheus.GaugeVec
	jobTransitions  *prometheus.CounterVec
	llmTokens       *prometheus.CounterVec
	llmCalls        *prometheus.CounterVec
	llmCost         prometheus.Counter
	orphansRequeued prometheus.Counter
	sseSubscribers  prometheus.Gauge
}

// New creates the instruments on a fresh registry that also carries the
// standard Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentbus_queue_depth",
			Help: "Ready task references per queue.",
		}, []string{"queue"}),
		tasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbus_tasks_processed_total",
			Help: "Finished tasks by queue and outcome.",
		}, []string{"queue", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentbus_task_duration_seconds",
			Help:    "Task execution time from claim to finish.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"agent_kind"}),
		activeWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentbus_active_workers",
			Help: "Workers currently executing a task, per queue.",
		}, []string{"queue"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbus_job_transitions_total",
			Help: "Job stage transitions by target stage.",
		}, []string{"stage"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbus_llm_tokens_total",
			Help: "LLM tokens consumed, by direction.",
		}, []string{"direction"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbus_llm_calls_total",
			Help: "LLM calls by status.",
		}, []string{"status"}),
		llmCost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbus_llm_cost_usd_total",
			Help: "Accumulated LLM cost in USD.",
		}),
		orphansRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbus_orphans_requeued_total",
			Help: "Orphaned tasks returned to the queue by the sweeper.",
		}),
		sseSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentbus_sse_subscribers",
			Help: "Connected SSE event stream subscribers.",
		}),
	}

	registry.MustRegister(
		m.queueDepth, m.tasksProcessed, m.taskDuration, m.activeWorkers,
		m.jobTransitions, m.llmTokens, m.llmCalls, m.llmCost,
		m.orphansRequeued, m.sseSubscribers,
	)
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetQueueDepth records the ready depth of one queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// TaskProcessed counts a finished task.
func (m *Metrics) TaskProcessed(queue, outcome string) {
	if m == nil {
		return
	}
	m.tasksProcessed.WithLabelValues(queue, outcome).Inc()
}

// ObserveTaskDuration records one task's execution time.
func (m *Metrics) ObserveTaskDuration(agentKind string, seconds float64) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(agentKind).Observe(seconds)
}

// WorkerActive tracks workers entering and leaving execution.
func (m *Metrics) WorkerActive(queue string, delta float64) {
	if m == nil {
		return
	}
	m.activeWorkers.WithLabelValues(queue).Add(delta)
}

// JobTransition counts a stage transition.
func (m *Metrics) JobTransition(stage string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(stage).Inc()
}

// LLMCall records one completed LLM call.
func (m *Metrics) LLMCall(status string, inputTokens, outputTokens int64, costUSD float64) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(status).Inc()
	m.llmTokens.WithLabelValues("input").Add(float64(inputTokens))
	m.llmTokens.WithLabelValues("output").Add(float64(outputTokens))
	if costUSD > 0 {
		m.llmCost.Add(costUSD)
	}
}

// OrphansRequeued counts tasks recovered by the orphan sweeper.
func (m *Metrics) OrphansRequeued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.orphansRequeued.Add(float64(n))
}

// SSESubscribers tracks the subscriber gauge.
func (m *Metrics) SSESubscribers(delta float64) {
	if m == nil {
		return
	}
	m.sseSubscribers.Add(delta)
}
