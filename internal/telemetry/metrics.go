package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsTotal         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sampling_runs_total", Help: "Batch sampling runs by final status"}, []string{"status"})
	RunDuration       = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "sampling_run_duration_seconds", Help: "Wall time of batch sampling runs", Buckets: prometheus.ExponentialBuckets(0.5, 2, 12)})
	RunRejected       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sampling_runs_rejected_total", Help: "Batch triggers rejected because a run held the lease"})
	ActivitiesTotal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sampling_activities_total", Help: "Activities processed by outcome"}, []string{"outcome"})
	TasksCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sampling_tasks_created_total", Help: "Call tasks created by sampling passes"})
	TasksUnassigned   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sampling_tasks_unassigned_total", Help: "Tasks left unassigned for lack of a capable agent"})
	TasksReallocated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sampling_tasks_reallocated_total", Help: "Pending tasks bound to an agent by the allocation pass"})
	Transitions       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "call_task_transitions_total", Help: "Task status transitions by target status"}, []string{"status"})
	CallbacksCreated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "call_task_callbacks_total", Help: "Callback tasks spawned from not_reachable outcomes"})
	TriggersEnqueued  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sampling_triggers_enqueued_total", Help: "On-demand triggers enqueued by kind"}, []string{"kind"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sampling_trigger_rate_limit_rejects_total", Help: "Trigger requests rejected by rate limiter"})
	TriggerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sampling_trigger_queue_depth", Help: "Ready and scheduled triggers waiting for the worker"})
	TriggersHandled   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sampling_triggers_handled_total", Help: "Triggers handled by the worker by kind and result"}, []string{"kind", "result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsTotal,
			RunDuration,
			RunRejected,
			ActivitiesTotal,
			TasksCreated,
			TasksUnassigned,
			TasksReallocated,
			Transitions,
			CallbacksCreated,
			TriggersEnqueued,
			RateLimitRejects,
			TriggerQueueDepth,
			TriggersHandled,
		)
	})
	return promhttp.Handler()
}
