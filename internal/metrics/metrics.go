package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter the engine exposes. A single instance is
// created at startup with an explicit registerer and handed to each
// component constructor.
type Metrics struct {
	Registry *prometheus.Registry

	Connections   *prometheus.GaugeVec
	Events        *prometheus.CounterVec
	WebhookReqs   *prometheus.CounterVec
	WebhookTime   prometheus.Histogram
	QueueJobs     *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	Assignments   prometheus.Counter
	Reassignments prometheus.Counter
	WorkerRestart *prometheus.CounterVec
	KVOps         *prometheus.CounterVec
	KVErrors      prometheus.Counter
	KVLatency     prometheus.Histogram
	SubmitTotal   *prometheus.CounterVec
	RPCTimeouts   prometheus.Counter
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWith(reg)
}

// NewWith creates the metric set on the given registry.
func NewWith(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emailengine_connections",
			Help: "Current IMAP connection count by state",
		}, []string{"state"}),
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emailengine_events_total",
			Help: "Total change events emitted by IMAP workers",
		}, []string{"event"}),
		WebhookReqs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emailengine_webhook_requests_total",
			Help: "Total webhook delivery attempts by status class",
		}, []string{"status"}),
		WebhookTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "emailengine_webhook_duration_seconds",
			Help:    "Webhook request latency",
			Buckets: prometheus.DefBuckets,
		}),
		QueueJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emailengine_queue_jobs_total",
			Help: "Queue job transitions by queue and outcome",
		}, []string{"queue", "outcome"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "emailengine_queue_depth",
			Help: "Visible pending jobs per queue",
		}, []string{"queue"}),
		Assignments: factory.NewCounter(prometheus.CounterOpts{
			Name: "emailengine_assignments_total",
			Help: "Total account-to-worker assignments",
		}),
		Reassignments: factory.NewCounter(prometheus.CounterOpts{
			Name: "emailengine_reassignments_total",
			Help: "Assignments caused by a worker exit",
		}),
		WorkerRestart: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emailengine_worker_restarts_total",
			Help: "Worker process restarts by kind",
		}, []string{"kind"}),
		KVOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emailengine_kv_operations_total",
			Help: "Key-value store operations by command",
		}, []string{"op"}),
		KVErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "emailengine_kv_errors_total",
			Help: "Key-value store operation errors",
		}),
		KVLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "emailengine_kv_duration_seconds",
			Help:    "Key-value store operation latency",
			Buckets: prometheus.DefBuckets,
		}),
		SubmitTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "emailengine_submissions_total",
			Help: "Message submissions by outcome",
		}, []string{"outcome"}),
		RPCTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "emailengine_rpc_timeouts_total",
			Help: "Cross-worker RPC calls that exceeded their deadline",
		}),
	}
}
