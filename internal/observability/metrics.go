package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabatch_http_requests_total", Help: "HTTP requests by route and status"},
		[]string{"route", "status"},
	)
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabatch_webhook_requests_total", Help: "Webhook deliveries"},
		[]string{"result"},
	)
	MessagesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabatch_messages_ingested_total", Help: "Inbound message ingest outcomes"},
		[]string{"result", "type"},
	)
	BatchesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wabatch_batches_created_total", Help: "Batches opened"},
	)
	BatchClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabatch_batch_claims_total", Help: "Batch claim outcomes"},
		[]string{"result"},
	)
	BatchesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabatch_batches_dispatched_total", Help: "Handler dispatch outcomes"},
		[]string{"result"},
	)
	HandlerLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wabatch_handler_latency_seconds", Help: "User handler latency"},
	)
	EnrichmentTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabatch_enrichment_tasks_total", Help: "Enrichment task outcomes"},
		[]string{"kind", "result"},
	)
	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabatch_tasks_total", Help: "Queue task outcomes"},
		[]string{"kind", "result"},
	)
	GraphCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabatch_graph_calls_total", Help: "Graph API call outcomes"},
		[]string{"op", "result"},
	)
	GraphLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wabatch_graph_call_latency_seconds", Help: "Graph API call latency"},
	)
	StaleBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wabatch_stale_batches_total", Help: "Stale batch reaper outcomes"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequests, WebhookRequests, MessagesIngested, BatchesCreated, BatchClaims,
		BatchesDispatched, HandlerLatency, EnrichmentTasks, TasksProcessed,
		GraphCalls, GraphLatency, StaleBatches,
	)
}
