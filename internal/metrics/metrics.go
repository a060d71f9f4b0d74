// Package metrics holds the Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow metrics
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_workflows_started_total",
			Help: "Total number of capsule workflows started",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_workflows_completed_total",
			Help: "Total number of capsule workflows reaching a terminal stage",
		},
		[]string{"status"},
	)

	WorkflowDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capsule_workflow_duration_seconds",
			Help:    "Capsule workflow wall-clock duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Task metrics
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_tasks_executed_total",
			Help: "Total number of task executions by type and terminal status",
		},
		[]string{"task_type", "status"},
	)

	TaskTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capsule_task_tokens_used",
			Help:    "Number of tokens used per task",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
		},
	)

	TierEscalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_tier_escalations_total",
			Help: "Total number of tier escalations by origin tier",
		},
		[]string{"from_tier", "to_tier"},
	)

	// Pattern cache metrics
	PatternCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_pattern_cache_hits_total",
			Help: "Total number of pattern cache hits",
		},
	)

	PatternCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_pattern_cache_misses_total",
			Help: "Total number of pattern cache misses",
		},
	)

	PatternCacheRejects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_pattern_cache_rejects_total",
			Help: "Total number of pattern cache writes rejected for low confidence",
		},
	)

	// Cost ledger metrics
	LedgerPendingWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsule_ledger_pending_writes",
			Help: "Number of cost records queued but not yet persisted",
		},
	)

	LedgerWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_ledger_write_failures_total",
			Help: "Total number of cost record persistence failures",
		},
	)

	LedgerRecordedUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_ledger_recorded_usd_total",
			Help: "Cumulative recorded LLM cost in USD",
		},
	)

	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model)",
		},
		[]string{"reason"},
	)

	// Validation metrics
	ValidationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_validation_checks_total",
			Help: "Total number of validation checks by kind and status",
		},
		[]string{"kind", "status"},
	)

	ValidationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capsule_validation_duration_seconds",
			Help:    "Validation check duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Sandbox metrics
	SandboxExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_sandbox_executions_total",
			Help: "Total number of sandbox executions by language and status",
		},
		[]string{"language", "status"},
	)

	SandboxQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsule_sandbox_queue_depth",
			Help: "Number of executions waiting for sandbox admission",
		},
	)

	SandboxRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_sandbox_rejections_total",
			Help: "Total number of executions rejected by admission control",
		},
		[]string{"reason"},
	)

	// Progress bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_events_published_total",
			Help: "Total number of progress events published",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		},
	)

	SubscribersEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_subscribers_evicted_total",
			Help: "Total number of subscribers evicted by backpressure or janitor",
		},
	)

	// Vector index metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capsule_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_embedding_requests_total",
			Help: "Total number of embedding requests by status",
		},
		[]string{"status"},
	)

	// Confidence metrics
	ConfidenceScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capsule_confidence_scores",
			Help:    "Overall confidence scores of assembled capsules",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
		},
	)

	HumanReviews = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_human_reviews_total",
			Help: "Total number of HITL reviews by outcome",
		},
		[]string{"outcome"},
	)

	// Checkpoint metrics
	CheckpointsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_checkpoints_saved_total",
			Help: "Total number of workflow checkpoints persisted",
		},
	)

	CheckpointResumes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_checkpoint_resumes_total",
			Help: "Total number of workflows resumed from a checkpoint",
		},
	)
)

// RecordVectorSearch records one vector search outcome.
func RecordVectorSearch(collection, status string, seconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if seconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(seconds)
	}
}

// RecordEmbedding records one embedding request outcome.
func RecordEmbedding(status string) {
	EmbeddingRequests.WithLabelValues(status).Inc()
}

// RecordValidationCheck records one validation check outcome.
func RecordValidationCheck(kind, status string, seconds float64) {
	ValidationChecks.WithLabelValues(kind, status).Inc()
	if seconds > 0 {
		ValidationDuration.WithLabelValues(kind).Observe(seconds)
	}
}
