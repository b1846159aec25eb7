package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Validation metrics
var (
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_intake_validations_total",
			Help: "Total number of candidate validations",
		},
		[]string{"result"}, // "pass", "reject"
	)

	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_intake_rejections_total",
			Help: "Total number of validation rejections by reason",
		},
		[]string{"reason"},
	)

	ValidationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_intake_validation_duration_seconds",
			Help:    "Validation step duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"step"}, // "inspect", "decode", "normalize"
	)

	MimeMismatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_intake_mime_mismatches_total",
			Help: "Total number of container/content MIME detector disagreements",
		},
	)
)

// Scan metrics
var (
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_intake_scans_total",
			Help: "Total number of detection engine invocations",
		},
		[]string{"engine", "result"}, // "clean", "infected", "error"
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_intake_scan_duration_seconds",
			Help:    "Detection engine scan duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine"},
	)

	BreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_intake_scan_breaker_open",
			Help: "Whether the scan circuit breaker is open (1 = open, 0 = closed)",
		},
	)

	BreakerFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_intake_scan_breaker_failures_total",
			Help: "Total number of engine failures recorded by the circuit breaker",
		},
	)

	ScansSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_intake_scans_skipped_total",
			Help: "Total number of scans failed fast due to an open circuit breaker",
		},
	)
)

// Pipeline metrics
var (
	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_intake_pipeline_duration_seconds",
			Help:    "Normalization pipeline stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage"}, // "normalize", "optimize"
	)

	FallbackDecodesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_intake_fallback_decodes_total",
			Help: "Total number of decodes that fell back to the secondary backend",
		},
	)

	OptimizationBytesSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_intake_optimization_bytes_saved_total",
			Help: "Total bytes saved by post-attachment optimization",
		},
		[]string{"collection"},
	)

	ArtifactsAttached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_intake_artifacts_attached_total",
			Help: "Total number of artifacts attached to owning records",
		},
		[]string{"collection"},
	)

	ArtifactsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_intake_artifacts_deduplicated_total",
			Help: "Total number of uploads that matched an existing content-addressed artifact",
		},
	)
)

// Job runtime metrics
var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_intake_jobs_total",
			Help: "Total number of jobs by terminal status",
		},
		[]string{"queue", "status"}, // "completed", "failed"
	)

	JobReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_intake_job_releases_total",
			Help: "Total number of job re-deliveries via release",
		},
		[]string{"queue"},
	)

	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_intake_jobs_in_flight",
			Help: "Number of jobs currently being processed",
		},
	)

	JobsDuplicateEnqueues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_intake_job_duplicate_enqueues_total",
			Help: "Total number of enqueues collapsed by the uniqueness window",
		},
		[]string{"queue"},
	)

	WaitBudgetExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_intake_wait_budget_exceeded_total",
			Help: "Total number of post-processing jobs abandoned after the wait budget elapsed",
		},
	)
)

// Storage metrics
var (
	StorageRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_intake_storage_retry_attempts_total",
			Help: "Total number of retried storage operations",
		},
		[]string{"operation"},
	)

	StorageRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_intake_storage_retry_failures_total",
			Help: "Total number of storage operations that failed after all retries",
		},
		[]string{"operation"},
	)

	QuarantineActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_intake_quarantine_active",
			Help: "Number of artifacts currently held in quarantine",
		},
	)
)
