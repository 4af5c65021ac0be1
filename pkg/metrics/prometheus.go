// Package metrics provides Prometheus metrics for the passport registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every registry metric.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Ingestion
	submissions     *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	stampsAccepted  prometheus.Counter
	stampsDropped   *prometheus.CounterVec
	stampTakeovers  prometheus.Counter
	externalLatency *prometheus.HistogramVec

	// Read path
	scoreRequests *prometheus.CounterVec
	scoreCache    *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	rateLimited         prometheus.Counter

	// Rescoring queue and workers
	queueSize               prometheus.Gauge
	queueCapacity           prometheus.Gauge
	queueEnqueued           prometheus.Counter
	queueDequeued           prometheus.Counter
	queueEnqueueErrors      prometheus.Counter
	workerCount             prometheus.Gauge
	workerActiveCount       prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter
	rescoredCommunities     *prometheus.CounterVec
	rescoredPassports       prometheus.Counter

	errorsByComponent *prometheus.CounterVec

	// Process
	memoryUsage    prometheus.Gauge
	goroutineCount prometheus.Gauge
	gcPauseTime    prometheus.Gauge
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager registered on the configured registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "passport",
		subsystem:        "registry",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.submissions = m.counterVec("submissions_total", "Passport submissions by outcome", "outcome")
	m.stepDuration = m.histogramVec("pipeline_step_duration_milliseconds", "Ingestion step duration in milliseconds", "step")
	m.stampsAccepted = m.counter("stamps_accepted_total", "Stamps stored after validation")
	m.stampsDropped = m.counterVec("stamps_dropped_total", "Stamps not stored, by reason", "reason")
	m.stampTakeovers = m.counter("stamp_takeovers_total", "Stamp hashes moved from a previous owner")
	m.externalLatency = m.histogramVec("external_call_duration_milliseconds", "Outbound call latency", "target", "outcome")

	m.scoreRequests = m.counterVec("score_requests_total", "Score reads by outcome", "outcome")
	m.scoreCache = m.counterVec("score_cache_total", "Score cache lookups by result", "result")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")
	m.rateLimited = m.counter("ratelimited_total", "Requests rejected by the per-key rate limit")

	m.queueSize = m.gauge("rescore_queue_size", "Current rescore queue backlog")
	m.queueCapacity = m.gauge("rescore_queue_capacity", "Maximum rescore queue capacity")
	m.queueEnqueued = m.counter("rescore_queue_enqueue_total", "Rescore jobs enqueued")
	m.queueDequeued = m.counter("rescore_queue_dequeue_total", "Rescore jobs dequeued")
	m.queueEnqueueErrors = m.counter("rescore_queue_enqueue_errors_total", "Rescore jobs rejected by a full or closed queue")
	m.workerCount = m.gauge("rescore_worker_count", "Configured rescore workers")
	m.workerActiveCount = m.gauge("rescore_worker_active_count", "Rescore workers currently processing a job")
	m.workerProcessingLatency = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name:    "rescore_job_duration_milliseconds",
		Help:    "Time to rescore one community",
		Buckets: m.histogramBuckets,
	})
	m.workerErrors = m.counter("rescore_worker_errors_total", "Rescore jobs that failed")
	m.rescoredCommunities = m.counterVec("rescored_communities_total", "Communities rescored by status", "status")
	m.rescoredPassports = m.counter("rescored_passports_total", "Passport scores recomputed by rescoring")

	m.errorsByComponent = m.counterVec("errors_by_component_total", "Errors by component", "component", "error_type")

	m.memoryUsage = m.gauge("system_memory_bytes", "Heap bytes allocated")
	m.goroutineCount = m.gauge("system_goroutines", "Number of goroutines")
	m.gcPauseTime = m.gauge("system_gc_pause_milliseconds", "Average GC pause in milliseconds")
}

// RecordSubmission counts a finished submission. outcome is "success" or
// the public error kind.
func RecordSubmission(outcome string) {
	globalManager.submissions.WithLabelValues(outcome).Inc()
}

// RecordStepDuration observes one ingestion step.
func RecordStepDuration(step string, ms float64) {
	globalManager.stepDuration.WithLabelValues(step).Observe(ms)
}

// RecordStampsAccepted adds n stored stamps.
func RecordStampsAccepted(n int) {
	globalManager.stampsAccepted.Add(float64(n))
}

// RecordStampDropped counts a stamp that was not stored.
func RecordStampDropped(reason string) {
	globalManager.stampsDropped.WithLabelValues(reason).Inc()
}

// RecordStampTakeovers adds n hashes moved between passports.
func RecordStampTakeovers(n int) {
	globalManager.stampTakeovers.Add(float64(n))
}

// RecordExternalCall observes an outbound call to target.
func RecordExternalCall(target, outcome string, ms float64) {
	globalManager.externalLatency.WithLabelValues(target, outcome).Observe(ms)
}

// RecordScoreRequest counts a score read.
func RecordScoreRequest(outcome string) {
	globalManager.scoreRequests.WithLabelValues(outcome).Inc()
}

// RecordScoreCache counts a cache lookup: hit, miss or error.
func RecordScoreCache(result string) {
	globalManager.scoreCache.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordRateLimited counts a throttled request.
func RecordRateLimited() {
	globalManager.rateLimited.Inc()
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueued.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeued.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// UpdateWorkerActiveCount sets the number of busy workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records how long one job took.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordCommunityRescored counts a rescored community by status.
func RecordCommunityRescored(status string) {
	globalManager.rescoredCommunities.WithLabelValues(status).Inc()
}

// RecordPassportsRescored adds n recomputed passport scores.
func RecordPassportsRescored(n int) {
	globalManager.rescoredPassports.Add(float64(n))
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the allocated heap size.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.memoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(n int) {
	globalManager.goroutineCount.Set(float64(n))
}

// RecordSystemGCPauseTime sets the average GC pause.
func RecordSystemGCPauseTime(ms float64) {
	globalManager.gcPauseTime.Set(ms)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
