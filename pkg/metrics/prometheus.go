// Package metrics provides Prometheus metrics for the Aegis sensing node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the node.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Detection pipeline
	detectionsReceived prometheus.Counter
	detectionsDropped  *prometheus.CounterVec
	logsAppended       prometheus.Counter
	logAppendErrors    prometheus.Counter

	// Sync
	pendingLogs    prometheus.Gauge
	syncPasses     *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	entriesSynced  prometheus.Counter
	syncConflicts  prometheus.Counter
	intelSummaries prometheus.Counter
	linkOnline     prometheus.Gauge

	// Enrichment
	enrichmentCalls   *prometheus.CounterVec
	enrichmentLatency *prometheus.HistogramVec

	// Store
	storeWrites     *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
	storeDocuments  *prometheus.GaugeVec
	feedSubscribers prometheus.Gauge
	relayPublished  *prometheus.CounterVec

	// Operational health
	queueSize   prometheus.Gauge
	workerCount prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Queue
	queueCapacity          prometheus.Gauge
	queueUtilization       prometheus.Gauge
	queueEnqueueRate       prometheus.Counter
	queueDequeueRate       prometheus.Counter
	queueEnqueueErrors     prometheus.Counter
	queueProcessingLatency prometheus.Histogram

	// Worker
	workerActiveCount       prometheus.Gauge
	workerIdleCount         prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrorRate         prometheus.Counter

	// Errors
	errorRateByComponent *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

// Initialize global metrics.
func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "aegis",
		subsystem:        "node",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		customLabels:     make(map[string]string),
		metricPrefix:     "",
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
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.metricPrefix + name,
		Help:        help,
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	m.detectionsReceived = m.counter("detections_received_total", "Raw classifier detections received")
	m.detectionsDropped = m.counterVec("detections_dropped_total", "Detections that did not become log entries", "reason")
	m.logsAppended = m.counter("threat_logs_appended_total", "Threat log entries durably appended")
	m.logAppendErrors = m.counter("threat_log_append_errors_total", "Threat log appends that failed")

	m.pendingLogs = m.gauge("pending_logs", "Threat log entries waiting for upload")
	m.syncPasses = m.counterVec("sync_passes_total", "Sync passes by outcome", "outcome")
	m.syncDuration = m.histogram("sync_pass_duration_milliseconds", "Sync pass wall time in milliseconds", m.histogramBuckets)
	m.entriesSynced = m.counter("entries_synced_total", "Threat log entries marked synced")
	m.syncConflicts = m.counter("sync_conflicts_total", "Per-entry updates that lost a revision race")
	m.intelSummaries = m.counter("intel_summaries_total", "Intelligence summaries written")
	m.linkOnline = m.gauge("link_online", "1 while the uplink is reported reachable")

	m.enrichmentCalls = m.counterVec("enrichment_calls_total", "Remote enrichment calls by stage and result", "stage", "result")
	m.enrichmentLatency = m.histogramVec("enrichment_latency_milliseconds", "Remote enrichment call latency in milliseconds", "stage")

	m.storeWrites = m.counterVec("store_writes_total", "Log store writes by operation and result", "op", "result")
	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Log store operation latency in milliseconds", "op")
	m.storeDocuments = m.gaugeVec("store_documents", "Documents held in the log store", "type")
	m.feedSubscribers = m.gauge("feed_subscribers", "Active change feed subscribers")
	m.relayPublished = m.counterVec("relay_published_total", "Change feed messages relayed to the broker", "result")

	m.queueSize = m.gauge("queue_size", "Current size of the frame queue (backlog indicator)")
	m.workerCount = m.gauge("worker_count", "Current number of workers")

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")

	m.queueCapacity = m.gauge("queue_capacity", "Maximum queue capacity")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue utilization ratio (current size / capacity)")
	m.queueEnqueueRate = m.counter("queue_enqueue_total", "Total number of frames enqueued")
	m.queueDequeueRate = m.counter("queue_dequeue_total", "Total number of frames dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Total number of enqueue errors")
	m.queueProcessingLatency = m.histogram("queue_processing_latency_milliseconds", "Time frames spend queued in milliseconds", m.histogramBuckets)

	m.workerActiveCount = m.gauge("worker_active_count", "Number of busy workers")
	m.workerIdleCount = m.gauge("worker_idle_count", "Number of idle workers")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Per-frame processing latency in milliseconds", m.histogramBuckets)
	m.workerErrorRate = m.counter("worker_errors_total", "Total number of worker errors")

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Total number of errors by component", "component", "error_type")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "Total number of errors by endpoint", "endpoint", "method", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// Detection pipeline.

// RecordDetectionReceived counts one raw detection.
func RecordDetectionReceived() {
	globalManager.detectionsReceived.Inc()
}

// RecordDetectionDropped counts a detection filtered out for reason
// (below_threshold, unmapped, debounced).
func RecordDetectionDropped(reason string) {
	globalManager.detectionsDropped.WithLabelValues(reason).Inc()
}

// RecordLogAppended counts a durable threat log append.
func RecordLogAppended() {
	globalManager.logsAppended.Inc()
}

// RecordLogAppendError counts a failed threat log append.
func RecordLogAppendError() {
	globalManager.logAppendErrors.Inc()
}

// Sync.

// UpdatePendingLogs sets the pending backlog size.
func UpdatePendingLogs(count int) {
	globalManager.pendingLogs.Set(float64(count))
}

// RecordSyncPass counts a pass by outcome (synced, empty, failed, partial).
func RecordSyncPass(outcome string) {
	globalManager.syncPasses.WithLabelValues(outcome).Inc()
}

// RecordSyncDuration records pass wall time in milliseconds.
func RecordSyncDuration(ms float64) {
	globalManager.syncDuration.Observe(ms)
}

// RecordEntriesSynced adds n entries moved to synced.
func RecordEntriesSynced(n int) {
	globalManager.entriesSynced.Add(float64(n))
}

// RecordSyncConflict counts a per-entry revision conflict.
func RecordSyncConflict() {
	globalManager.syncConflicts.Inc()
}

// RecordIntelSummary counts a written summary.
func RecordIntelSummary() {
	globalManager.intelSummaries.Inc()
}

// UpdateLinkOnline records the last reported connectivity.
func UpdateLinkOnline(online bool) {
	v := 0.0
	if online {
		v = 1
	}
	globalManager.linkOnline.Set(v)
}

// Enrichment.

// RecordEnrichmentCall counts a remote call by stage (visual, synthesis, demo)
// and result (ok, error).
func RecordEnrichmentCall(stage, result string) {
	globalManager.enrichmentCalls.WithLabelValues(stage, result).Inc()
}

// RecordEnrichmentLatency records a remote call latency in milliseconds.
func RecordEnrichmentLatency(stage string, ms float64) {
	globalManager.enrichmentLatency.WithLabelValues(stage).Observe(ms)
}

// Store.

// RecordStoreWrite counts a store write by op and result.
func RecordStoreWrite(op, result string) {
	globalManager.storeWrites.WithLabelValues(op, result).Inc()
}

// RecordStoreLatency records a store operation latency in milliseconds.
func RecordStoreLatency(op string, ms float64) {
	globalManager.storeLatency.WithLabelValues(op).Observe(ms)
}

// UpdateStoreDocuments sets the document count for a type.
func UpdateStoreDocuments(docType string, count int) {
	globalManager.storeDocuments.WithLabelValues(docType).Set(float64(count))
}

// AddFeedSubscribers adjusts the live subscriber gauge.
func AddFeedSubscribers(delta int) {
	globalManager.feedSubscribers.Add(float64(delta))
}

// RecordRelayPublish counts a relayed change by result.
func RecordRelayPublish(result string) {
	globalManager.relayPublished.WithLabelValues(result).Inc()
}

// Operational.

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Queue Metrics Functions.

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// UpdateQueueUtilization sets the queue utilization ratio.
func UpdateQueueUtilization(utilization float64) {
	globalManager.queueUtilization.Set(utilization)
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() {
	globalManager.queueEnqueueRate.Inc()
}

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() {
	globalManager.queueDequeueRate.Inc()
}

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() {
	globalManager.queueEnqueueErrors.Inc()
}

// RecordQueueProcessingLatency records queue processing latency.
func RecordQueueProcessingLatency(latencyMs float64) {
	globalManager.queueProcessingLatency.Observe(latencyMs)
}

// Worker Metrics Functions.

// UpdateWorkerActiveCount sets the number of active workers.
func UpdateWorkerActiveCount(count int) {
	globalManager.workerActiveCount.Set(float64(count))
}

// UpdateWorkerIdleCount sets the number of idle workers.
func UpdateWorkerIdleCount(count int) {
	globalManager.workerIdleCount.Set(float64(count))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrorRate.Inc()
}

// Error Metrics Functions.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// System Performance Metrics Functions.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
