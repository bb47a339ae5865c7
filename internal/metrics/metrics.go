package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager is a singleton holding all Prometheus metrics for the
// datasync binaries.
type Manager struct {
	// FHIR client metrics
	fhirRequestsTotal   *prometheus.CounterVec
	fhirRequestDuration *prometheus.HistogramVec
	fhirPagesFetched    *prometheus.CounterVec
	tokenRefreshTotal   *prometheus.CounterVec

	// Pipeline metrics
	pipelineRunsTotal   *prometheus.CounterVec
	pipelineDuration    *prometheus.HistogramVec
	pipelineRecords     *prometheus.CounterVec
	pipelineItemsFailed *prometheus.CounterVec

	// Snapshot store metrics
	snapshotUploadsTotal   *prometheus.CounterVec
	snapshotDownloadsTotal *prometheus.CounterVec

	// HTTP server metrics (statusd)
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry

	initialized bool
	mu          sync.RWMutex
}

var (
	instance *Manager
	once     sync.Once
)

// GetInstance returns the singleton metrics manager.
func GetInstance() *Manager {
	once.Do(func() {
		instance = &Manager{
			registry: prometheus.NewRegistry(),
		}
	})
	return instance
}

// Initialize registers all metrics (thread-safe, idempotent).
func (m *Manager) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return
	}

	m.fhirRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhir_http_requests_total",
			Help: "Total number of HTTP requests to the FHIR server",
		},
		[]string{"resource_type", "status_code"},
	)

	m.fhirRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fhir_http_request_duration_seconds",
			Help:    "Duration of HTTP requests to the FHIR server",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource_type"},
	)

	m.fhirPagesFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhir_pages_fetched_total",
			Help: "Total number of bundle pages fetched",
		},
		[]string{"resource_type"},
	)

	m.tokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhir_token_refresh_total",
			Help: "Total number of bearer token refreshes",
		},
		[]string{"result"},
	)

	m.pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"pipeline", "status"},
	)

	m.pipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "Duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"pipeline"},
	)

	m.pipelineRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_records_total",
			Help: "Total number of flat records produced",
		},
		[]string{"pipeline"},
	)

	m.pipelineItemsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_items_failed_total",
			Help: "Total number of per-item processing failures",
		},
		[]string{"pipeline"},
	)

	m.snapshotUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_uploads_total",
			Help: "Total number of snapshot uploads",
		},
		[]string{"backend", "result"},
	)

	m.snapshotDownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_downloads_total",
			Help: "Total number of snapshot downloads",
		},
		[]string{"backend", "result"},
	)

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "endpoint", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests served",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	m.registry.MustRegister(
		m.fhirRequestsTotal,
		m.fhirRequestDuration,
		m.fhirPagesFetched,
		m.tokenRefreshTotal,
		m.pipelineRunsTotal,
		m.pipelineDuration,
		m.pipelineRecords,
		m.pipelineItemsFailed,
		m.snapshotUploadsTotal,
		m.snapshotDownloadsTotal,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	m.initialized = true
}

// Handler returns an HTTP handler serving the metrics registry.
func Handler() http.Handler {
	m := GetInstance()
	m.Initialize()
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFHIRRequest records one HTTP call against the FHIR server.
func RecordFHIRRequest(resourceType string, statusCode int, duration time.Duration) {
	m := GetInstance()
	m.Initialize()

	m.fhirRequestsTotal.WithLabelValues(resourceType, strconv.Itoa(statusCode)).Inc()
	m.fhirRequestDuration.WithLabelValues(resourceType).Observe(duration.Seconds())
}

// RecordPageFetched records one bundle page retrieved during pagination.
func RecordPageFetched(resourceType string) {
	m := GetInstance()
	m.Initialize()
	m.fhirPagesFetched.WithLabelValues(resourceType).Inc()
}

// RecordTokenRefresh records a bearer token refresh attempt outcome
// ("success" or "failed").
func RecordTokenRefresh(result string) {
	m := GetInstance()
	m.Initialize()
	m.tokenRefreshTotal.WithLabelValues(result).Inc()
}

// RecordPipelineRun records a completed pipeline run.
func RecordPipelineRun(pipeline, status string, start time.Time, records, failedItems int) {
	m := GetInstance()
	m.Initialize()

	m.pipelineRunsTotal.WithLabelValues(pipeline, status).Inc()
	m.pipelineDuration.WithLabelValues(pipeline).Observe(time.Since(start).Seconds())
	m.pipelineRecords.WithLabelValues(pipeline).Add(float64(records))
	m.pipelineItemsFailed.WithLabelValues(pipeline).Add(float64(failedItems))
}

// RecordSnapshotUpload records a snapshot upload outcome.
func RecordSnapshotUpload(backend, result string) {
	m := GetInstance()
	m.Initialize()
	m.snapshotUploadsTotal.WithLabelValues(backend, result).Inc()
}

// RecordSnapshotDownload records a snapshot download outcome.
func RecordSnapshotDownload(backend, result string) {
	m := GetInstance()
	m.Initialize()
	m.snapshotDownloadsTotal.WithLabelValues(backend, result).Inc()
}

// RecordHTTPRequest records one request served by statusd.
func RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m := GetInstance()
	m.Initialize()

	status := strconv.Itoa(statusCode)
	m.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}
