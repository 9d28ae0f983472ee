// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsEnqueuedTotal           *prometheus.CounterVec
	jobsCompletedTotal          *prometheus.CounterVec
	jobsRetriedTotal            prometheus.Counter
	jobsRequeuedTotal           *prometheus.CounterVec
	queueDepth                  *prometheus.GaugeVec
	hostBackoffMultiplier       *prometheus.GaugeVec
	hostSuspended               *prometheus.GaugeVec
	sourceUnhealthy             *prometheus.GaugeVec
	fetchDurationSeconds        *prometheus.HistogramVec
	indexRecordsTotal           prometheus.Counter
	contentDuplicatesTotal      *prometheus.CounterVec
	discoveryCandidatesTotal    *prometheus.CounterVec
	activeWorkers               prometheus.Gauge
	poolSize                    prometheus.Gauge
	rateLimitWaitSeconds        *prometheus.HistogramVec
	fingerprintEntries          prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	brokerMessagesTotal         *prometheus.CounterVec
	notificationsDroppedTotal   prometheus.Counter
	maintenanceEvictionsTotal   prometheus.Counter
	discoveryCycleDurationHisto prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call repeatedly;
// every helper below calls it, so callers never observe nil collectors.
func Init() {
	once.Do(func() {
		jobsEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_enqueued_total",
				Help: "Enqueue calls, labeled by result (accepted, duplicate, invalid).",
			},
			[]string{"result"},
		)

		jobsCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_completed_total",
				Help: "Jobs reaching a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		jobsRetriedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_jobs_retried_total",
				Help: "Jobs re-enqueued after a retryable failure.",
			},
		)

		jobsRequeuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_requeued_total",
				Help: "In-flight jobs returned to pending without consuming an attempt, labeled by reason.",
			},
			[]string{"reason"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_queue_depth",
				Help: "Scheduler depth, labeled by state (pending, delayed, in_flight).",
			},
			[]string{"state"},
		)

		hostBackoffMultiplier = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_host_backoff_multiplier",
				Help: "Current backoff multiplier applied to a host's base interval.",
			},
			[]string{"host"},
		)

		hostSuspended = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_host_suspended",
				Help: "1 while a host's circuit breaker is open.",
			},
			[]string{"host"},
		)

		sourceUnhealthy = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_source_unhealthy",
				Help: "1 while a source keeps failing permanently.",
			},
			[]string{"source"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Fetch latency, labeled by outcome class.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"class"},
		)

		indexRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_index_records_total",
				Help: "IndexRecords emitted.",
			},
		)

		contentDuplicatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_content_duplicates_total",
				Help: "Fetched documents dropped as duplicates, labeled by kind (exact, near).",
			},
			[]string{"kind"},
		)

		discoveryCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_discovery_candidates_total",
				Help: "Discovery candidates, labeled by provider and result.",
			},
			[]string{"provider", "result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		poolSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_worker_pool_size",
				Help: "Configured number of fetch workers.",
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_wait_seconds",
				Help:    "Time spent waiting for a politeness permit.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		fingerprintEntries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_fingerprint_entries",
				Help: "Fingerprints held in memory.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		brokerMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_broker_messages_total",
				Help: "Broker job messages, labeled by direction and result.",
			},
			[]string{"direction", "result"},
		)

		notificationsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_notifications_dropped_total",
				Help: "Record notifications dropped because the hub buffer was full.",
			},
		)

		maintenanceEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_maintenance_evictions_total",
				Help: "Fingerprints evicted by the maintenance sweep.",
			},
		)

		discoveryCycleDurationHisto = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_discovery_cycle_seconds",
				Help:    "Duration of a discovery cycle.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveEnqueue counts an Enqueue call by result.
func ObserveEnqueue(result string) {
	Init()
	jobsEnqueuedTotal.WithLabelValues(result).Inc()
}

// ObserveCompletion counts a job reaching a terminal state.
func ObserveCompletion(state string) {
	Init()
	jobsCompletedTotal.WithLabelValues(state).Inc()
}

// ObserveRetry counts a retry re-enqueue.
func ObserveRetry() {
	Init()
	jobsRetriedTotal.Inc()
}

// ObserveRequeue counts a job handed back without consuming an attempt.
func ObserveRequeue(reason string) {
	Init()
	jobsRequeuedTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth publishes the scheduler's depth.
func SetQueueDepth(pending, delayed, inFlight int) {
	Init()
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
}

// SetHostBackoff publishes a host's backoff multiplier.
func SetHostBackoff(host string, multiplier float64) {
	Init()
	hostBackoffMultiplier.WithLabelValues(host).Set(multiplier)
}

// SetHostSuspended publishes a host's breaker state.
func SetHostSuspended(host string, suspended bool) {
	Init()
	hostSuspended.WithLabelValues(host).Set(boolToFloat(suspended))
}

// ForgetHost drops per-host series for a pruned host.
func ForgetHost(host string) {
	Init()
	hostBackoffMultiplier.DeleteLabelValues(host)
	hostSuspended.DeleteLabelValues(host)
	rateLimitWaitSeconds.DeleteLabelValues(host)
}

// SetSourceUnhealthy flags or clears a source.
func SetSourceUnhealthy(sourceID string, unhealthy bool) {
	Init()
	sourceUnhealthy.WithLabelValues(sourceID).Set(boolToFloat(unhealthy))
}

// ObserveFetch records fetch latency.
func ObserveFetch(class string, d time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(class).Observe(d.Seconds())
}

// ObserveIndexRecord counts an emitted IndexRecord.
func ObserveIndexRecord() {
	Init()
	indexRecordsTotal.Inc()
}

// ObserveContentDuplicate counts a dropped duplicate document.
func ObserveContentDuplicate(kind string) {
	Init()
	contentDuplicatesTotal.WithLabelValues(kind).Inc()
}

// ObserveCandidate counts a discovery candidate by provider and result.
func ObserveCandidate(provider, result string) {
	Init()
	discoveryCandidatesTotal.WithLabelValues(provider, result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetPoolSize publishes the configured worker count.
func SetPoolSize(n int) {
	Init()
	poolSize.Set(float64(n))
}

// ObserveRateLimitWait records the time spent waiting for a politeness permit.
func ObserveRateLimitWait(host string, d time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(host).Observe(d.Seconds())
}

// SetFingerprintEntries publishes the in-memory fingerprint count.
func SetFingerprintEntries(n int) {
	Init()
	fingerprintEntries.Set(float64(n))
}

// ObserveEvictions counts fingerprints evicted by maintenance.
func ObserveEvictions(n int) {
	Init()
	maintenanceEvictionsTotal.Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveBrokerMessage counts a published or consumed job message.
func ObserveBrokerMessage(direction, result string) {
	Init()
	brokerMessagesTotal.WithLabelValues(direction, result).Inc()
}

// ObserveNotificationDropped counts a notification dropped under backpressure.
func ObserveNotificationDropped(n int64) {
	Init()
	notificationsDroppedTotal.Add(float64(n))
}

// ObserveDiscoveryCycle records how long a discovery cycle took.
func ObserveDiscoveryCycle(d time.Duration) {
	Init()
	discoveryCycleDurationHisto.Observe(d.Seconds())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
