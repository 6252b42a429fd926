package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "pushfiscal"

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	pushSendsTotal         *prometheus.CounterVec
	pushSendDuration       prometheus.Histogram
	invalidTokensRemoved   prometheus.Counter
	dispatchBatchesAborted prometheus.Counter
	gatewayReinitsTotal    *prometheus.CounterVec
	receiptsTotal          *prometheus.CounterVec
	archiveSyncsTotal      *prometheus.CounterVec
	smsSendsTotal          *prometheus.CounterVec
	jobsProcessedTotal     *prometheus.CounterVec
	jobsInflight           *prometheus.GaugeVec
	retryRequeuedTotal     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		pushSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "push_sends_total",
				Help:      "Per-token push gateway sends grouped by outcome.",
			},
			[]string{"outcome"},
		),
		pushSendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "push_send_duration_seconds",
				Help:      "Push gateway send duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		invalidTokensRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "push_invalid_tokens_removed_total",
				Help:      "Tokens removed after the gateway reported them unregistered.",
			},
		),
		dispatchBatchesAborted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "push_batches_abandoned_total",
				Help:      "Dispatch batches abandoned because gateway credentials could not be restored.",
			},
		),
		gatewayReinitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "push_gateway_reinitializations_total",
				Help:      "Push gateway client rebuilds grouped by result.",
			},
			[]string{"result"},
		),
		receiptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "receipts_total",
				Help:      "Fiscal receipt generation outcomes grouped by type and status.",
			},
			[]string{"type", "status"},
		),
		archiveSyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "archive_syncs_total",
				Help:      "Receipt archive sync attempts grouped by result.",
			},
			[]string{"result"},
		),
		smsSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sms_sends_total",
				Help:      "SMS sends grouped by provider and result.",
			},
			[]string{"provider", "result"},
		),
		jobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_processed_total",
				Help:      "Background jobs processed grouped by queue and result.",
			},
			[]string{"queue", "result"},
		),
		jobsInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_inflight",
				Help:      "Current number of in-flight jobs grouped by queue.",
			},
			[]string{"queue"},
		),
		retryRequeuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notification_retries_requeued_total",
				Help:      "Failed notification records requeued by the retry scheduler.",
			},
			[]string{"channel"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.pushSendsTotal,
		m.pushSendDuration,
		m.invalidTokensRemoved,
		m.dispatchBatchesAborted,
		m.gatewayReinitsTotal,
		m.receiptsTotal,
		m.archiveSyncsTotal,
		m.smsSendsTotal,
		m.jobsProcessedTotal,
		m.jobsInflight,
		m.retryRequeuedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) ObservePushSend(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pushSendsTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.pushSendDuration.Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) AddInvalidTokensRemoved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.invalidTokensRemoved.Add(float64(n))
}

func (m *Metrics) IncBatchAbandoned() {
	if m == nil {
		return
	}
	m.dispatchBatchesAborted.Inc()
}

func (m *Metrics) IncGatewayReinit(result string) {
	if m == nil {
		return
	}
	m.gatewayReinitsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncReceipt(receiptType string, status string) {
	if m == nil {
		return
	}
	m.receiptsTotal.WithLabelValues(normalizeLabel(receiptType), normalizeLabel(status)).Inc()
}

func (m *Metrics) IncArchiveSync(result string) {
	if m == nil {
		return
	}
	m.archiveSyncsTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncSMSSend(provider string, result string) {
	if m == nil {
		return
	}
	m.smsSendsTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(result)).Inc()
}

func (m *Metrics) IncJobProcessed(queue string, result string) {
	if m == nil {
		return
	}
	m.jobsProcessedTotal.WithLabelValues(normalizeLabel(queue), normalizeLabel(result)).Inc()
}

func (m *Metrics) IncJobsInFlight(queue string) {
	if m == nil {
		return
	}
	m.jobsInflight.WithLabelValues(normalizeLabel(queue)).Inc()
}

func (m *Metrics) DecJobsInFlight(queue string) {
	if m == nil {
		return
	}
	m.jobsInflight.WithLabelValues(normalizeLabel(queue)).Dec()
}

func (m *Metrics) IncRetryRequeued(channel string) {
	if m == nil {
		return
	}
	m.retryRequeuedTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
