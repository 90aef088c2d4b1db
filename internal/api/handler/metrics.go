package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ledgerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	ledgerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_appends_total",
		Help: "Append attempts by outcome (committed, replayed, failed).",
	}, []string{"outcome"})

	ledgerAppendRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_append_retries_total",
		Help: "Append retries by reason.",
	}, []string{"reason"})

	ledgerVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_verifications_total",
		Help: "Background chain verifications by result (valid, broken, error).",
	}, []string{"result"})

	ledgerChainBreaks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_chain_breaks",
		Help: "Breaks found by the most recent full verification.",
	})

	ledgerTailSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_tail_sequence",
		Help: "Sequence number of the newest committed entry.",
	})

	ledgerAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_alerts_total",
		Help: "Alert deliveries by channel and status.",
	}, []string{"channel", "status"})

	ledgerRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by bucket (read, write).",
	}, []string{"bucket"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		ledgerRequestsTotal.WithLabelValues(method, path, status).Inc()
		ledgerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records an append outcome.
func RecordAppend(outcome string) {
	ledgerAppendsTotal.WithLabelValues(outcome).Inc()
}

// RecordAppendRetry records a retried append attempt.
func RecordAppendRetry(reason string) {
	ledgerAppendRetriesTotal.WithLabelValues(reason).Inc()
}

// RecordVerification records a background verification result.
func RecordVerification(result string) {
	ledgerVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordChainBreaks sets the break count of the last full verification.
func RecordChainBreaks(n int) {
	ledgerChainBreaks.Set(float64(n))
}

// SetTailSequence sets the tail sequence gauge.
func SetTailSequence(seq int64) {
	ledgerTailSequence.Set(float64(seq))
}

// RecordAlert records an alert delivery attempt.
func RecordAlert(channel string, success bool) {
	if success {
		ledgerAlertsTotal.WithLabelValues(channel, "success").Inc()
	} else {
		ledgerAlertsTotal.WithLabelValues(channel, "failure").Inc()
	}
}
