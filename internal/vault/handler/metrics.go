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
	vaultRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	vaultRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	vaultHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_health_checks_total",
		Help: "Total health check probes by result.",
	}, []string{"result"})

	vaultWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})

	vaultDriftEvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_drift_evaluations_total",
		Help: "Total health ping evaluations by outcome.",
	}, []string{"status"})

	vaultAutoRevokesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_auto_revokes_total",
		Help: "Total agents auto-revoked by drift threshold breach.",
	})

	vaultRateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ratelimit_rejections_total",
		Help: "Total requests rejected by the sliding-window limiter.",
	}, []string{"limiter"})
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
			path = c.Request.URL.Path
		}

		vaultRequestsTotal.WithLabelValues(method, path, status).Inc()
		vaultRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordHealthCheck records a health check probe result.
func RecordHealthCheck(success bool) {
	if success {
		vaultHealthChecksTotal.WithLabelValues("success").Inc()
	} else {
		vaultHealthChecksTotal.WithLabelValues("failure").Inc()
	}
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		vaultWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		vaultWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordDriftEvaluation records a health ping evaluation outcome.
func RecordDriftEvaluation(status string) {
	vaultDriftEvaluationsTotal.WithLabelValues(status).Inc()
}

// RecordAutoRevoke records a drift-triggered agent revocation.
func RecordAutoRevoke() {
	vaultAutoRevokesTotal.Inc()
}

// RecordRateLimitRejection records a sliding-window limiter rejection.
func RecordRateLimitRejection(limiter string) {
	vaultRateLimitRejectionsTotal.WithLabelValues(limiter).Inc()
}
