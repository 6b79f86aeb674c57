package prometheus

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counter metrics
var (
	// Login counters
	LoginCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gestio_login_total",
			Help: "Total number of login attempts",
		},
	)

	// Session revocations (logout and bulk revoke)
	SessionRevokeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gestio_session_revocations_total",
			Help: "Total number of session revocations",
		},
		[]string{"kind"}, // "logout" or "revoke_all"
	)

	// HTTP request counter by endpoint and status
	HTTPRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gestio_http_requests_total",
			Help: "Total number of HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	// Error counters
	AuthErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gestio_auth_errors_total",
			Help: "Total number of authentication and authorization errors",
		},
		[]string{"type"}, // "invalid_token", "session_revoked", "menu_forbidden", ...
	)

	// Permission check outcomes
	PermissionCheckCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gestio_permission_checks_total",
			Help: "Total number of menu permission checks by outcome",
		},
		[]string{"outcome"}, // "allowed" or "denied"
	)

	// Tenant operation counter
	TenantOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gestio_tenant_operations_total",
			Help: "Total number of tenant operations",
		},
		[]string{"operation"}, // "create", "update", "delete", "sync", "switch", ...
	)

	// Tenant pool resolutions split by cache hit/miss
	PoolResolutionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gestio_tenant_pool_resolutions_total",
			Help: "Total number of tenant connection resolutions",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)
)

// Histogram metrics
var (
	// Request duration
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gestio_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method", "status"},
	)

	// Database operation duration
	DBOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gestio_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // "query", "insert", "update", "delete"
	)
)

// Gauge metrics
var (
	// Live tenant connection pools
	TenantPoolsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gestio_tenant_pools",
			Help: "Number of live pooled tenant connections",
		},
	)

	// Active sessions known to the registry
	ActiveSessionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gestio_active_sessions",
			Help: "Number of active (non-revoked, non-expired) sessions",
		},
	)

	// System info
	InfoGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gestio_info",
			Help: "Information about the identity core service",
		},
		[]string{"version"},
	)
)

func init() {
	// Register counters
	prometheus.MustRegister(LoginCounter)
	prometheus.MustRegister(SessionRevokeCounter)
	prometheus.MustRegister(HTTPRequestCounter)
	prometheus.MustRegister(AuthErrorCounter)
	prometheus.MustRegister(PermissionCheckCounter)
	prometheus.MustRegister(TenantOperationCounter)
	prometheus.MustRegister(PoolResolutionCounter)

	// Register histograms
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(DBOperationDuration)

	// Register gauges
	prometheus.MustRegister(TenantPoolsGauge)
	prometheus.MustRegister(ActiveSessionsGauge)
	prometheus.MustRegister(InfoGauge)

	// Set initial service info
	InfoGauge.With(prometheus.Labels{"version": "1.0.0"}).Set(1)
}

// GetPrometheusHandler returns an HTTP handler for the Prometheus metrics
func GetPrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// TrackDBOperation measures database operation durations
func TrackDBOperation(operation string) func(time.Time) {
	startTime := time.Now()
	return func(endTime time.Time) {
		duration := time.Since(startTime).Seconds()
		DBOperationDuration.With(prometheus.Labels{
			"operation": operation,
		}).Observe(duration)
	}
}

// MetricsMiddleware creates a middleware function that captures metrics for each request
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Execute the request handler
			err := next(c)

			// Record request duration
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(c.Response().Status)
			endpoint := c.Path()
			method := c.Request().Method

			// Record metrics
			RequestDuration.With(prometheus.Labels{
				"endpoint": endpoint,
				"method":   method,
				"status":   status,
			}).Observe(duration)

			HTTPRequestCounter.With(prometheus.Labels{
				"endpoint": endpoint,
				"method":   method,
				"status":   status,
			}).Inc()

			return err
		}
	}
}

// RecordAuthError records an authentication or authorization error by type
func RecordAuthError(errorType string) {
	AuthErrorCounter.With(prometheus.Labels{"type": errorType}).Inc()
}

// RecordPermissionCheck records a menu permission check outcome
func RecordPermissionCheck(allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	PermissionCheckCounter.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RecordTenantOperation records a tenant operation
func RecordTenantOperation(operation string) {
	TenantOperationCounter.With(prometheus.Labels{"operation": operation}).Inc()
}

// RecordPoolResolution records a tenant pool resolution result
func RecordPoolResolution(result string) {
	PoolResolutionCounter.With(prometheus.Labels{"result": result}).Inc()
}

// RecordSessionRevocation records one or more session revocations
func RecordSessionRevocation(kind string, count int) {
	SessionRevokeCounter.With(prometheus.Labels{"kind": kind}).Add(float64(count))
}

// UpdateTenantPools updates the live tenant pool gauge
func UpdateTenantPools(count int) {
	TenantPoolsGauge.Set(float64(count))
}

// UpdateActiveSessions updates the active session gauge
func UpdateActiveSessions(count int64) {
	ActiveSessionsGauge.Set(float64(count))
}
