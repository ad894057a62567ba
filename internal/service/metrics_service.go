package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels used by the auth counters.
const (
	ResultSuccess  = "success"
	ResultFailed   = "failed"
	ResultRejected = "rejected"
	ResultInactive = "inactive"
	ResultError    = "error"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic and session events.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	logins          *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	rotationRaces   prometheus.Counter
	idleExpiries    prometheus.Counter
	logouts         *prometheus.CounterVec
	revokedTokens   prometheus.Counter
	activityFailure *prometheus.CounterVec
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	logins := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Login attempts by result",
	}, []string{"result"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_refreshes_total",
		Help: "Refresh credential exchanges by result",
	}, []string{"result"})

	rotationRaces := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_rotation_races_total",
		Help: "Refresh rotations that lost the conditional revoke to a concurrent request",
	})

	idleExpiries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_idle_expiries_total",
		Help: "Sessions rejected for inactivity",
	})

	logouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logouts_total",
		Help: "Logout requests by whether a principal was identified",
	}, []string{"identified"})

	revokedTokens := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_tokens_revoked_total",
		Help: "Refresh records revoked by login or logout",
	})

	activityFailure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_activity_degraded_total",
		Help: "Activity store reads or writes that failed and were skipped",
	}, []string{"op"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, logins, refreshes, rotationRaces, idleExpiries, logouts, revokedTokens, activityFailure, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		logins:          logins,
		refreshes:       refreshes,
		rotationRaces:   rotationRaces,
		idleExpiries:    idleExpiries,
		logouts:         logouts,
		revokedTokens:   revokedTokens,
		activityFailure: activityFailure,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordLogin counts a login attempt.
func (m *MetricsService) RecordLogin(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

// RecordRefresh counts a refresh exchange.
func (m *MetricsService) RecordRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

// RecordRotationRace counts a lost compare-and-swap during rotation.
func (m *MetricsService) RecordRotationRace() {
	if m == nil {
		return
	}
	m.rotationRaces.Inc()
}

// RecordIdleExpiry counts a session rejected for inactivity.
func (m *MetricsService) RecordIdleExpiry() {
	if m == nil {
		return
	}
	m.idleExpiries.Inc()
}

// RecordLogout counts a logout and the refresh records it revoked.
func (m *MetricsService) RecordLogout(identified bool, revoked int64) {
	if m == nil {
		return
	}
	m.logouts.WithLabelValues(fmt.Sprintf("%t", identified)).Inc()
	m.RecordRevoked(revoked)
}

// RecordRevoked adds n revoked refresh records.
func (m *MetricsService) RecordRevoked(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.revokedTokens.Add(float64(n))
}

// RecordActivityDegraded counts an activity store failure for op (read or write).
func (m *MetricsService) RecordActivityDegraded(op string) {
	if m == nil {
		return
	}
	m.activityFailure.WithLabelValues(op).Inc()
}

// authMetrics is the subset of MetricsService the session services report to.
type authMetrics interface {
	RecordLogin(result string)
	RecordRefresh(result string)
	RecordRotationRace()
	RecordIdleExpiry()
	RecordLogout(identified bool, revoked int64)
	RecordRevoked(n int64)
	RecordActivityDegraded(op string)
}

type noopMetrics struct{}

func (noopMetrics) RecordLogin(string) {}
func (noopMetrics) RecordRefresh(string) {}
func (noopMetrics) RecordRotationRace() {}
func (noopMetrics) RecordIdleExpiry() {}
func (noopMetrics) RecordLogout(bool, int64) {}
func (noopMetrics) RecordRevoked(int64) {}
func (noopMetrics) RecordActivityDegraded(string) {}
