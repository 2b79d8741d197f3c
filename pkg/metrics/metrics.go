package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backend metrics
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emgdash_backend_request_duration_seconds",
		Help:    "Object store request duration",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 20},
	}, []string{"bucket", "operation"})

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emgdash_backend_errors_total",
		Help: "Object store errors by operation",
	}, []string{"bucket", "operation"})

	// Discovery metrics
	DiscoveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "emgdash_discovery_duration_seconds",
		Help:    "Wall-clock time of a full discovery pass",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
	}, []string{"bucket"})

	DiscoveryFiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "emgdash_discovery_files",
		Help: "Session files recovered by the last discovery pass",
	}, []string{"bucket"})

	DiscoveryPartialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emgdash_discovery_partial_failures_total",
		Help: "Subdirectory listings that failed during discovery",
	}, []string{"bucket", "kind"})

	DiscoveryTotalFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emgdash_discovery_total_failures_total",
		Help: "Discovery passes that recovered no files and recorded a failure",
	}, []string{"bucket"})

	// Identity metrics
	IdentityResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emgdash_identity_resolutions_total",
		Help: "Resolved identity fields by winning source",
	}, []string{"field", "source"})

	// Indicator cache metrics
	IndicatorCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emgdash_indicator_cache_hit_total",
		Help: "Indicator cache hits",
	})
	IndicatorCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emgdash_indicator_cache_miss_total",
		Help: "Indicator cache misses",
	})
	IndicatorCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "emgdash_indicator_cache_evictions_total",
		Help: "Expired indicator entries swept on write",
	})
	IndicatorCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "emgdash_indicator_cache_entries",
		Help: "Current indicator cache entry count",
	})

	// Auth metrics
	AuthRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "emgdash_auth_refresh_total",
		Help: "Session resolutions",
	}, []string{"provider", "status"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	BackendRequestDuration.WithLabelValues("", "list")
	BackendErrors.WithLabelValues("", "list")
	DiscoveryDuration.WithLabelValues("")
	IdentityResolutions.WithLabelValues("patient", "fallback")
	AuthRefreshes.WithLabelValues("", "success")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// MetricsServer starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until the provided stop channel is closed, then shuts down gracefully.
func MetricsServer(addr string, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
