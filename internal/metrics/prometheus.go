package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the Prometheus collectors for the three control
// loops (compile scheduler, runner supervisor, runtime proxy) and the REST
// surface.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Compile scheduler
	compilesTotal    *prometheus.CounterVec
	compileDuration  *prometheus.HistogramVec
	programsByStatus *prometheus.GaugeVec

	// Runner supervisor
	pipelineTransitionsTotal *prometheus.CounterVec
	pipelinesByStatus        *prometheus.GaugeVec
	reconcileDuration        prometheus.Histogram

	// Runtime proxy
	proxyRequestsTotal   *prometheus.CounterVec
	proxyRequestDuration *prometheus.HistogramVec

	// REST surface
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	uptime prometheus.GaugeFunc
}

// defaultBuckets are the default histogram buckets, in milliseconds.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		compilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compiles_total",
				Help:      "Total number of program compile attempts by terminal status",
			},
			[]string{"status"}, // success, sql-error, native-error, system-error
		),

		compileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_milliseconds",
				Help:      "Duration of a full program compile (sql + native stages) in milliseconds",
				Buckets:   []float64{100, 500, 1000, 5000, 10000, 30000, 60000, 120000},
			},
			[]string{"status"},
		),

		programsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "programs_by_status",
				Help:      "Number of programs currently observed in each compile status",
			},
			[]string{"status"},
		),

		pipelineTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_transitions_total",
				Help:      "Total number of pipeline lifecycle state transitions",
			},
			[]string{"from", "to"},
		),

		pipelinesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pipelines_by_status",
				Help:      "Number of pipelines currently observed in each lifecycle status",
			},
			[]string{"status"},
		),

		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "supervisor_reconcile_duration_milliseconds",
				Help:      "Duration of one runner supervisor reconciliation tick in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),

		proxyRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_requests_total",
				Help:      "Total number of ingress/egress requests forwarded to pipelines",
			},
			[]string{"direction", "status"}, // direction: ingress, egress; status: ok, bad_gateway, unavailable
		),

		proxyRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_request_duration_milliseconds",
				Help:      "Duration of a proxied ingress/egress request in milliseconds",
				Buckets:   buckets,
			},
			[]string{"direction"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of REST API requests by route and status code",
			},
			[]string{"method", "route", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_milliseconds",
				Help:      "Duration of REST API requests in milliseconds",
				Buckets:   buckets,
			},
			[]string{"method", "route"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the control plane daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.compilesTotal,
		pm.compileDuration,
		pm.programsByStatus,
		pm.pipelineTransitionsTotal,
		pm.pipelinesByStatus,
		pm.reconcileDuration,
		pm.proxyRequestsTotal,
		pm.proxyRequestDuration,
		pm.httpRequestsTotal,
		pm.httpRequestDuration,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordCompile records the terminal outcome of one program compile.
func RecordCompile(status string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.compilesTotal.WithLabelValues(status).Inc()
	promMetrics.compileDuration.WithLabelValues(status).Observe(float64(durationMs))
}

// SetProgramsByStatus replaces the programs-by-status gauge snapshot.
func SetProgramsByStatus(counts map[string]int) {
	if promMetrics == nil {
		return
	}
	for status, n := range counts {
		promMetrics.programsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RecordPipelineTransition records one lifecycle state transition observed
// by the runner supervisor.
func RecordPipelineTransition(from, to string) {
	if promMetrics == nil {
		return
	}
	promMetrics.pipelineTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetPipelinesByStatus replaces the pipelines-by-status gauge snapshot.
func SetPipelinesByStatus(counts map[string]int) {
	if promMetrics == nil {
		return
	}
	for status, n := range counts {
		promMetrics.pipelinesByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// RecordReconcileDuration records the wall-clock time of one supervisor tick.
func RecordReconcileDuration(durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.reconcileDuration.Observe(durationMs)
}

// RecordProxyRequest records one ingress/egress request forwarded to a pipeline.
func RecordProxyRequest(direction, status string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.proxyRequestsTotal.WithLabelValues(direction, status).Inc()
	promMetrics.proxyRequestDuration.WithLabelValues(direction).Observe(durationMs)
}

// RecordHTTPRequest records one REST API request.
func RecordHTTPRequest(method, route, status string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	promMetrics.httpRequestDuration.WithLabelValues(method, route).Observe(durationMs)
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, for tests or custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
