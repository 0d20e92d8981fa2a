// Package metrics exposes Prometheus collectors for the control plane's
// three control loops (compile scheduler, runner supervisor, runtime proxy)
// and the REST surface (prometheus.go), plus an HTTP middleware
// (http_middleware.go) wiring request counts/latency into them.
package metrics

import "time"

var startTime = time.Now()

// StartTime returns the time the metrics subsystem was loaded, used by the
// uptime gauge.
func StartTime() time.Time {
	return startTime
}
