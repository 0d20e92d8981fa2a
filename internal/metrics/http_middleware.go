package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// HTTPMiddleware records request count and latency for every REST call.
// The route label uses r.Pattern (set by net/http's ServeMux once a
// handler has matched) so templated paths like "/v0/programs/{id}" don't
// blow up cardinality with one series per id.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		durationMs := float64(time.Since(start)) / float64(time.Millisecond)
		RecordHTTPRequest(r.Method, route, strconv.Itoa(rw.statusCode), durationMs)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
