// Package middleware provides the HTTP middleware chain for the callguard
// service: request IDs, panic recovery, structured request logging with
// redaction, a global deadline, body limits, and security headers.
package middleware

import (
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/callguard/callguard/internal/metrics"
)

// statusRecorder wraps http.ResponseWriter to capture the status code and
// response size for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

// Logging returns middleware that emits one structured log line per request
// and records the server-side request metrics. Query strings are redacted
// before logging since callers may put tokens in them.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(recorder, r)

			elapsed := time.Since(start)
			metrics.RequestsTotal.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(recorder.statusCode)).Inc()
			metrics.RequestDuration.WithLabelValues(r.URL.Path, r.Method).Observe(elapsed.Seconds())

			logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("query", RedactSensitive(r.URL.RawQuery)),
				slog.Int("status", recorder.statusCode),
				slog.Int("bytes", recorder.bytes),
				slog.Int64("latency_ms", elapsed.Milliseconds()),
				slog.String("client_ip", r.RemoteAddr),
				slog.String("request_id", GetRequestID(r.Context())),
			)
		})
	}
}

// sensitiveRe matches key=value pairs and JSON string fields whose name looks
// credential-bearing. Compiled once; a single pass replaces all matches.
var sensitiveRe = regexp.MustCompile(
	`(?i)(password|secret|token|key|authorization)(=|"\s*:\s*")([^&"\s]*)`,
)

// RedactSensitive masks credential-looking values in s before it reaches a
// log line. Matching is by field name, not value shape.
func RedactSensitive(s string) string {
	if s == "" {
		return s
	}
	lower := strings.ToLower(s)
	if !strings.Contains(lower, "password") && !strings.Contains(lower, "secret") &&
		!strings.Contains(lower, "token") && !strings.Contains(lower, "key") &&
		!strings.Contains(lower, "authorization") {
		return s
	}
	return sensitiveRe.ReplaceAllString(s, "${1}${2}***")
}
