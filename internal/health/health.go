// Package health provides health check and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/callguard/callguard/internal/policy"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

const readinessCacheTTL = 5 * time.Second

// Handler provides /health and /ready endpoints.
type Handler struct {
	upstream string
	registry *policy.Registry
	logger   *slog.Logger

	// Cached readiness result to avoid TCP-dialling the upstream on every
	// /ready poll. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a new health check Handler. upstream is the base URL of the
// guarded upstream service.
func New(upstream string, registry *policy.Registry, logger *slog.Logger) *Handler {
	return &Handler{upstream: upstream, registry: registry, logger: logger}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	// Serve from cache if fresh.
	h.cacheMu.RLock()
	if h.cachedResult != nil && time.Since(h.cachedAt) < readinessCacheTTL {
		body := h.cachedResult
		status := h.cachedStatus
		h.cacheMu.RUnlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}
	h.cacheMu.RUnlock()

	upstreamStatus, ok := h.probeUpstream(r.Context())

	// Open breakers are reported but do not flip readiness; they recover on
	// their own once the upstream heals.
	breakers := make(map[string]string)
	if h.registry != nil {
		for _, s := range h.registry.Snapshots() {
			if s.Breaker != nil {
				breakers[s.Name] = s.Breaker.State
			}
		}
	}

	httpStatus := http.StatusOK
	statusStr := "ready"
	if !ok {
		httpStatus = http.StatusServiceUnavailable
		statusStr = "not ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":   statusStr,
		"upstream": upstreamStatus,
		"breakers": breakers,
	})
	body = append(body, '\n')

	// Cache the result.
	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = httpStatus
	h.cachedAt = time.Now()
	h.cacheMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}

// probeUpstream TCP-dials the upstream host and reports its reachability.
func (h *Handler) probeUpstream(ctx context.Context) (string, bool) {
	if h.upstream == "" {
		return "not configured", false
	}
	u, err := url.Parse(h.upstream)
	if err != nil {
		return "invalid URL", false
	}

	host := u.Host
	if !hasPort(host) {
		switch u.Scheme {
		case "https":
			host += ":443"
		default:
			host += ":80"
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", host)
	if err != nil {
		h.logger.Warn("upstream unreachable", "upstream", h.upstream, "error", err)
		return "unreachable", false
	}
	conn.Close()
	return "ok", true
}

func hasPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
