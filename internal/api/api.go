// Package api implements the demo endpoints. Each endpoint exercises the
// resilience executor a different way against the configured upstream and
// maps terminal failures onto stable HTTP error codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/callguard/callguard/internal/apierror"
	"github.com/callguard/callguard/internal/classify"
	"github.com/callguard/callguard/internal/httpcall"
	"github.com/callguard/callguard/internal/resilience"
)

// NamedPolicy is the policy exercised by /api/demo/named.
const NamedPolicy = "externalApi"

// Handler serves the /api/demo endpoints.
type Handler struct {
	client *httpcall.Client
	exec   *resilience.Executor
	logger *slog.Logger

	// SlowTimeout bounds the upstream call made by /api/demo/slow.
	SlowTimeout time.Duration
}

// New creates the demo handler.
func New(client *httpcall.Client, exec *resilience.Executor, logger *slog.Logger) *Handler {
	return &Handler{
		client:      client,
		exec:        exec,
		logger:      logger,
		SlowTimeout: 2 * time.Second,
	}
}

// RegisterRoutes attaches all demo endpoints to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/demo/default", h.demoDefault)
	mux.HandleFunc("/api/demo/named", h.demoNamed)
	mux.HandleFunc("/api/demo/retry-only", h.demoRetryOnly)
	mux.HandleFunc("/api/demo/circuit-breaker-only", h.demoBreakerOnly)
	mux.HandleFunc("/api/demo/no-resilience", h.demoNoResilience)
	mux.HandleFunc("/api/demo/fail", h.demoFail)
	mux.HandleFunc("/api/demo/slow", h.demoSlow)
	mux.HandleFunc("/api/demo/post", h.demoPost)
	mux.HandleFunc("/api/demo/fail-with-fallback", h.demoFallback)
}

// Result is the envelope returned by the demo endpoints on success.
type Result struct {
	Policy         string          `json:"policy"`
	Options        string          `json:"options"`
	UpstreamStatus int             `json:"upstream_status"`
	Upstream       json.RawMessage `json:"upstream,omitempty"`
	Body           string          `json:"body,omitempty"`
}

func (h *Handler) demoDefault(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, "default", resilience.Defaults(), "/get")
}

func (h *Handler) demoNamed(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, NamedPolicy, resilience.Defaults(), "/get")
}

func (h *Handler) demoRetryOnly(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, "default", resilience.RetryOnly(), "/get")
}

func (h *Handler) demoBreakerOnly(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, "default", resilience.BreakerOnly(), "/get")
}

func (h *Handler) demoNoResilience(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, "default", resilience.None(), "/get")
}

// demoFail always calls an upstream endpoint that returns 500, showing
// retry exhaustion and the 502 mapping.
func (h *Handler) demoFail(w http.ResponseWriter, r *http.Request) {
	h.relay(w, r, "default", resilience.Defaults(), "/status/500")
}

// demoSlow calls a delaying upstream endpoint under a short deadline,
// showing timeout classification. The delay is taken from the "seconds"
// query parameter (default 5).
func (h *Handler) demoSlow(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodGet) {
		return
	}
	seconds := r.URL.Query().Get("seconds")
	if seconds == "" {
		seconds = "5"
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.SlowTimeout)
	defer cancel()

	resp, err := h.client.Get(ctx, "/delay/"+seconds, "default", resilience.Defaults())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, "default", resilience.Defaults(), resp)
}

// demoPost forwards the request body to the upstream. The body is buffered
// before the call, so retried attempts replay it from the start.
func (h *Handler) demoPost(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodPost) {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.BodyTooLarge, "could not read request body")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	resp, err := h.client.Post(r.Context(), "/post", contentType, body, "default", resilience.Defaults())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, "default", resilience.Defaults(), resp)
}

// demoFallback calls an upstream endpoint that always fails and converts
// the terminal failure into a locally produced substitute.
func (h *Handler) demoFallback(w http.ResponseWriter, r *http.Request) {
	if !h.requireMethod(w, r, http.MethodGet) {
		return
	}

	result, err := resilience.CallWithFallback(r.Context(), h.exec, "default", resilience.Defaults(),
		func(ctx context.Context) (map[string]string, error) {
			if _, err := h.client.Get(ctx, "/status/503", "default", resilience.None()); err != nil {
				return nil, err
			}
			return map[string]string{"status": "ok", "source": "upstream"}, nil
		},
		func(ctx context.Context, cause error) (map[string]string, error) {
			h.logger.Info("serving fallback response", "cause", cause)
			return map[string]string{"status": "fallback", "source": "local"}, nil
		})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// relay performs a guarded GET against the upstream and writes either the
// result envelope or the mapped error.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, policy string, opts resilience.Options, upstreamPath string) {
	if !h.requireMethod(w, r, http.MethodGet) {
		return
	}
	resp, err := h.client.Get(r.Context(), upstreamPath, policy, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, policy, opts, resp)
}

func (h *Handler) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed,
			fmt.Sprintf("method %s not allowed", r.Method))
		return false
	}
	return true
}

func (h *Handler) writeResult(w http.ResponseWriter, policy string, opts resilience.Options, resp *httpcall.Response) {
	out := Result{
		Policy:         policy,
		Options:        optionsLabel(opts),
		UpstreamStatus: resp.StatusCode,
	}
	if json.Valid(resp.Body) {
		out.Upstream = resp.Body
	} else {
		out.Body = string(resp.Body)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// writeError maps a terminal executor failure onto the HTTP surface.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *resilience.RejectedError
	var full *resilience.BulkheadFullError
	var status *httpcall.StatusError

	switch {
	case errors.As(err, &full):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.BulkheadFull,
			fmt.Sprintf("policy %q has too many concurrent calls", full.Policy))
	case errors.As(err, &rejected):
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.CircuitOpen,
			fmt.Sprintf("circuit breaker %q is %s", rejected.Policy, rejected.State))
	case errors.As(err, &status) && status.Code >= 500:
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamError,
			fmt.Sprintf("upstream returned %d", status.Code))
	case errors.As(err, &status):
		// 4xx pass through with the upstream's own status.
		apierror.WriteJSON(w, r, status.Code, apierror.UpstreamClientError,
			fmt.Sprintf("upstream returned %d", status.Code))
	case errors.Is(err, context.DeadlineExceeded):
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.UpstreamTimeout, "upstream call timed out")
	case errors.Is(err, context.Canceled):
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.RequestCancelled, "request cancelled")
	case classify.Categorize(err) == classify.Transport:
		h.logger.Error("upstream unreachable", "error", err, "path", r.URL.Path)
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.UpstreamUnreachable, "upstream unreachable")
	default:
		h.logger.Error("upstream call failed", "error", err, "path", r.URL.Path)
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamError, "upstream call failed")
	}
}

func optionsLabel(o resilience.Options) string {
	switch {
	case o.Retry && o.CircuitBreaker:
		return "retry+circuit_breaker"
	case o.Retry:
		return "retry"
	case o.CircuitBreaker:
		return "circuit_breaker"
	default:
		return "none"
	}
}
