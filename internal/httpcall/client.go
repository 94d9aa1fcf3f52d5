// Package httpcall provides an HTTP client whose requests run inside the
// resilience executor. Every verb helper funnels into a single guarded
// round trip, so retry and circuit-breaker behavior is uniform across them.
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/callguard/callguard/internal/resilience"
)

// DefaultTimeout bounds a single round trip when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of an upstream response body is read into
// memory. Anything beyond the cap is discarded.
const maxResponseBytes = 4 << 20

// errBodySnippet is how much of an error response body is kept on a
// StatusError for logging and debugging.
const errBodySnippet = 512

// StatusError reports a non-2xx upstream response. The classifier routes it
// by status code through HTTPStatus.
type StatusError struct {
	Code   int
	Status string
	URL    string
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %s", e.URL, e.Status)
}

// HTTPStatus returns the upstream status code.
func (e *StatusError) HTTPStatus() int { return e.Code }

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Request describes one upstream call. Policy selects the resilience bundle
// and Options toggles retry and circuit breaking for this call.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Header      http.Header
	ContentType string
	Body        []byte
	Policy      string
	Options     resilience.Options
}

// Client issues HTTP requests against a single upstream base URL.
type Client struct {
	base   *url.URL
	http   *http.Client
	exec   *resilience.Executor
	logger *slog.Logger
}

// New builds a Client for the given base URL. timeout bounds each individual
// attempt; zero selects DefaultTimeout.
func New(baseURL string, timeout time.Duration, exec *resilience.Executor, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream base URL %q must use http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base URL %q has no host", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: timeout},
		exec:   exec,
		logger: logger,
	}, nil
}

// Do performs one guarded round trip. The request body is replayed from a
// fresh reader on every attempt, so retries never see a drained body.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	u := c.base.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	target := u.String()

	return resilience.Call(ctx, c.exec, req.Policy, req.Options, func(ctx context.Context) (*Response, error) {
		var body io.Reader
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}

		hr, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return nil, fmt.Errorf("build request %s %s: %w", method, target, err)
		}
		for k, vals := range req.Header {
			for _, v := range vals {
				hr.Header.Add(k, v)
			}
		}
		if req.ContentType != "" {
			hr.Header.Set("Content-Type", req.ContentType)
		}

		resp, err := c.http.Do(hr)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read response from %s: %w", target, err)
		}

		if resp.StatusCode >= 400 {
			snippet := data
			if len(snippet) > errBodySnippet {
				snippet = snippet[:errBodySnippet]
			}
			return nil, &StatusError{
				Code:   resp.StatusCode,
				Status: resp.Status,
				URL:    target,
				Body:   snippet,
			}
		}

		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       data,
		}, nil
	})
}

// Get issues a GET to path under the configured policy.
func (c *Client) Get(ctx context.Context, path, policy string, opts resilience.Options) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Policy: policy, Options: opts})
}

// GetJSON issues a GET and decodes the response body into out.
func (c *Client) GetJSON(ctx context.Context, path, policy string, opts resilience.Options, out any) error {
	resp, err := c.Get(ctx, path, policy, opts)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// Post issues a POST with the given content type and body.
func (c *Client) Post(ctx context.Context, path, contentType string, body []byte, policy string, opts resilience.Options) (*Response, error) {
	return c.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        path,
		ContentType: contentType,
		Body:        body,
		Policy:      policy,
		Options:     opts,
	})
}

// PostJSON marshals in as the request body and, when out is non-nil,
// decodes the response into it.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any, policy string, opts resilience.Options) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request body for %s: %w", path, err)
	}
	resp, err := c.Post(ctx, path, "application/json", payload, policy, opts)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

// Put issues a PUT with the given content type and body.
func (c *Client) Put(ctx context.Context, path, contentType string, body []byte, policy string, opts resilience.Options) (*Response, error) {
	return c.Do(ctx, Request{
		Method:      http.MethodPut,
		Path:        path,
		ContentType: contentType,
		Body:        body,
		Policy:      policy,
		Options:     opts,
	})
}

// Delete issues a DELETE to path.
func (c *Client) Delete(ctx context.Context, path, policy string, opts resilience.Options) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path, Policy: policy, Options: opts})
}

// Plain returns the underlying http.Client for callers that need a round
// trip with no retry or circuit breaking at all.
func (c *Client) Plain() *http.Client { return c.http }

// BaseURL returns the configured upstream base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}
