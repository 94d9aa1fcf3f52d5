// Package main is a small httpbin-style upstream simulator used by demos and
// integration tests. It can echo requests, return arbitrary status codes,
// delay responses, and fail a configurable number of times per key.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

func main() {
	port := flag.Int("port", 9090, "port to listen on")
	flag.Parse()

	sim := newSimulator()
	addr := fmt.Sprintf(":%d", *port)
	log.Printf("upstream simulator listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, sim.routes()))
}

// simulator holds the per-key failure counters behind /flaky.
type simulator struct {
	mu      sync.Mutex
	flakies map[string]int
}

func newSimulator() *simulator {
	return &simulator{flakies: make(map[string]int)}
}

func (s *simulator) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/get", s.echo)
	mux.HandleFunc("/post", s.echo)
	mux.HandleFunc("/status/", s.status)
	mux.HandleFunc("/delay/", s.delay)
	mux.HandleFunc("/flaky/", s.flaky)
	return mux
}

// echo returns the request details as JSON, httpbin-style.
func (s *simulator) echo(w http.ResponseWriter, r *http.Request) {
	var body string
	if r.Body != nil {
		b, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		body = string(b)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"method":    r.Method,
		"path":      r.URL.Path,
		"query":     r.URL.RawQuery,
		"headers":   flattenHeaders(r.Header),
		"body":      body,
		"origin":    r.RemoteAddr,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// status returns the HTTP status code named in the path.
// Example: GET /status/503 responds 503 Service Unavailable.
func (s *simulator) status(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/status/"))
	if err != nil || code < 100 || code > 599 {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, map[string]interface{}{
		"status":  code,
		"message": http.StatusText(code),
	})
}

// delay sleeps for the number of seconds named in the path, then echoes.
// The sleep is cut short if the client goes away.
func (s *simulator) delay(w http.ResponseWriter, r *http.Request) {
	seconds, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/delay/"))
	if err != nil || seconds < 0 {
		seconds = 1
	}
	if seconds > 60 {
		seconds = 60
	}

	select {
	case <-time.After(time.Duration(seconds) * time.Second):
	case <-r.Context().Done():
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"delayed_seconds": seconds,
		"path":            r.URL.Path,
	})
}

// flaky fails the first N requests per key with 503 and succeeds afterwards.
// N is taken from the "fails" query parameter on the key's first request;
// "?reset=1" starts the key over. Used to exercise retry behavior.
func (s *simulator) flaky(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/flaky/")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "missing key: use /flaky/{key}?fails=N",
		})
		return
	}

	fails, _ := strconv.Atoi(r.URL.Query().Get("fails"))
	if fails < 0 {
		fails = 0
	}

	s.mu.Lock()
	if r.URL.Query().Get("reset") != "" {
		delete(s.flakies, key)
	}
	seen, known := s.flakies[key]
	s.flakies[key] = seen + 1
	s.mu.Unlock()

	if !known {
		seen = 0
	}
	if seen < fails {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"key":       key,
			"attempt":   seen + 1,
			"remaining": fails - seen - 1,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":     key,
		"attempt": seen + 1,
		"status":  "ok",
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		flat[k] = strings.Join(v, ", ")
	}
	return flat
}
