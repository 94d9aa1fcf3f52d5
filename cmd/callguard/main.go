// Package main is the entry point for the callguard service. It loads
// configuration, builds the policy registry and the resilient executor,
// assembles the middleware stack, starts the HTTP server, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/callguard/callguard/internal/admin"
	"github.com/callguard/callguard/internal/api"
	"github.com/callguard/callguard/internal/auth"
	"github.com/callguard/callguard/internal/config"
	"github.com/callguard/callguard/internal/health"
	"github.com/callguard/callguard/internal/httpcall"
	"github.com/callguard/callguard/internal/logging"
	"github.com/callguard/callguard/internal/metrics"
	"github.com/callguard/callguard/internal/middleware"
	"github.com/callguard/callguard/internal/policy"
	"github.com/callguard/callguard/internal/ratelimit"
	"github.com/callguard/callguard/internal/resilience"
	"github.com/callguard/callguard/internal/tlsutil"
)

func main() {
	configPath := flag.String("config", "configs/callguard.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"upstream", cfg.Upstream.BaseURL,
		"policies", cfg.PolicyNames(),
		"rate_limit_enabled", cfg.RateLimit.IsEnabled(),
		"admin_enabled", cfg.Admin.Enabled,
		"tls_enabled", cfg.Server.TLS.Enabled,
	)

	metrics.Init()

	// Policy registry: the exclusive owner of all breaker state.
	bundles, err := cfg.Bundles()
	if err != nil {
		logger.Error("failed to build policy bundles", "error", err)
		os.Exit(1)
	}
	registry, err := policy.NewRegistry(bundles, logger)
	if err != nil {
		logger.Error("failed to create policy registry", "error", err)
		os.Exit(1)
	}

	executor := resilience.NewExecutor(registry, logger)

	client, err := httpcall.New(cfg.Upstream.BaseURL, cfg.Upstream.RequestTimeout, executor, logger)
	if err != nil {
		logger.Error("failed to create upstream client", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	// Public API behind the middleware chain:
	// RequestID → Recovery → SecurityHeaders → BodyLimit → RateLimit → Deadline → Logging
	apiMux := http.NewServeMux()
	api.New(client, executor, logger).RegisterRoutes(apiMux)

	var handler http.Handler = apiMux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.Recovery(logger)(handler)
	handler = middleware.RequestID(handler)

	// Config reloader for policy hot-swaps.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
		newBundles, err := newCfg.Bundles()
		if err != nil {
			logger.Error("reload: rebuilding policy bundles failed", "error", err)
			return
		}
		if err := registry.Apply(newBundles); err != nil {
			logger.Error("reload: applying policy bundles failed", "error", err)
			return
		}
		logger.Info("policy bundles reloaded", "policies", newCfg.PolicyNames())
	})

	// Ops endpoints bypass the public middleware chain.
	opsMux := http.NewServeMux()
	health.New(cfg.Upstream.BaseURL, registry, logger).RegisterRoutes(opsMux)
	opsMux.Handle("/metrics", metrics.Handler())
	if cfg.Admin.Enabled {
		adminMux := http.NewServeMux()
		admin.New(reloader, registry, limiter, cfg.Admin.AllowFrom, logger).RegisterRoutes(adminMux)

		var adminHandler http.Handler = adminMux
		if cfg.Admin.Auth.Enabled {
			adminHandler = auth.Middleware(cfg.Admin.Auth, logger)(adminHandler)
		}
		opsMux.Handle("/admin/", adminHandler)
		logger.Info("admin API registered", "allow_from", cfg.Admin.AllowFrom)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/ready" ||
			r.URL.Path == "/metrics" || strings.HasPrefix(r.URL.Path, "/admin/") {
			opsMux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.Loader
	if cfg.Server.TLS.Enabled {
		certLoader, err = tlsutil.NewLoader(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()
		srv.TLSConfig = &tls.Config{
			GetCertificate: certLoader.GetCertificate,
			MinVersion:     tlsutil.MinVersion(cfg.Server.TLS.MinVersion),
		}
	}

	go func() {
		logger.Info("starting callguard", "addr", srv.Addr)
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("callguard stopped gracefully")
}

// buildLogger creates the process logger per the logging config: JSON to
// stdout, or to a size-rotating file when one is configured.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stdout
	closeFn := func() {}

	if cfg.File.Path != "" {
		rw, err := logging.NewRotatingWriter(cfg.File.Path, cfg.File.MaxSizeMB, cfg.File.MaxBackups, cfg.File.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		out = rw
		closeFn = func() { rw.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return logger, closeFn, nil
}
