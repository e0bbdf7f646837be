/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package api wires the queue subsystems into the HTTP surface. main()
// builds a Server, calls Run, done.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nova-ops/nova/internal/audit"
	"github.com/nova-ops/nova/internal/config"
	"github.com/nova-ops/nova/internal/metrics"
	"github.com/nova-ops/nova/internal/notify"
	"github.com/nova-ops/nova/internal/queue"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server exposes the action queue over HTTP.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	coord    *queue.Coordinator
	registry *metrics.Registry
	auditor  *audit.Store // nil = audit endpoints unavailable
	notifier *notify.Notifier
	limiter  *clientRateLimiter

	promRegistry *prometheus.Registry
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	httpServer *http.Server
}

// New assembles the server from already-wired subsystems. auditor may be nil.
func New(
	cfg config.Config,
	coord *queue.Coordinator,
	registry *metrics.Registry,
	auditor *audit.Store,
	notifier *notify.Notifier,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		coord:    coord,
		registry: registry,
		auditor:  auditor,
		notifier: notifier,
		limiter:  newClientRateLimiter(RateLimitConfig{}),
	}
	s.initRuntimeMetrics()

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	handler = s.limiter.middleware(handler)
	handler = s.instrument(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting action queue server",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Bool("audit_persistent", s.auditor != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// initRuntimeMetrics sets up the process-level Prometheus registry
// served on /metrics/runtime. Domain metrics live in the custom
// registry on /metrics.
func (s *Server) initRuntimeMetrics() {
	s.promRegistry = prometheus.NewRegistry()
	s.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nova_http_requests_total",
			Help: "Total HTTP requests by method and status code.",
		},
		[]string{"method", "status"},
	)
	s.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nova_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
		},
		[]string{"method"},
	)
	s.promRegistry.MustRegister(s.httpRequests, s.httpDuration)
}

func (s *Server) runtimeMetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})
}
