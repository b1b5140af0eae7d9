// Package server implements the HTTP transport layer: the proxied
// `/v1/*` surface, health/readiness probes, Prometheus metrics, and the
// admin endpoints for status, utilisation ingest, and config reload.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaystack/subrelay/internal/telemetry"
	"github.com/relaystack/subrelay/internal/tracker"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Reloader applies a fresh subscription set, e.g. on a config reload.
type Reloader interface {
	Reload()
}

// ExternalAccess controls admission to the proxy route (`/v1/*`) for
// callers outside the loopback trust boundary: a loopback peer is always
// admitted; a remote peer is admitted only when Enabled is true, its
// X-Api-Token header matches Token, and -- if AllowedClients is
// non-empty -- its X-Client-Id header is a member of that list.
type ExternalAccess struct {
	Enabled        bool
	Token          string
	AllowedClients []string
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Dispatcher     http.Handler // handles /v1/*
	Tracker        *tracker.Tracker
	Reloader       Reloader           // nil = /admin/v1/reload disabled
	Metrics        *telemetry.Metrics // nil = no request-level metrics middleware
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready
	External       ExternalAccess     // admission policy for /v1/*
	AdminToken     string             // shared secret gating /admin/v1/*; empty disables admin routes entirely
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.edgeAdmission)
		r.Handle("/*", s.deps.Dispatcher)
	})

	if deps.AdminToken != "" {
		r.Route("/admin/v1", func(r chi.Router) {
			r.Use(s.requireAdminToken)
			r.Get("/status", s.handleStatus)
			r.Put("/utilisation", s.handleUtilisation)
			r.Post("/reload", s.handleReload)
		})
	}

	return r
}

type server struct {
	deps Deps
}
