// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api provides the HTTP API of the session daemon.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/middleware"
	"github.com/orchest/sessions/internal/controller/session"
	"github.com/orchest/sessions/internal/log"
	"github.com/orchest/sessions/internal/tracing"
)

// SessionService is the lifecycle surface the handlers drive.
type SessionService interface {
	Create(ctx context.Context, req session.CreateRequest) (*backend.Session, error)
	Stop(ctx context.Context, key backend.SessionKey) (bool, error)
	Restart(ctx context.Context, key backend.SessionKey) (bool, error)
	Get(ctx context.Context, key backend.SessionKey) (*backend.Session, error)
	List(ctx context.Context, filter backend.SessionFilter) ([]*backend.Session, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string

	// LaunchRate limits POST /api/sessions/ per second. Zero disables it.
	LaunchRate  float64
	LaunchBurst int

	// Metrics exposes GET /metrics.
	Metrics bool

	// CORSOrigins enables browser access from these origins.
	CORSOrigins []string
}

// Router wraps an http.ServeMux with the middleware chain.
type Router struct {
	mux      *http.ServeMux
	handler  http.Handler
	config   RouterConfig
	sessions SessionService
	limiter  *rate.Limiter
	checks   map[string]HealthCheck
	logger   *slog.Logger
}

// NewRouter creates a router with all API endpoints registered.
func NewRouter(cfg RouterConfig, sessions SessionService, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:      http.NewServeMux(),
		config:   cfg,
		sessions: sessions,
		checks:   make(map[string]HealthCheck),
		logger:   log.WithComponent(logger, "api"),
	}
	if cfg.LaunchRate > 0 {
		burst := cfg.LaunchBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.LaunchRate), burst)
	}

	r.mux.HandleFunc("GET /api/sessions/{$}", r.handleListSessions)
	r.mux.HandleFunc("POST /api/sessions/{$}", r.handleCreateSession)
	r.mux.HandleFunc("GET /api/sessions/{project_uuid}/{pipeline_uuid}", r.handleGetSession)
	r.mux.HandleFunc("DELETE /api/sessions/{project_uuid}/{pipeline_uuid}", r.handleStopSession)
	r.mux.HandleFunc("PUT /api/sessions/{project_uuid}/{pipeline_uuid}", r.handleRestartSession)

	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.HandleFunc("GET /api/version", r.handleVersion)
	if cfg.Metrics {
		r.mux.Handle("GET /metrics", promhttp.Handler())
	}

	// Logging is outermost so it sees the final status.
	cors := middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSOrigins})
	r.handler = log.HTTPMiddleware(r.logger, tracing.HTTPMiddleware(cors(r.mux)))
	return r
}

// AddHealthCheck registers a dependency check reported by /api/health.
func (r *Router) AddHealthCheck(name string, check HealthCheck) {
	r.checks[name] = check
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}
