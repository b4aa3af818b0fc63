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

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/orchest/sessions/internal/config"
	"github.com/orchest/sessions/internal/controller/api"
	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/backend/postgres"
	"github.com/orchest/sessions/internal/controller/backend/sqlite"
	"github.com/orchest/sessions/internal/controller/listener"
	"github.com/orchest/sessions/internal/controller/pipelinerun"
	"github.com/orchest/sessions/internal/controller/queue"
	"github.com/orchest/sessions/internal/controller/runtime"
	"github.com/orchest/sessions/internal/controller/session"
	"github.com/orchest/sessions/internal/controller/twophase"
	internallog "github.com/orchest/sessions/internal/log"
	"github.com/orchest/sessions/internal/tracing"
)

// Options contains controller options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Logger overrides the logger built from cfg.Log.
	Logger *slog.Logger

	// Runtime overrides the runtime selected by cfg.Runtime.
	Runtime runtime.Runtime
}

// Controller is the sessiond service: the store, the job scheduler, the
// session service and the HTTP API bound together.
type Controller struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	store     backend.Store
	scheduler *queue.Scheduler
	sessions  *session.Service
	router    *api.Router
	otel      *tracing.Provider

	mu      sync.Mutex
	started bool
	server  *http.Server
	ln      net.Listener
	ready   chan struct{}
}

// New creates a new controller instance. The store is opened and migrated
// here; nothing listens until Start.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = internallog.New(&internallog.Config{
			Level:     cfg.Log.Level,
			Format:    internallog.Format(cfg.Log.Format),
			Output:    os.Stderr,
			AddSource: cfg.Log.AddSource,
		})
	}

	c := &Controller{
		cfg:    cfg,
		opts:   opts,
		logger: internallog.WithComponent(logger, "controller"),
		ready:  make(chan struct{}),
	}

	obs := cfg.Observability
	if obs.Tracing.Enabled || obs.MetricsEnabled {
		provider, err := tracing.NewProvider(context.Background(), observabilityToTracingConfig(obs, opts.Version))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		c.otel = provider
	}

	store, err := openStore(cfg.Backend, cfg)
	if err != nil {
		c.shutdownTelemetry(context.Background())
		return nil, err
	}
	c.store = store

	rt := opts.Runtime
	if rt == nil {
		rt, err = newRuntime(cfg.Runtime, logger)
		if err != nil {
			store.Close()
			c.shutdownTelemetry(context.Background())
			return nil, err
		}
	}

	c.scheduler = queue.NewScheduler(queue.Config{
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
	}, logger)

	runs := pipelinerun.NewCoordinator(store, pipelinerun.LoggingCanceller{Logger: logger}, logger)

	c.sessions = session.NewService(session.Dependencies{
		Store:    store,
		Executor: twophase.NewExecutor(store.DB(), twophase.WithLogger(logger)),
		Jobs:     c.scheduler,
		Runtime:  rt,
		Runs:     runs,
		Logger:   logger,
	}, session.Config{
		WaitTimeout:   cfg.Session.WaitTimeout,
		WaitInterval:  cfg.Session.WaitInterval,
		LaunchTimeout: cfg.Session.LaunchTimeout,
		Subresource:   cfg.Session.Subresource,
	})

	c.router = api.NewRouter(api.RouterConfig{
		Version:     opts.Version,
		Commit:      opts.Commit,
		BuildDate:   opts.BuildDate,
		LaunchRate:  cfg.API.LaunchRate,
		LaunchBurst: cfg.API.LaunchBurst,
		Metrics:     obs.MetricsEnabled,
		CORSOrigins: cfg.API.CORSOrigins,
	}, c.sessions, logger)
	c.router.AddHealthCheck("store", func(ctx context.Context) error {
		return store.DB().PingContext(ctx)
	})

	return c, nil
}

func openStore(cfg config.BackendConfig, root *config.Config) (backend.Store, error) {
	switch cfg.Type {
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Postgres.ConnectTimeout)
		defer cancel()
		store, err := postgres.Open(ctx, postgres.Config{
			ConnectionString: cfg.Postgres.ConnectionString,
			MaxOpenConns:     cfg.Postgres.MaxOpenConns,
			MaxIdleConns:     cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime:  cfg.Postgres.ConnMaxLifetime,
			ConnectTimeout:   cfg.Postgres.ConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres backend: %w", err)
		}
		return store, nil
	case "sqlite", "":
		store, err := sqlite.Open(sqlite.Config{Path: root.SQLitePath(), WAL: true})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

func newRuntime(cfg config.RuntimeConfig, logger *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Type {
	case "noop":
		return runtime.Noop{JupyterPort: cfg.Docker.JupyterPort}, nil
	case "docker", "":
		rt, err := runtime.NewDocker(runtime.DockerConfig{
			Host:               cfg.Docker.Host,
			Network:            cfg.Docker.Network,
			MemoryServerImage:  cfg.Docker.MemoryServerImage,
			KernelGatewayImage: cfg.Docker.KernelGatewayImage,
			JupyterServerImage: cfg.Docker.JupyterServerImage,
			JupyterPort:        cfg.Docker.JupyterPort,
			Labels:             cfg.Docker.Labels,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create docker runtime: %w", err)
		}
		return rt, nil
	default:
		return nil, fmt.Errorf("unknown runtime type %q", cfg.Type)
	}
}

// Handler returns the API handler. Useful for serving the API in-process.
func (c *Controller) Handler() http.Handler {
	return c.router
}

// Sessions returns the session service.
func (c *Controller) Sessions() *session.Service {
	return c.sessions
}

// Ready is closed once the listener is bound.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

// Addr returns the bound address, or nil before Ready.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Start starts the controller and blocks until the context is cancelled or
// the server fails.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true
	c.mu.Unlock()

	if c.cfg.Listen.TCPAddr != "" && listener.IsRemoteAddr(c.cfg.Listen.TCPAddr) && c.cfg.Listen.TLSCert == "" {
		c.logger.Warn("API exposed on a non-loopback address without TLS",
			slog.String("addr", c.cfg.Listen.TCPAddr))
	}

	// Sessions left mid-transition by a previous process have no owner
	// anymore; clear them before accepting new requests.
	if c.cfg.Session.ReconcileOnStart {
		n, err := c.sessions.Reconcile(ctx)
		if err != nil {
			c.logger.Warn("failed to reconcile sessions", internallog.Error(err))
		} else if n > 0 {
			c.logger.Info("reconciled stale sessions", slog.Int("count", n))
		}
	}

	c.scheduler.Start()

	ln, err := listener.New(c.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	c.mu.Lock()
	c.ln = ln
	c.server = &http.Server{
		Handler:           c.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := c.server
	c.mu.Unlock()
	close(c.ready)

	c.logger.Info("controller started",
		slog.String("addr", ln.Addr().String()),
		slog.String("version", c.opts.Version),
		slog.String("backend", c.cfg.Backend.Type),
		slog.String("runtime", c.cfg.Runtime.Type))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting requests, drains the job scheduler and closes
// the store.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	if c.server != nil {
		c.server.SetKeepAlivesEnabled(false)
		shutdownCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
		defer cancel()
		if err := c.server.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	// Jobs still running after the drain timeout are cancelled; their
	// sessions are picked up by reconciliation on the next start.
	drainCtx, drainCancel := context.WithTimeout(ctx, c.cfg.Scheduler.DrainTimeout)
	defer drainCancel()
	if err := c.scheduler.Shutdown(drainCtx); err != nil {
		c.logger.Warn("drain timeout exceeded",
			internallog.Error(err),
			slog.Int("pending_jobs", c.scheduler.Len()),
			slog.Duration("drain_timeout", c.cfg.Scheduler.DrainTimeout))
	} else {
		c.logger.Info("job scheduler drained")
	}

	if c.cfg.Listen.SocketPath != "" && c.cfg.Listen.TCPAddr == "" {
		if err := os.Remove(c.cfg.Listen.SocketPath); err != nil && !os.IsNotExist(err) {
			c.logger.Error("failed to remove socket file",
				internallog.Error(err),
				slog.String("path", c.cfg.Listen.SocketPath))
		}
	}

	c.shutdownTelemetry(ctx)

	if err := c.store.Close(); err != nil {
		c.logger.Error("failed to close backend", internallog.Error(err))
	}

	c.started = false
	c.logger.Info("controller stopped")
	return nil
}

func (c *Controller) shutdownTelemetry(ctx context.Context) {
	if c.otel == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.otel.Shutdown(shutdownCtx); err != nil {
		c.logger.Error("OpenTelemetry provider shutdown error", internallog.Error(err))
	}
}

// observabilityToTracingConfig converts config.ObservabilityConfig to tracing.Config.
func observabilityToTracingConfig(obs config.ObservabilityConfig, version string) tracing.Config {
	return tracing.Config{
		Enabled:        obs.Tracing.Enabled,
		ServiceName:    "sessiond",
		ServiceVersion: version,
		Exporter:       obs.Tracing.Exporter,
		Endpoint:       obs.Tracing.Endpoint,
		Insecure:       obs.Tracing.Insecure,
		SampleRatio:    obs.Tracing.SampleRatio,
	}
}
