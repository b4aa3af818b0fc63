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
	"os"
	"os/signal"
	"syscall"

	"github.com/orchest/sessions/internal/config"
	"github.com/orchest/sessions/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath is an optional YAML configuration file.
	ConfigPath string

	// Config overrides
	BackendType string
	PostgresURL string
	RuntimeType string
	DataDir     string
	SocketPath  string
	TCPAddr     string
	TLSCert     string
	TLSKey      string
	AllowRemote bool
}

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func Run(opts RunOptions) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := applyOverrides(cfg, opts); err != nil {
		logger.Error("Invalid configuration", slog.Any("error", err))
		return err
	}
	if opts.AllowRemote {
		logger.Warn("--allow-remote is enabled. The daemon will accept connections from any network address. Ensure TLS is configured for production use.")
	}

	c, err := New(cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	})
	if err != nil {
		logger.Error("Failed to create controller", slog.Any("error", err))
		return fmt.Errorf("failed to create controller: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		if err := c.Shutdown(context.Background()); err != nil {
			logger.Error("Error during shutdown", slog.Any("error", err))
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	case err := <-errCh:
		_ = c.Shutdown(context.Background())
		if err != nil {
			logger.Error("Controller error", slog.Any("error", err))
			return fmt.Errorf("controller error: %w", err)
		}
		return nil
	}
}

// applyOverrides layers command line flags over the loaded configuration
// and validates the result again.
func applyOverrides(cfg *config.Config, opts RunOptions) error {
	if opts.BackendType != "" {
		cfg.Backend.Type = opts.BackendType
	}
	if opts.PostgresURL != "" {
		cfg.Backend.Postgres.ConnectionString = opts.PostgresURL
	}
	if opts.RuntimeType != "" {
		cfg.Runtime.Type = opts.RuntimeType
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.SocketPath != "" {
		cfg.Listen.SocketPath = opts.SocketPath
	}
	if opts.TCPAddr != "" {
		cfg.Listen.TCPAddr = opts.TCPAddr
	}
	if opts.TLSCert != "" {
		cfg.Listen.TLSCert = opts.TLSCert
	}
	if opts.TLSKey != "" {
		cfg.Listen.TLSKey = opts.TLSKey
	}
	if opts.AllowRemote {
		cfg.Listen.AllowRemote = true
	}
	return cfg.Validate()
}
