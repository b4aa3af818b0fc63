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

// Package session implements the interactive session lifecycle: create,
// stop and restart-subresource, each as a two-phase function whose
// long-running half is handed to the job scheduler.
//
// Every failure path of a launch or a stop ends in Retire, which deletes the
// row. A row therefore never outlives the resources it describes for longer
// than the configured wait bound.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/queue"
	"github.com/orchest/sessions/internal/controller/runtime"
	"github.com/orchest/sessions/internal/controller/twophase"
	"github.com/orchest/sessions/internal/log"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

// Job kinds submitted by the lifecycle operations.
const (
	JobLaunch  = "launch_session"
	JobStop    = "stop_session"
	JobRestart = "restart_subresource"
)

// ErrNotStarted is returned by Create when the row is gone by the time it is
// read back after commit.
var ErrNotStarted = errors.New("could not start session")

// Submitter hands work to the background job scheduler.
type Submitter interface {
	Submit(ctx context.Context, kind string, fn queue.JobFunc) (string, error)
}

// RunAborter aborts the active pipeline run of a session inside a unit of
// work.
type RunAborter interface {
	AbortActiveRun(tc *twophase.TxnContext, key backend.SessionKey) (bool, error)
}

// Config holds the lifecycle timing knobs.
type Config struct {
	// WaitTimeout bounds how long a stop waits for a launching session.
	WaitTimeout time.Duration

	// WaitInterval is the poll spacing of that wait.
	WaitInterval time.Duration

	// LaunchTimeout bounds a single runtime launch. Zero means no bound.
	LaunchTimeout time.Duration

	// Subresource is the resource restarted by Restart.
	Subresource string
}

// DefaultConfig returns the production timing.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:   10 * time.Minute,
		WaitInterval:  time.Second,
		LaunchTimeout: 5 * time.Minute,
		Subresource:   runtime.ResourceMemoryServer,
	}
}

// Dependencies are the long-lived collaborators of a Service.
type Dependencies struct {
	Store    backend.Store
	Executor *twophase.Executor
	Jobs     Submitter
	Runtime  runtime.Runtime
	Runs     RunAborter
	Logger   *slog.Logger
}

// Service runs session lifecycle operations.
type Service struct {
	store   backend.Store
	exec    *twophase.Executor
	jobs    Submitter
	runtime runtime.Runtime
	cfg     Config
	logger  *slog.Logger

	create  *createFn
	stop    *stopFn
	restart *restartFn
}

// NewService wires a service. Zero fields of cfg take DefaultConfig values.
func NewService(deps Dependencies, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = def.WaitInterval
	}
	if cfg.Subresource == "" {
		cfg.Subresource = def.Subresource
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		store:   deps.Store,
		exec:    deps.Executor,
		jobs:    deps.Jobs,
		runtime: deps.Runtime,
		cfg:     cfg,
		logger:  log.WithComponent(logger, "session"),
	}
	s.create = &createFn{svc: s}
	s.stop = &stopFn{svc: s, runs: deps.Runs}
	s.restart = &restartFn{svc: s, runs: deps.Runs}
	return s
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	ProjectUUID  string `json:"project_uuid"`
	PipelineUUID string `json:"pipeline_uuid"`
	PipelinePath string `json:"pipeline_path"`
	ProjectDir   string `json:"project_dir"`
	HostUserdir  string `json:"host_userdir"`
}

// Key returns the session key of the request.
func (r CreateRequest) Key() backend.SessionKey {
	return backend.SessionKey{ProjectUUID: r.ProjectUUID, PipelineUUID: r.PipelineUUID}
}

// Validate checks the identifying fields.
func (r CreateRequest) Validate() error {
	if r.ProjectUUID == "" {
		return &sessionerrors.ValidationError{Field: "project_uuid", Message: "is required"}
	}
	if r.PipelineUUID == "" {
		return &sessionerrors.ValidationError{Field: "pipeline_uuid", Message: "is required"}
	}
	return nil
}

// Create inserts a LAUNCHING session and schedules its launch. It returns
// *errors.ConflictError when the key is taken and *errors.PreconditionError
// while a notebook image build is in progress.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*backend.Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := req.Key()

	// The unique key is the authoritative check; this one only avoids a
	// transaction for the common case.
	if _, err := s.store.GetSession(ctx, s.store.DB(), key); err == nil {
		return nil, &sessionerrors.ConflictError{Resource: "session", ID: key.String()}
	} else if !sessionerrors.IsNotFound(err) {
		return nil, err
	}

	if _, err := twophase.Execute(ctx, s.exec, s.create, req); err != nil {
		return nil, err
	}

	sess, err := s.store.GetSession(ctx, s.store.DB(), key)
	if sessionerrors.IsNotFound(err) {
		return nil, ErrNotStarted
	}
	return sess, err
}

// Stop marks the session STOPPING and schedules its teardown. It reports
// false, without scheduling anything, when no session exists. Collateral
// failures after commit are logged by the executor and not returned.
func (s *Service) Stop(ctx context.Context, key backend.SessionKey) (bool, error) {
	out, err := twophase.Execute(ctx, s.exec, s.stop, key)
	if !twophase.IsCommitted(err) {
		return false, err
	}
	return out.Proceeded(), nil
}

// Restart schedules a restart of the configured subresource. It reports
// false when no RUNNING session exists.
func (s *Service) Restart(ctx context.Context, key backend.SessionKey) (bool, error) {
	out, err := twophase.Execute(ctx, s.exec, s.restart, key)
	if !twophase.IsCommitted(err) {
		return false, err
	}
	return out.Proceeded(), nil
}

// Get returns one session or *errors.NotFoundError.
func (s *Service) Get(ctx context.Context, key backend.SessionKey) (*backend.Session, error) {
	return s.store.GetSession(ctx, s.store.DB(), key)
}

// List returns the sessions matching filter.
func (s *Service) List(ctx context.Context, filter backend.SessionFilter) ([]*backend.Session, error) {
	return s.store.ListSessions(ctx, s.store.DB(), filter)
}

func (s *Service) submit(ctx context.Context, kind string, key backend.SessionKey, fn queue.JobFunc) error {
	id, err := s.jobs.Submit(ctx, kind, fn)
	if err != nil {
		return fmt.Errorf("submitting %s for %s: %w", kind, key, err)
	}
	log.WithSessionContext(s.logger, key.ProjectUUID, key.PipelineUUID).
		Debug("job submitted", slog.String(log.JobKindKey, kind), slog.String(log.JobIDKey, id))
	return nil
}
