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

package session

import (
	"context"
	"log/slog"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/metrics"
	"github.com/orchest/sessions/internal/controller/runtime"
	"github.com/orchest/sessions/internal/controller/twophase"
	"github.com/orchest/sessions/internal/log"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

// ConditionBuildInProgress is the precondition reported while a notebook
// image build is pending or started.
const ConditionBuildInProgress = "JupyterBuildInProgress"

type createFn struct {
	svc *Service
}

var _ twophase.Function[CreateRequest, CreateRequest] = (*createFn)(nil)

func (f *createFn) Name() string { return "create_session" }

func (f *createFn) Transaction(tc *twophase.TxnContext, req CreateRequest) (twophase.Outcome[CreateRequest], error) {
	ctx := tc.Context()
	store := f.svc.store

	build, err := store.LatestBuild(ctx, tc.Tx)
	switch {
	case err == nil && build.Status.InProgress():
		return twophase.Skip[CreateRequest](), &sessionerrors.PreconditionError{
			Condition: ConditionBuildInProgress,
			Message:   "build " + build.UUID + " is " + string(build.Status),
		}
	case err != nil && !sessionerrors.IsNotFound(err):
		return twophase.Skip[CreateRequest](), err
	}

	sess := &backend.Session{SessionKey: req.Key(), Status: backend.StatusLaunching}
	if err := store.InsertSession(ctx, tc.Tx, sess); err != nil {
		return twophase.Skip[CreateRequest](), err
	}
	return twophase.Proceed(req), nil
}

func (f *createFn) Collateral(ctx context.Context, req CreateRequest) error {
	key := req.Key()
	metrics.RecordTransition(string(backend.StatusLaunching))
	err := f.svc.submit(ctx, JobLaunch, key, func(jobCtx context.Context) error {
		return f.svc.launch(jobCtx, req)
	})
	if err != nil {
		// Nothing will ever move the row out of LAUNCHING.
		f.svc.compensate(ctx, key, "submit_failed", err)
		return err
	}
	return nil
}

// launch is the background half of Create.
func (s *Service) launch(ctx context.Context, req CreateRequest) error {
	key := req.Key()
	logger := log.WithSessionContext(s.logger, key.ProjectUUID, key.PipelineUUID)

	launchCtx := ctx
	if s.cfg.LaunchTimeout > 0 {
		var cancel context.CancelFunc
		launchCtx, cancel = context.WithTimeout(ctx, s.cfg.LaunchTimeout)
		defer cancel()
	}

	rs, err := s.runtime.Launch(launchCtx, runtime.LaunchSpec{
		Key:          key,
		PipelinePath: req.PipelinePath,
		ProjectDir:   req.ProjectDir,
		HostUserdir:  req.HostUserdir,
	})
	if err != nil {
		s.compensate(ctx, key, "launch_failed", err)
		return err
	}

	h := rs.Handles()
	updated, err := s.store.MarkSessionRunning(ctx, s.store.DB(), &backend.Session{
		SessionKey:         key,
		Status:             backend.StatusRunning,
		ContainerIDs:       h.ContainerIDs,
		JupyterServerIP:    h.JupyterServerIP,
		NotebookServerInfo: h.NotebookServerInfo,
	})
	if err != nil {
		metrics.RecordPersistenceError("mark_running", sessionerrors.TypeOf(err))
		s.shutdownQuietly(ctx, rs, logger)
		s.compensate(ctx, key, "launch_failed", err)
		return err
	}
	if !updated {
		// The row was retired while the launch was in flight.
		logger.Warn("session row gone after launch, shutting down resources")
		metrics.RecordCompensation("orphaned")
		s.shutdownQuietly(ctx, rs, logger)
		return nil
	}

	metrics.RecordTransition(string(backend.StatusRunning))
	logger.Info("session running", slog.String("jupyter_server_ip", h.JupyterServerIP))
	return nil
}

func (s *Service) shutdownQuietly(ctx context.Context, rs runtime.Session, logger *slog.Logger) {
	if err := rs.Shutdown(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to shut down session resources", log.Error(err))
	}
}
