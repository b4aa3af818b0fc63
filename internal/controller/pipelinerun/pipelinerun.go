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

// Package pipelinerun aborts interactive pipeline runs as part of a
// session's unit of work.
package pipelinerun

import (
	"context"
	"log/slog"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/twophase"
	"github.com/orchest/sessions/internal/log"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

// Canceller stops the execution behind an aborted run.
type Canceller interface {
	Cancel(ctx context.Context, run *backend.PipelineRun) error
}

// LoggingCanceller only records the cancellation. It is the default when no
// execution backend is attached to the control plane.
type LoggingCanceller struct {
	Logger *slog.Logger
}

func (c LoggingCanceller) Cancel(_ context.Context, run *backend.PipelineRun) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	log.WithSessionContext(logger, run.ProjectUUID, run.PipelineUUID).
		Info("pipeline run cancelled", slog.String("run_uuid", run.UUID))
	return nil
}

// Abort is the two-phase function that aborts the active run of a pipeline.
// The transaction phase marks the run ABORTED; the collateral phase hands it
// to the Canceller.
type Abort struct {
	store     backend.RunStore
	canceller Canceller
}

var _ twophase.Function[backend.SessionKey, *backend.PipelineRun] = (*Abort)(nil)

// NewAbort returns the abort function.
func NewAbort(store backend.RunStore, canceller Canceller) *Abort {
	return &Abort{store: store, canceller: canceller}
}

func (a *Abort) Name() string { return "abort_pipeline_run" }

func (a *Abort) Transaction(tc *twophase.TxnContext, key backend.SessionKey) (twophase.Outcome[*backend.PipelineRun], error) {
	run, err := a.store.ActiveRun(tc.Context(), tc.Tx, key)
	if sessionerrors.IsNotFound(err) {
		return twophase.Skip[*backend.PipelineRun](), nil
	}
	if err != nil {
		return twophase.Skip[*backend.PipelineRun](), err
	}

	if _, err := a.store.SetRunStatus(tc.Context(), tc.Tx, run.UUID, backend.RunAborted); err != nil {
		return twophase.Skip[*backend.PipelineRun](), err
	}
	run.Status = backend.RunAborted
	tc.Logger.Debug("aborting pipeline run", slog.String("run_uuid", run.UUID), slog.String("session", key.String()))
	return twophase.Proceed(run), nil
}

func (a *Abort) Collateral(ctx context.Context, run *backend.PipelineRun) error {
	return a.canceller.Cancel(ctx, run)
}

// Coordinator composes run aborts into a caller's unit of work.
type Coordinator struct {
	abort *Abort
}

// NewCoordinator returns a coordinator. A nil canceller logs cancellations.
func NewCoordinator(store backend.RunStore, canceller Canceller, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if canceller == nil {
		canceller = LoggingCanceller{Logger: log.WithComponent(logger, "pipelinerun")}
	}
	return &Coordinator{abort: NewAbort(store, canceller)}
}

// AbortActiveRun aborts the active run of key inside tc. It reports false
// when the pipeline had no active run.
func (c *Coordinator) AbortActiveRun(tc *twophase.TxnContext, key backend.SessionKey) (bool, error) {
	out, err := twophase.Do(tc, c.abort, key)
	if err != nil {
		return false, err
	}
	return out.Proceeded(), nil
}
