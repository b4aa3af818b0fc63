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
	"errors"
	"log/slog"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/metrics"
	"github.com/orchest/sessions/internal/controller/runtime"
	"github.com/orchest/sessions/internal/controller/twophase"
	"github.com/orchest/sessions/internal/log"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

// stopPayload is captured before the row is touched; the row may be deleted
// by the time the teardown job runs.
type stopPayload struct {
	Key         backend.SessionKey
	PriorStatus backend.SessionStatus
	Handles     runtime.Handles
}

type stopFn struct {
	svc  *Service
	runs RunAborter
}

var _ twophase.Function[backend.SessionKey, stopPayload] = (*stopFn)(nil)

func (f *stopFn) Name() string { return "stop_session" }

func (f *stopFn) Transaction(tc *twophase.TxnContext, key backend.SessionKey) (twophase.Outcome[stopPayload], error) {
	ctx := tc.Context()
	store := f.svc.store

	sess, err := store.GetSessionForUpdate(ctx, tc.Tx, key)
	if sessionerrors.IsNotFound(err) {
		return twophase.Skip[stopPayload](), nil
	}
	if err != nil {
		return twophase.Skip[stopPayload](), err
	}
	if err := checkTransition(sess.Status, backend.StatusStopping); err != nil {
		return twophase.Skip[stopPayload](), err
	}

	if f.runs != nil {
		if _, err := f.runs.AbortActiveRun(tc, key); err != nil {
			return twophase.Skip[stopPayload](), err
		}
	}

	payload := stopPayload{
		Key:         key,
		PriorStatus: sess.Status,
		Handles:     runtime.HandlesFromSession(sess),
	}
	if _, err := store.SetSessionStatus(ctx, tc.Tx, key, backend.StatusStopping); err != nil {
		return twophase.Skip[stopPayload](), err
	}
	return twophase.Proceed(payload), nil
}

func (f *stopFn) Collateral(ctx context.Context, p stopPayload) error {
	metrics.RecordTransition(string(backend.StatusStopping))
	err := f.svc.submit(ctx, JobStop, p.Key, func(jobCtx context.Context) error {
		return f.svc.teardown(jobCtx, p)
	})
	if err != nil {
		f.svc.compensate(ctx, p.Key, "submit_failed", err)
		return err
	}
	return nil
}

// teardown is the background half of Stop. The row is gone when it returns,
// whatever happened to the resources.
func (s *Service) teardown(ctx context.Context, p stopPayload) error {
	logger := log.WithSessionContext(s.logger, p.Key.ProjectUUID, p.Key.PipelineUUID)

	handles := p.Handles
	if p.PriorStatus == backend.StatusLaunching {
		sess, err := s.WaitForRunning(ctx, p.Key)
		if err != nil {
			reason := "stop_failed"
			var timeout *sessionerrors.TimeoutError
			if errors.As(err, &timeout) {
				reason = "wait_timeout"
			}
			s.compensate(ctx, p.Key, reason, err)
			return err
		}
		if sess == nil {
			logger.Debug("launch already compensated, nothing to stop")
			return nil
		}
		handles = runtime.HandlesFromSession(sess)
	}

	shutdownErr := s.runtime.Reconstruct(p.Key, handles).Shutdown(ctx)
	if shutdownErr != nil {
		s.compensate(ctx, p.Key, "stop_failed", shutdownErr)
		return shutdownErr
	}

	if err := s.Retire(ctx, p.Key); err != nil {
		return err
	}
	logger.Info("session stopped", slog.String("prior_status", string(p.PriorStatus)))
	return nil
}
