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
	"github.com/orchest/sessions/internal/controller/runtime"
	"github.com/orchest/sessions/internal/controller/twophase"
	"github.com/orchest/sessions/internal/log"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

type restartPayload struct {
	Key     backend.SessionKey
	Handles runtime.Handles
}

type restartFn struct {
	svc  *Service
	runs RunAborter
}

var _ twophase.Function[backend.SessionKey, restartPayload] = (*restartFn)(nil)

func (f *restartFn) Name() string { return "restart_subresource" }

// Transaction only reads the row; a restart keeps every handle.
func (f *restartFn) Transaction(tc *twophase.TxnContext, key backend.SessionKey) (twophase.Outcome[restartPayload], error) {
	sess, err := f.svc.store.GetSessionForUpdate(tc.Context(), tc.Tx, key)
	if sessionerrors.IsNotFound(err) {
		return twophase.Skip[restartPayload](), nil
	}
	if err != nil {
		return twophase.Skip[restartPayload](), err
	}
	if sess.Status != backend.StatusRunning {
		return twophase.Skip[restartPayload](), nil
	}

	if f.runs != nil {
		if _, err := f.runs.AbortActiveRun(tc, key); err != nil {
			return twophase.Skip[restartPayload](), err
		}
	}
	return twophase.Proceed(restartPayload{Key: key, Handles: runtime.HandlesFromSession(sess)}), nil
}

func (f *restartFn) Collateral(ctx context.Context, p restartPayload) error {
	return f.svc.submit(ctx, JobRestart, p.Key, func(jobCtx context.Context) error {
		return f.svc.restartSubresource(jobCtx, p)
	})
}

// restartSubresource leaves the row alone even on failure; nothing was
// mutated to compensate for.
func (s *Service) restartSubresource(ctx context.Context, p restartPayload) error {
	logger := log.WithSessionContext(s.logger, p.Key.ProjectUUID, p.Key.PipelineUUID).
		With(slog.String("resource", s.cfg.Subresource))

	if err := s.runtime.Reconstruct(p.Key, p.Handles).RestartSubresource(ctx, s.cfg.Subresource); err != nil {
		logger.Error("subresource restart failed", log.Error(err))
		return err
	}
	logger.Info("subresource restarted")
	return nil
}
