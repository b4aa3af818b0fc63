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
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/metrics"
	"github.com/orchest/sessions/internal/controller/runtime"
	"github.com/orchest/sessions/internal/log"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

const retireTimeout = 30 * time.Second

var errStillLaunching = errors.New("session still launching")

// Retire deletes the session row. Retiring an absent row is a no-op, so it
// is safe to call from every failure path. Transient store errors are
// retried for a short while.
func (s *Service) Retire(ctx context.Context, key backend.SessionKey) error {
	ctx = context.WithoutCancel(ctx)
	deleted, err := backoff.Retry(ctx, func() (bool, error) {
		return s.store.DeleteSession(ctx, s.store.DB(), key)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(retireTimeout))
	if err != nil {
		metrics.RecordPersistenceError("retire", sessionerrors.TypeOf(err))
		return fmt.Errorf("retiring session %s: %w", key, err)
	}
	if deleted {
		metrics.RecordTransition("DELETED")
	}
	return nil
}

// compensate retires a session after a failed collateral step.
func (s *Service) compensate(ctx context.Context, key backend.SessionKey, reason string, cause error) {
	logger := log.WithSessionContext(s.logger, key.ProjectUUID, key.PipelineUUID)
	logger.Error("retiring session after failure", slog.String("reason", reason), log.Error(cause))
	metrics.RecordCompensation(reason)
	if err := s.Retire(ctx, key); err != nil {
		logger.Error("failed to retire session", log.Error(err))
	}
}

// WaitForRunning polls the row until its launch has completed: the row is
// RUNNING, or it is STOPPING with handles recorded. It returns a nil session
// and no error when the row disappears, and *errors.TimeoutError once the
// configured wait bound passes.
func (s *Service) WaitForRunning(ctx context.Context, key backend.SessionKey) (*backend.Session, error) {
	sess, err := backoff.Retry(ctx, func() (*backend.Session, error) {
		sess, err := s.store.GetSession(ctx, s.store.DB(), key)
		if sessionerrors.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if sess.Status != backend.StatusRunning && len(sess.ContainerIDs) == 0 {
			return nil, errStillLaunching
		}
		return sess, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.cfg.WaitInterval)),
		backoff.WithMaxElapsedTime(s.cfg.WaitTimeout),
	)
	if errors.Is(err, errStillLaunching) {
		return nil, &sessionerrors.TimeoutError{
			Operation: "wait for session " + key.String() + " to run",
			Duration:  s.cfg.WaitTimeout,
			Cause:     err,
		}
	}
	return sess, err
}

// Reconcile retires sessions left LAUNCHING or STOPPING by a previous
// process. Their jobs lived in memory and will never complete, so any
// recorded resources are shut down and the rows deleted. It returns the
// number of sessions retired.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	stale, err := s.store.ListSessions(ctx, s.store.DB(), backend.SessionFilter{
		Statuses: []backend.SessionStatus{backend.StatusLaunching, backend.StatusStopping},
	})
	if err != nil {
		return 0, fmt.Errorf("listing stale sessions: %w", err)
	}

	var errs []error
	retired := 0
	for _, sess := range stale {
		logger := log.WithSessionContext(s.logger, sess.ProjectUUID, sess.PipelineUUID)
		if len(sess.ContainerIDs) > 0 {
			if err := s.runtime.Reconstruct(sess.SessionKey, runtime.HandlesFromSession(sess)).Shutdown(ctx); err != nil {
				logger.Warn("failed to shut down stale session resources", log.Error(err))
			}
		}
		metrics.RecordCompensation("reconcile")
		if err := s.Retire(ctx, sess.SessionKey); err != nil {
			errs = append(errs, err)
			continue
		}
		retired++
		logger.Info("stale session retired", slog.String("status", string(sess.Status)))
	}
	return retired, errors.Join(errs...)
}
