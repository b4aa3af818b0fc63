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

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/orchest/sessions/internal/controller/backend"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

type buildRow struct {
	UUID          string    `db:"uuid"`
	Status        string    `db:"status"`
	RequestedTime timestamp `db:"requested_time"`
	StartedTime   timestamp `db:"started_time"`
	FinishedTime  timestamp `db:"finished_time"`
}

// CreateBuild records a build request.
func (s *Store) CreateBuild(ctx context.Context, q backend.Queryer, b *backend.Build) error {
	if b.RequestedTime.IsZero() {
		b.RequestedTime = s.now()
	}
	query := q.Rebind(`INSERT INTO jupyter_builds (uuid, status, requested_time, started_time, finished_time)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := q.ExecContext(ctx, query, b.UUID, string(b.Status), b.RequestedTime.UTC(),
		nullTime(b.StartedTime), nullTime(b.FinishedTime))
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return &sessionerrors.ConflictError{Resource: "build", ID: b.UUID, Cause: err}
		}
		return fmt.Errorf("failed to insert build: %w", err)
	}
	return nil
}

// SetBuildStatus moves a build to status.
func (s *Store) SetBuildStatus(ctx context.Context, q backend.Queryer, uuid string, status backend.BuildStatus) (bool, error) {
	now := s.now()
	query := `UPDATE jupyter_builds SET status = ?`
	args := []any{string(status)}
	switch status {
	case backend.BuildStarted:
		query += ", started_time = ?"
		args = append(args, now)
	case backend.BuildSuccess, backend.BuildFailure, backend.BuildAborted:
		query += ", finished_time = ?"
		args = append(args, now)
	}
	query += " WHERE uuid = ?"
	args = append(args, uuid)

	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("failed to set build status: %w", err)
	}
	return affected(res)
}

// LatestBuild returns the most recently requested build.
func (s *Store) LatestBuild(ctx context.Context, q backend.Queryer) (*backend.Build, error) {
	var row buildRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT uuid, status, requested_time, started_time, finished_time
		FROM jupyter_builds ORDER BY requested_time DESC LIMIT 1`)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &sessionerrors.NotFoundError{Resource: "build", ID: "latest"}
		}
		return nil, fmt.Errorf("failed to get latest build: %w", err)
	}
	return &backend.Build{
		UUID:          row.UUID,
		Status:        backend.BuildStatus(row.Status),
		RequestedTime: row.RequestedTime.Time,
		StartedTime:   row.StartedTime.ptr(),
		FinishedTime:  row.FinishedTime.ptr(),
	}, nil
}
