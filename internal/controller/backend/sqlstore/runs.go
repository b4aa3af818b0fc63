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

const runColumns = `uuid, project_uuid, pipeline_uuid, status, created_at, updated_at`

type runRow struct {
	UUID         string    `db:"uuid"`
	ProjectUUID  string    `db:"project_uuid"`
	PipelineUUID string    `db:"pipeline_uuid"`
	Status       string    `db:"status"`
	CreatedAt    timestamp `db:"created_at"`
	UpdatedAt    timestamp `db:"updated_at"`
}

func (r *runRow) toRun() *backend.PipelineRun {
	return &backend.PipelineRun{
		UUID:         r.UUID,
		ProjectUUID:  r.ProjectUUID,
		PipelineUUID: r.PipelineUUID,
		Status:       backend.RunStatus(r.Status),
		CreatedAt:    r.CreatedAt.Time,
		UpdatedAt:    r.UpdatedAt.Time,
	}
}

// CreateRun records an interactive pipeline run.
func (s *Store) CreateRun(ctx context.Context, q backend.Queryer, r *backend.PipelineRun) error {
	now := s.now()
	r.CreatedAt, r.UpdatedAt = now, now
	query := q.Rebind(`INSERT INTO interactive_pipeline_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := q.ExecContext(ctx, query, r.UUID, r.ProjectUUID, r.PipelineUUID, string(r.Status), now, now); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return &sessionerrors.ConflictError{Resource: "pipeline run", ID: r.UUID, Cause: err}
		}
		return fmt.Errorf("failed to insert pipeline run: %w", err)
	}
	return nil
}

// GetRun fetches one run.
func (s *Store) GetRun(ctx context.Context, q backend.Queryer, uuid string) (*backend.PipelineRun, error) {
	var row runRow
	query := q.Rebind(`SELECT ` + runColumns + ` FROM interactive_pipeline_runs WHERE uuid = ?`)
	if err := sqlx.GetContext(ctx, q, &row, query, uuid); err != nil {
		if err == sql.ErrNoRows {
			return nil, &sessionerrors.NotFoundError{Resource: "pipeline run", ID: uuid}
		}
		return nil, fmt.Errorf("failed to get pipeline run: %w", err)
	}
	return row.toRun(), nil
}

// ActiveRun returns the newest PENDING or STARTED run of a pipeline.
func (s *Store) ActiveRun(ctx context.Context, q backend.Queryer, key backend.SessionKey) (*backend.PipelineRun, error) {
	var row runRow
	query := `SELECT ` + runColumns + ` FROM interactive_pipeline_runs
		WHERE project_uuid = ? AND pipeline_uuid = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`
	if s.dialect.ForUpdate != "" {
		query += " " + s.dialect.ForUpdate
	}
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(query),
		key.ProjectUUID, key.PipelineUUID, string(backend.RunPending), string(backend.RunStarted))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &sessionerrors.NotFoundError{Resource: "active pipeline run", ID: key.String()}
		}
		return nil, fmt.Errorf("failed to get active pipeline run: %w", err)
	}
	return row.toRun(), nil
}

// SetRunStatus moves a run to status.
func (s *Store) SetRunStatus(ctx context.Context, q backend.Queryer, uuid string, status backend.RunStatus) (bool, error) {
	query := q.Rebind(`UPDATE interactive_pipeline_runs SET status = ?, updated_at = ? WHERE uuid = ?`)
	res, err := q.ExecContext(ctx, query, string(status), s.now(), uuid)
	if err != nil {
		return false, fmt.Errorf("failed to set pipeline run status: %w", err)
	}
	return affected(res)
}
