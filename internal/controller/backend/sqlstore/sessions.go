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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/orchest/sessions/internal/controller/backend"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

const sessionColumns = `project_uuid, pipeline_uuid, status, container_ids,
	jupyter_server_ip, notebook_server_info, created_at, updated_at`

type sessionRow struct {
	ProjectUUID        string         `db:"project_uuid"`
	PipelineUUID       string         `db:"pipeline_uuid"`
	Status             string         `db:"status"`
	ContainerIDs       sql.NullString `db:"container_ids"`
	JupyterServerIP    sql.NullString `db:"jupyter_server_ip"`
	NotebookServerInfo sql.NullString `db:"notebook_server_info"`
	CreatedAt          timestamp      `db:"created_at"`
	UpdatedAt          timestamp      `db:"updated_at"`
}

func (r *sessionRow) toSession() (*backend.Session, error) {
	s := &backend.Session{
		SessionKey: backend.SessionKey{
			ProjectUUID:  r.ProjectUUID,
			PipelineUUID: r.PipelineUUID,
		},
		Status:          backend.SessionStatus(r.Status),
		JupyterServerIP: r.JupyterServerIP.String,
		CreatedAt:       r.CreatedAt.Time,
		UpdatedAt:       r.UpdatedAt.Time,
	}
	if r.ContainerIDs.Valid && r.ContainerIDs.String != "" {
		if err := json.Unmarshal([]byte(r.ContainerIDs.String), &s.ContainerIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal container_ids: %w", err)
		}
	}
	if r.NotebookServerInfo.Valid && r.NotebookServerInfo.String != "" {
		var info backend.NotebookServerInfo
		if err := json.Unmarshal([]byte(r.NotebookServerInfo.String), &info); err != nil {
			return nil, fmt.Errorf("failed to unmarshal notebook_server_info: %w", err)
		}
		s.NotebookServerInfo = &info
	}
	return s, nil
}

func marshalNullable(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertSession creates a session row.
func (s *Store) InsertSession(ctx context.Context, q backend.Queryer, sess *backend.Session) error {
	ids, err := marshalNullable(sess.ContainerIDs, len(sess.ContainerIDs) == 0)
	if err != nil {
		return fmt.Errorf("failed to marshal container_ids: %w", err)
	}
	info, err := marshalNullable(sess.NotebookServerInfo, sess.NotebookServerInfo == nil)
	if err != nil {
		return fmt.Errorf("failed to marshal notebook_server_info: %w", err)
	}

	now := s.now()
	sess.CreatedAt, sess.UpdatedAt = now, now

	query := q.Rebind(`INSERT INTO interactive_sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = q.ExecContext(ctx, query,
		sess.ProjectUUID, sess.PipelineUUID, string(sess.Status), ids,
		nullString(sess.JupyterServerIP), info, now, now)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return &sessionerrors.ConflictError{Resource: "session", ID: sess.SessionKey.String(), Cause: err}
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession fetches one session.
func (s *Store) GetSession(ctx context.Context, q backend.Queryer, key backend.SessionKey) (*backend.Session, error) {
	return s.getSession(ctx, q, key, "")
}

// GetSessionForUpdate fetches one session and locks its row.
func (s *Store) GetSessionForUpdate(ctx context.Context, q backend.Queryer, key backend.SessionKey) (*backend.Session, error) {
	return s.getSession(ctx, q, key, s.dialect.ForUpdate)
}

func (s *Store) getSession(ctx context.Context, q backend.Queryer, key backend.SessionKey, suffix string) (*backend.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM interactive_sessions
		WHERE project_uuid = ? AND pipeline_uuid = ?`
	if suffix != "" {
		query += " " + suffix
	}

	var row sessionRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(query), key.ProjectUUID, key.PipelineUUID); err != nil {
		if err == sql.ErrNoRows {
			return nil, &sessionerrors.NotFoundError{Resource: "session", ID: key.String()}
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toSession()
}

// ListSessions lists sessions ordered by creation time.
func (s *Store) ListSessions(ctx context.Context, q backend.Queryer, filter backend.SessionFilter) ([]*backend.Session, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectUUID != "" {
		where = append(where, "project_uuid = ?")
		args = append(args, filter.ProjectUUID)
	}
	if filter.ProjectUUID != "" && filter.PipelineUUID != "" {
		where = append(where, "pipeline_uuid = ?")
		args = append(args, filter.PipelineUUID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		in, inArgs, err := sqlx.In("status IN (?)", statuses)
		if err != nil {
			return nil, fmt.Errorf("failed to build status filter: %w", err)
		}
		where = append(where, in)
		args = append(args, inArgs...)
	}

	query := `SELECT ` + sessionColumns + ` FROM interactive_sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, project_uuid, pipeline_uuid"

	var rows []sessionRow
	if err := sqlx.SelectContext(ctx, q, &rows, q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*backend.Session, 0, len(rows))
	for i := range rows {
		sess, err := rows[i].toSession()
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// SetSessionStatus updates only the status column.
func (s *Store) SetSessionStatus(ctx context.Context, q backend.Queryer, key backend.SessionKey, status backend.SessionStatus) (bool, error) {
	query := q.Rebind(`UPDATE interactive_sessions SET status = ?, updated_at = ?
		WHERE project_uuid = ? AND pipeline_uuid = ?`)
	res, err := q.ExecContext(ctx, query, string(status), s.now(), key.ProjectUUID, key.PipelineUUID)
	if err != nil {
		return false, fmt.Errorf("failed to set session status: %w", err)
	}
	return affected(res)
}

// MarkSessionRunning records launched handles on a LAUNCHING or STOPPING row.
// A LAUNCHING row becomes RUNNING; a STOPPING row keeps its status.
func (s *Store) MarkSessionRunning(ctx context.Context, q backend.Queryer, sess *backend.Session) (bool, error) {
	ids, err := marshalNullable(sess.ContainerIDs, len(sess.ContainerIDs) == 0)
	if err != nil {
		return false, fmt.Errorf("failed to marshal container_ids: %w", err)
	}
	info, err := marshalNullable(sess.NotebookServerInfo, sess.NotebookServerInfo == nil)
	if err != nil {
		return false, fmt.Errorf("failed to marshal notebook_server_info: %w", err)
	}

	query := q.Rebind(`UPDATE interactive_sessions
		SET status = CASE WHEN status = ? THEN status ELSE ? END,
			container_ids = ?, jupyter_server_ip = ?, notebook_server_info = ?, updated_at = ?
		WHERE project_uuid = ? AND pipeline_uuid = ? AND status IN (?, ?)`)
	res, err := q.ExecContext(ctx, query,
		string(backend.StatusStopping), string(backend.StatusRunning),
		ids, nullString(sess.JupyterServerIP), info, s.now(),
		sess.ProjectUUID, sess.PipelineUUID,
		string(backend.StatusLaunching), string(backend.StatusStopping))
	if err != nil {
		return false, fmt.Errorf("failed to mark session running: %w", err)
	}
	return affected(res)
}

// DeleteSession removes a row. Deleting an absent row is not an error.
func (s *Store) DeleteSession(ctx context.Context, q backend.Queryer, key backend.SessionKey) (bool, error) {
	query := q.Rebind(`DELETE FROM interactive_sessions WHERE project_uuid = ? AND pipeline_uuid = ?`)
	res, err := q.ExecContext(ctx, query, key.ProjectUUID, key.PipelineUUID)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
