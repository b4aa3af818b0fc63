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

// Package backend defines the persistent records of the session control
// plane and the store interfaces used to read and write them.
//
// # Interface Hierarchy
//
//   - SessionStore: interactive session rows keyed by (project, pipeline)
//   - BuildStore: notebook image build records, read by the build gate
//   - RunStore: interactive pipeline runs, aborted alongside sessions
//   - io.Closer
//
// Every method takes a Queryer so the same call works against the pool for
// plain reads and against a *sqlx.Tx inside a two-phase unit of work.
package backend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
)

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type Queryer = sqlx.ExtContext

// SessionStatus is the lifecycle state of an interactive session.
// Deletion of the row is the terminal transition and has no status.
type SessionStatus string

const (
	StatusLaunching SessionStatus = "LAUNCHING"
	StatusRunning   SessionStatus = "RUNNING"
	StatusStopping  SessionStatus = "STOPPING"
)

// SessionKey identifies a session. At most one session exists per key.
type SessionKey struct {
	ProjectUUID  string `json:"project_uuid"`
	PipelineUUID string `json:"pipeline_uuid"`
}

func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s", k.ProjectUUID, k.PipelineUUID)
}

// NotebookServerInfo is the address info of the session's notebook server.
type NotebookServerInfo struct {
	Port    int    `json:"port"`
	BaseURL string `json:"base_url"`
}

// Session is an interactive session row.
type Session struct {
	SessionKey

	Status SessionStatus `json:"status"`

	// ContainerIDs maps logical resource names to runtime identifiers.
	// Empty while LAUNCHING.
	ContainerIDs map[string]string `json:"-"`

	JupyterServerIP    string              `json:"jupyter_server_ip,omitempty"`
	NotebookServerInfo *NotebookServerInfo `json:"notebook_server_info,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionFilter narrows ListSessions. Empty fields match everything.
type SessionFilter struct {
	ProjectUUID string
	// PipelineUUID only applies together with ProjectUUID.
	PipelineUUID string

	// Statuses restricts results to the given states when non-empty.
	Statuses []SessionStatus
}

// SessionStore persists interactive sessions.
type SessionStore interface {
	// InsertSession creates a row. Returns *errors.ConflictError when a
	// row with the same key exists.
	InsertSession(ctx context.Context, q Queryer, s *Session) error

	// GetSession returns *errors.NotFoundError when the row is absent.
	GetSession(ctx context.Context, q Queryer, key SessionKey) (*Session, error)

	// GetSessionForUpdate is GetSession with a row lock where the
	// database supports one. Only meaningful inside a transaction.
	GetSessionForUpdate(ctx context.Context, q Queryer, key SessionKey) (*Session, error)

	ListSessions(ctx context.Context, q Queryer, filter SessionFilter) ([]*Session, error)

	// SetSessionStatus returns false when no row matched.
	SetSessionStatus(ctx context.Context, q Queryer, key SessionKey, status SessionStatus) (bool, error)

	// MarkSessionRunning records the launched handles. Only rows that are
	// LAUNCHING or STOPPING are updated, and a STOPPING row stays STOPPING;
	// it returns false when none was.
	MarkSessionRunning(ctx context.Context, q Queryer, s *Session) (bool, error)

	// DeleteSession returns false when no row existed.
	DeleteSession(ctx context.Context, q Queryer, key SessionKey) (bool, error)
}

// BuildStatus is the state of a notebook image build.
type BuildStatus string

const (
	BuildPending BuildStatus = "PENDING"
	BuildStarted BuildStatus = "STARTED"
	BuildSuccess BuildStatus = "SUCCESS"
	BuildFailure BuildStatus = "FAILURE"
	BuildAborted BuildStatus = "ABORTED"
)

// InProgress reports whether the build has not reached a final state.
func (s BuildStatus) InProgress() bool {
	return s == BuildPending || s == BuildStarted
}

// Build is a notebook image build record.
type Build struct {
	UUID          string      `json:"uuid"`
	Status        BuildStatus `json:"status"`
	RequestedTime time.Time   `json:"requested_time"`
	StartedTime   *time.Time  `json:"started_time,omitempty"`
	FinishedTime  *time.Time  `json:"finished_time,omitempty"`
}

// BuildStore persists notebook image build records.
type BuildStore interface {
	CreateBuild(ctx context.Context, q Queryer, b *Build) error

	// SetBuildStatus also stamps started/finished time for the
	// corresponding transitions.
	SetBuildStatus(ctx context.Context, q Queryer, uuid string, status BuildStatus) (bool, error)

	// LatestBuild returns the most recently requested build or
	// *errors.NotFoundError when none exists.
	LatestBuild(ctx context.Context, q Queryer) (*Build, error)
}

// RunStatus is the state of an interactive pipeline run.
type RunStatus string

const (
	RunPending RunStatus = "PENDING"
	RunStarted RunStatus = "STARTED"
	RunSuccess RunStatus = "SUCCESS"
	RunFailure RunStatus = "FAILURE"
	RunAborted RunStatus = "ABORTED"
)

// Active reports whether the run can still be aborted.
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunStarted
}

// PipelineRun is an interactive pipeline run record.
type PipelineRun struct {
	UUID         string    `json:"uuid"`
	ProjectUUID  string    `json:"project_uuid"`
	PipelineUUID string    `json:"pipeline_uuid"`
	Status       RunStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RunStore persists interactive pipeline runs.
type RunStore interface {
	CreateRun(ctx context.Context, q Queryer, r *PipelineRun) error
	GetRun(ctx context.Context, q Queryer, uuid string) (*PipelineRun, error)

	// ActiveRun returns the PENDING or STARTED run of a pipeline, or
	// *errors.NotFoundError when there is none.
	ActiveRun(ctx context.Context, q Queryer, key SessionKey) (*PipelineRun, error)

	SetRunStatus(ctx context.Context, q Queryer, uuid string, status RunStatus) (bool, error)
}

// Store is the full persistence surface of the control plane.
type Store interface {
	SessionStore
	BuildStore
	RunStore
	io.Closer

	// DB returns the pool used to begin transactions and for plain reads.
	DB() *sqlx.DB
}
