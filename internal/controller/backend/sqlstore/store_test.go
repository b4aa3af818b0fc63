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

package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/backend/sqlite"
	"github.com/orchest/sessions/internal/controller/backend/sqlstore"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var key = backend.SessionKey{ProjectUUID: "proj-1", PipelineUUID: "pipe-1"}

func TestInsertAndGetSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	require.NoError(t, store.InsertSession(ctx, db, &backend.Session{SessionKey: key, Status: backend.StatusLaunching}))

	got, err := store.GetSession(ctx, db, key)
	require.NoError(t, err)
	assert.Equal(t, key, got.SessionKey)
	assert.Equal(t, backend.StatusLaunching, got.Status)
	assert.Empty(t, got.ContainerIDs)
	assert.Nil(t, got.NotebookServerInfo)
	assert.Empty(t, got.JupyterServerIP)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestInsertSessionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	require.NoError(t, store.InsertSession(ctx, db, &backend.Session{SessionKey: key, Status: backend.StatusLaunching}))
	err := store.InsertSession(ctx, db, &backend.Session{SessionKey: key, Status: backend.StatusLaunching})

	var conflict *sessionerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "session", conflict.Resource)
}

func TestGetSessionNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetSession(context.Background(), store.DB(), key)
	assert.True(t, sessionerrors.IsNotFound(err))

	_, err = store.GetSessionForUpdate(context.Background(), store.DB(), key)
	assert.True(t, sessionerrors.IsNotFound(err))
}

func TestMarkSessionRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	running := &backend.Session{
		SessionKey:         key,
		ContainerIDs:       map[string]string{"memory-server": "c1", "jupyter-server": "c2"},
		JupyterServerIP:    "10.0.0.7",
		NotebookServerInfo: &backend.NotebookServerInfo{Port: 8888, BaseURL: "/jupyter_10_0_0_7/"},
	}

	t.Run("absent row", func(t *testing.T) {
		ok, err := store.MarkSessionRunning(ctx, db, running)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("launching row", func(t *testing.T) {
		require.NoError(t, store.InsertSession(ctx, db, &backend.Session{SessionKey: key, Status: backend.StatusLaunching}))
		ok, err := store.MarkSessionRunning(ctx, db, running)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetSession(ctx, db, key)
		require.NoError(t, err)
		assert.Equal(t, backend.StatusRunning, got.Status)
		assert.Equal(t, running.ContainerIDs, got.ContainerIDs)
		assert.Equal(t, "10.0.0.7", got.JupyterServerIP)
		assert.Equal(t, running.NotebookServerInfo, got.NotebookServerInfo)
	})

	t.Run("running row is left alone", func(t *testing.T) {
		ok, err := store.MarkSessionRunning(ctx, db, running)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("stopping row keeps its status", func(t *testing.T) {
		ok, err := store.SetSessionStatus(ctx, db, key, backend.StatusStopping)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.MarkSessionRunning(ctx, db, running)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.GetSession(ctx, db, key)
		require.NoError(t, err)
		assert.Equal(t, backend.StatusStopping, got.Status)
		assert.Equal(t, running.ContainerIDs, got.ContainerIDs)
	})
}

func TestDeleteSessionIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	require.NoError(t, store.InsertSession(ctx, db, &backend.Session{SessionKey: key, Status: backend.StatusLaunching}))

	ok, err := store.DeleteSession(ctx, db, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.DeleteSession(ctx, db, key)
	require.NoError(t, err)
	assert.False(t, ok)

	// The key is free again.
	require.NoError(t, store.InsertSession(ctx, db, &backend.Session{SessionKey: key, Status: backend.StatusLaunching}))
}

func TestListSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	rows := []backend.Session{
		{SessionKey: backend.SessionKey{ProjectUUID: "a", PipelineUUID: "1"}, Status: backend.StatusRunning},
		{SessionKey: backend.SessionKey{ProjectUUID: "a", PipelineUUID: "2"}, Status: backend.StatusLaunching},
		{SessionKey: backend.SessionKey{ProjectUUID: "b", PipelineUUID: "1"}, Status: backend.StatusStopping},
	}
	for i := range rows {
		require.NoError(t, store.InsertSession(ctx, db, &rows[i]))
	}

	tests := []struct {
		name   string
		filter backend.SessionFilter
		want   int
	}{
		{"all", backend.SessionFilter{}, 3},
		{"project", backend.SessionFilter{ProjectUUID: "a"}, 2},
		{"project and pipeline", backend.SessionFilter{ProjectUUID: "a", PipelineUUID: "2"}, 1},
		{"pipeline without project", backend.SessionFilter{PipelineUUID: "1"}, 3},
		{"statuses", backend.SessionFilter{Statuses: []backend.SessionStatus{backend.StatusLaunching, backend.StatusStopping}}, 2},
		{"project and status", backend.SessionFilter{ProjectUUID: "b", Statuses: []backend.SessionStatus{backend.StatusRunning}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListSessions(ctx, db, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestSessionWritesRollBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.DB().BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.InsertSession(ctx, tx, &backend.Session{SessionKey: key, Status: backend.StatusLaunching}))
	require.NoError(t, tx.Rollback())

	_, err = store.GetSession(ctx, store.DB(), key)
	assert.True(t, sessionerrors.IsNotFound(err))
}

func TestLatestBuild(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	_, err := store.LatestBuild(ctx, db)
	assert.True(t, sessionerrors.IsNotFound(err))

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreateBuild(ctx, db, &backend.Build{UUID: "old", Status: backend.BuildSuccess, RequestedTime: base}))
	require.NoError(t, store.CreateBuild(ctx, db, &backend.Build{UUID: "new", Status: backend.BuildPending, RequestedTime: base.Add(90 * time.Second)}))
	require.NoError(t, store.CreateBuild(ctx, db, &backend.Build{UUID: "mid", Status: backend.BuildFailure, RequestedTime: base.Add(1500 * time.Millisecond)}))

	latest, err := store.LatestBuild(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "new", latest.UUID)
	assert.True(t, latest.Status.InProgress())
	assert.True(t, latest.RequestedTime.Equal(base.Add(90*time.Second)))

	ok, err := store.SetBuildStatus(ctx, db, "new", backend.BuildStarted)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.SetBuildStatus(ctx, db, "new", backend.BuildSuccess)
	require.NoError(t, err)
	assert.True(t, ok)

	latest, err = store.LatestBuild(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, backend.BuildSuccess, latest.Status)
	assert.False(t, latest.Status.InProgress())
	assert.NotNil(t, latest.StartedTime)
	assert.NotNil(t, latest.FinishedTime)

	ok, err = store.SetBuildStatus(ctx, db, "missing", backend.BuildAborted)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActiveRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	db := store.DB()

	_, err := store.ActiveRun(ctx, db, key)
	assert.True(t, sessionerrors.IsNotFound(err))

	require.NoError(t, store.CreateRun(ctx, db, &backend.PipelineRun{UUID: "done", ProjectUUID: key.ProjectUUID, PipelineUUID: key.PipelineUUID, Status: backend.RunSuccess}))
	_, err = store.ActiveRun(ctx, db, key)
	assert.True(t, sessionerrors.IsNotFound(err))

	require.NoError(t, store.CreateRun(ctx, db, &backend.PipelineRun{UUID: "live", ProjectUUID: key.ProjectUUID, PipelineUUID: key.PipelineUUID, Status: backend.RunStarted}))
	run, err := store.ActiveRun(ctx, db, key)
	require.NoError(t, err)
	assert.Equal(t, "live", run.UUID)

	ok, err := store.SetRunStatus(ctx, db, "live", backend.RunAborted)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetRun(ctx, db, "live")
	require.NoError(t, err)
	assert.Equal(t, backend.RunAborted, got.Status)

	_, err = store.ActiveRun(ctx, db, key)
	assert.True(t, sessionerrors.IsNotFound(err))

	err = store.CreateRun(ctx, db, &backend.PipelineRun{UUID: "live", ProjectUUID: "x", PipelineUUID: "y", Status: backend.RunPending})
	assert.True(t, sessionerrors.IsConflict(err))
}
