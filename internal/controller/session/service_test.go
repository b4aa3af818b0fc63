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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/queue"
	"github.com/orchest/sessions/internal/controller/runtime"
	"github.com/orchest/sessions/internal/controller/twophase"
	"github.com/orchest/sessions/internal/log"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

func TestCreateLaunchesSession(t *testing.T) {
	f := newFixture(t, fastConfig())

	sess, err := f.svc.Create(context.Background(), createRequest(key))
	require.NoError(t, err)
	assert.Equal(t, backend.StatusLaunching, sess.Status)
	assert.Empty(t, sess.ContainerIDs)
	assert.Nil(t, sess.NotebookServerInfo)
	assert.Equal(t, []string{JobLaunch}, f.jobs.kinds())

	require.NoError(t, f.jobs.run(t, JobLaunch))

	row := f.row(t, key)
	require.NotNil(t, row)
	assert.Equal(t, backend.StatusRunning, row.Status)
	assert.Len(t, row.ContainerIDs, len(runtime.Resources))
	assert.Equal(t, "10.0.0.1", row.JupyterServerIP)
	require.NotNil(t, row.NotebookServerInfo)
	assert.Equal(t, 8888, row.NotebookServerInfo.Port)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, fastConfig())

	_, err := f.svc.Create(context.Background(), CreateRequest{PipelineUUID: "q"})
	var verr *sessionerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "project_uuid", verr.Field)
	assert.Empty(t, f.jobs.kinds())
}

func TestCreateConflict(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()

	_, err := f.svc.Create(ctx, createRequest(key))
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, createRequest(key))
	assert.True(t, sessionerrors.IsConflict(err))

	rows, err := f.svc.List(ctx, backend.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, []string{JobLaunch}, f.jobs.kinds())
}

func TestCreateConflictAtInsert(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()

	_, err := f.svc.Create(ctx, createRequest(key))
	require.NoError(t, err)

	// Bypass the pre-check to hit the unique key.
	_, err = twophase.Execute(ctx, f.svc.exec, f.svc.create, createRequest(key))
	require.Error(t, err)
	assert.True(t, sessionerrors.IsConflict(err))
	assert.False(t, twophase.IsCommitted(err))
	assert.Len(t, f.jobs.kinds(), 1)
}

func TestCreateBuildGate(t *testing.T) {
	tests := []struct {
		name    string
		builds  []backend.BuildStatus
		blocked bool
	}{
		{"no builds", nil, false},
		{"latest pending", []backend.BuildStatus{backend.BuildSuccess, backend.BuildPending}, true},
		{"latest started", []backend.BuildStatus{backend.BuildStarted}, true},
		{"latest success", []backend.BuildStatus{backend.BuildPending, backend.BuildSuccess}, false},
		{"latest failure", []backend.BuildStatus{backend.BuildFailure}, false},
		{"latest aborted", []backend.BuildStatus{backend.BuildAborted}, false},
		{"many completed", []backend.BuildStatus{
			backend.BuildSuccess, backend.BuildFailure, backend.BuildSuccess, backend.BuildAborted, backend.BuildSuccess,
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fastConfig())
			ctx := context.Background()

			base := time.Now().Add(-time.Hour)
			for i, status := range tt.builds {
				require.NoError(t, f.store.CreateBuild(ctx, f.store.DB(), &backend.Build{
					UUID:          uuid.NewString(),
					Status:        status,
					RequestedTime: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			_, err := f.svc.Create(ctx, createRequest(key))
			if !tt.blocked {
				require.NoError(t, err)
				assert.NotNil(t, f.row(t, key))
				return
			}

			var perr *sessionerrors.PreconditionError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, ConditionBuildInProgress, perr.Condition)
			assert.Nil(t, f.row(t, key))
			assert.Empty(t, f.jobs.kinds())
		})
	}
}

func TestLaunchFailureCompensates(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	f.runtime.LaunchErr = errors.New("image not found")

	_, err := f.svc.Create(ctx, createRequest(key))
	require.NoError(t, err)

	err = f.jobs.run(t, JobLaunch)
	assert.ErrorContains(t, err, "image not found")
	assert.Nil(t, f.row(t, key))

	f.runtime.LaunchErr = nil
	sess, err := f.svc.Create(ctx, createRequest(key))
	require.NoError(t, err)
	assert.Equal(t, backend.StatusLaunching, sess.Status)
}

func TestSubmitFailureRetiresRow(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.jobs.err = queue.ErrQueueFull

	_, err := f.svc.Create(context.Background(), createRequest(key))
	require.Error(t, err)
	assert.True(t, twophase.IsCommitted(err))
	assert.ErrorIs(t, err, queue.ErrQueueFull)
	assert.Nil(t, f.row(t, key))
}

func TestStopMissingSession(t *testing.T) {
	f := newFixture(t, fastConfig())

	stopped, err := f.svc.Stop(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Empty(t, f.jobs.kinds())
	assert.Empty(t, f.runtime.Shutdowns())
}

func TestStopRunningSession(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.launched(t, key)

	stopped, err := f.svc.Stop(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, stopped)

	row := f.row(t, key)
	require.NotNil(t, row)
	assert.Equal(t, backend.StatusStopping, row.Status)

	require.NoError(t, f.jobs.run(t, JobStop))
	assert.Nil(t, f.row(t, key))
	assert.Equal(t, []backend.SessionKey{key}, f.runtime.Shutdowns())
}

func TestStopClearsRowWhenShutdownFails(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.launched(t, key)
	f.runtime.ShutdownErr = errors.New("docker daemon unreachable")

	stopped, err := f.svc.Stop(context.Background(), key)
	require.NoError(t, err)
	require.True(t, stopped)

	err = f.jobs.run(t, JobStop)
	assert.ErrorContains(t, err, "docker daemon unreachable")
	assert.Nil(t, f.row(t, key))
}

func TestStopUsesCapturedHandles(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.launched(t, key)

	_, err := f.svc.Stop(context.Background(), key)
	require.NoError(t, err)

	// The row may be removed by a cascading delete before the job runs.
	_, err = f.store.DeleteSession(context.Background(), f.store.DB(), key)
	require.NoError(t, err)

	require.NoError(t, f.jobs.run(t, JobStop))
	assert.Equal(t, []backend.SessionKey{key}, f.runtime.Shutdowns())
}

func TestStopWhileLaunchingWaitsForRunning(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()

	_, err := f.svc.Create(ctx, createRequest(key))
	require.NoError(t, err)
	stopped, err := f.svc.Stop(ctx, key)
	require.NoError(t, err)
	require.True(t, stopped)

	stop := f.jobs.take(t, JobStop)
	done := make(chan error, 1)
	go func() { done <- stop(ctx) }()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, f.runtime.Shutdowns(), "shutdown before the launch completed")

	require.NoError(t, f.jobs.run(t, JobLaunch))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop job did not finish")
	}
	assert.Equal(t, []backend.SessionKey{key}, f.runtime.Shutdowns())
	assert.Nil(t, f.row(t, key))
}

func TestStopWhileLaunchingReturnsWhenLaunchFails(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	f.runtime.LaunchErr = errors.New("no capacity")

	_, err := f.svc.Create(ctx, createRequest(key))
	require.NoError(t, err)
	_, err = f.svc.Stop(ctx, key)
	require.NoError(t, err)

	assert.Error(t, f.jobs.run(t, JobLaunch))
	assert.NoError(t, f.jobs.run(t, JobStop))
	assert.Empty(t, f.runtime.Shutdowns())
	assert.Nil(t, f.row(t, key))
}

func TestStopWaitIsBounded(t *testing.T) {
	f := newFixture(t, Config{WaitTimeout: 100 * time.Millisecond, WaitInterval: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, createRequest(key))
	require.NoError(t, err)
	_, err = f.svc.Stop(ctx, key)
	require.NoError(t, err)

	start := time.Now()
	err = f.jobs.run(t, JobStop)
	var timeout *sessionerrors.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, f.runtime.Shutdowns())
	assert.Nil(t, f.row(t, key))

	// The late launch finds its row gone and releases what it started.
	require.NoError(t, f.jobs.run(t, JobLaunch))
	assert.Len(t, f.runtime.Launched(), 1)
	assert.Equal(t, []backend.SessionKey{key}, f.runtime.Shutdowns())
	assert.Nil(t, f.row(t, key))
}

func TestRestartRequiresRunningSession(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()

	restarted, err := f.svc.Restart(ctx, key)
	require.NoError(t, err)
	assert.False(t, restarted)

	_, err = f.svc.Create(ctx, createRequest(key))
	require.NoError(t, err)
	restarted, err = f.svc.Restart(ctx, key)
	require.NoError(t, err)
	assert.False(t, restarted)
	assert.Equal(t, []string{JobLaunch}, f.jobs.kinds())
}

func TestRestartKeepsHandles(t *testing.T) {
	f := newFixture(t, fastConfig())
	before := f.launched(t, key)

	restarted, err := f.svc.Restart(context.Background(), key)
	require.NoError(t, err)
	require.True(t, restarted)
	require.NoError(t, f.jobs.run(t, JobRestart))

	assert.Equal(t, []string{before.ContainerIDs[runtime.ResourceMemoryServer]}, f.runtime.Restarts())
	after := f.row(t, key)
	require.NotNil(t, after)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.ContainerIDs, after.ContainerIDs)
	assert.Equal(t, before.JupyterServerIP, after.JupyterServerIP)
	assert.Equal(t, before.NotebookServerInfo, after.NotebookServerInfo)
}

func TestRestartFailureLeavesRow(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.launched(t, key)
	f.runtime.RestartErr = errors.New("container restart failed")

	_, err := f.svc.Restart(context.Background(), key)
	require.NoError(t, err)
	assert.Error(t, f.jobs.run(t, JobRestart))

	row := f.row(t, key)
	require.NotNil(t, row)
	assert.Equal(t, backend.StatusRunning, row.Status)
}

func TestStopAndRestartAbortActiveRun(t *testing.T) {
	for _, op := range []string{"stop", "restart"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t, fastConfig())
			ctx := context.Background()
			f.launched(t, key)
			require.NoError(t, f.store.CreateRun(ctx, f.store.DB(), &backend.PipelineRun{
				UUID: "run-1", ProjectUUID: key.ProjectUUID, PipelineUUID: key.PipelineUUID, Status: backend.RunStarted,
			}))

			var err error
			if op == "stop" {
				_, err = f.svc.Stop(ctx, key)
			} else {
				_, err = f.svc.Restart(ctx, key)
			}
			require.NoError(t, err)

			run, err := f.store.GetRun(ctx, f.store.DB(), "run-1")
			require.NoError(t, err)
			assert.Equal(t, backend.RunAborted, run.Status)
		})
	}
}

func TestRunAbortRolledBackWithStop(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	f.launched(t, key)
	require.NoError(t, f.store.CreateRun(ctx, f.store.DB(), &backend.PipelineRun{
		UUID: "run-1", ProjectUUID: key.ProjectUUID, PipelineUUID: key.PipelineUUID, Status: backend.RunPending,
	}))

	err := f.svc.exec.Run(ctx, "stop_then_fail", func(tc *twophase.TxnContext) error {
		if _, err := twophase.Do(tc, f.svc.stop, key); err != nil {
			return err
		}
		return errors.New("later step failed")
	})
	require.Error(t, err)

	run, err := f.store.GetRun(ctx, f.store.DB(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, backend.RunPending, run.Status)
	assert.Equal(t, backend.StatusRunning, f.row(t, key).Status)
	assert.Empty(t, f.jobs.kinds())
}

func TestLaunchDuringStopKeepsStopping(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()

	_, err := f.svc.Create(ctx, createRequest(key))
	require.NoError(t, err)
	stopped, err := f.svc.Stop(ctx, key)
	require.NoError(t, err)
	require.True(t, stopped)

	require.NoError(t, f.jobs.run(t, JobLaunch))

	row := f.row(t, key)
	require.NotNil(t, row)
	assert.Equal(t, backend.StatusStopping, row.Status)
	assert.NotEmpty(t, row.ContainerIDs)

	restarted, err := f.svc.Restart(ctx, key)
	require.NoError(t, err)
	assert.False(t, restarted)
	assert.NotContains(t, f.jobs.kinds(), JobRestart)

	// The pending stop picks up the recorded handles without waiting out
	// the bound.
	start := time.Now()
	require.NoError(t, f.jobs.run(t, JobStop))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []backend.SessionKey{key}, f.runtime.Shutdowns())
	assert.Nil(t, f.row(t, key))
}

func TestRunCancelFailureDoesNotFailStopOrRestart(t *testing.T) {
	for _, op := range []string{"stop", "restart"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t, fastConfig())
			ctx := context.Background()
			f.launched(t, key)
			f.withCanceller(failingCanceller{})
			require.NoError(t, f.store.CreateRun(ctx, f.store.DB(), &backend.PipelineRun{
				UUID: "run-1", ProjectUUID: key.ProjectUUID, PipelineUUID: key.PipelineUUID, Status: backend.RunStarted,
			}))

			var (
				ok   bool
				err  error
				kind string
			)
			if op == "stop" {
				ok, err = f.svc.Stop(ctx, key)
				kind = JobStop
			} else {
				ok, err = f.svc.Restart(ctx, key)
				kind = JobRestart
			}
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Contains(t, f.jobs.kinds(), kind)

			run, err := f.store.GetRun(ctx, f.store.DB(), "run-1")
			require.NoError(t, err)
			assert.Equal(t, backend.RunAborted, run.Status)
		})
	}
}

func TestSessionKeyIsReusable(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()

	f.launched(t, key)
	stopped, err := f.svc.Stop(ctx, key)
	require.NoError(t, err)
	require.True(t, stopped)
	assert.Equal(t, backend.StatusStopping, f.row(t, key).Status)
	require.NoError(t, f.jobs.run(t, JobStop))
	assert.Nil(t, f.row(t, key))

	sess, err := f.svc.Create(ctx, createRequest(key))
	require.NoError(t, err)
	assert.Equal(t, backend.StatusLaunching, sess.Status)
}

func TestReconcileRetiresStaleSessions(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	db := f.store.DB()

	running := backend.SessionKey{ProjectUUID: "p", PipelineUUID: "running"}
	f.launched(t, running)

	launching := backend.SessionKey{ProjectUUID: "p", PipelineUUID: "launching"}
	require.NoError(t, f.store.InsertSession(ctx, db, &backend.Session{SessionKey: launching, Status: backend.StatusLaunching}))

	stopping := backend.SessionKey{ProjectUUID: "p", PipelineUUID: "stopping"}
	require.NoError(t, f.store.InsertSession(ctx, db, &backend.Session{
		SessionKey:   stopping,
		Status:       backend.StatusStopping,
		ContainerIDs: map[string]string{runtime.ResourceMemoryServer: "m"},
	}))

	n, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Nil(t, f.row(t, launching))
	assert.Nil(t, f.row(t, stopping))
	assert.NotNil(t, f.row(t, running))
	assert.Equal(t, []backend.SessionKey{stopping}, f.runtime.Shutdowns())
}

func TestRetireIsIdempotent(t *testing.T) {
	f := newFixture(t, fastConfig())
	require.NoError(t, f.svc.Retire(context.Background(), key))
	f.launched(t, key)
	require.NoError(t, f.svc.Retire(context.Background(), key))
	require.NoError(t, f.svc.Retire(context.Background(), key))
	assert.Nil(t, f.row(t, key))
}

func TestConcurrentCreateAndStop(t *testing.T) {
	f := newFixture(t, Config{WaitTimeout: 500 * time.Millisecond, WaitInterval: 5 * time.Millisecond})
	sched := queue.NewScheduler(queue.Config{Workers: 4}, log.Discard())
	sched.Start()
	f.svc.jobs = sched
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(ctx, createRequest(key))
			if err != nil && !sessionerrors.IsConflict(err) && !errors.Is(err, ErrNotStarted) {
				t.Errorf("create: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := f.svc.Stop(ctx, key); err != nil {
				t.Errorf("stop: %v", err)
			}
		}()
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, sched.Shutdown(shutdownCtx))

	rows, err := f.svc.List(ctx, backend.SessionFilter{})
	require.NoError(t, err)
	require.LessOrEqual(t, len(rows), 1)
	for _, row := range rows {
		assert.Equal(t, backend.StatusRunning, row.Status, fmt.Sprintf("row %s left in transition", row.SessionKey))
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(backend.StatusLaunching, backend.StatusRunning))
	assert.True(t, CanTransition(backend.StatusRunning, backend.StatusStopping))
	assert.False(t, CanTransition(backend.StatusStopping, backend.StatusRunning))
	assert.False(t, CanTransition(backend.StatusRunning, backend.StatusLaunching))
	assert.False(t, CanTransition(backend.StatusStopping, backend.StatusLaunching))
}
