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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/backend/sqlite"
	"github.com/orchest/sessions/internal/controller/backend/sqlstore"
	"github.com/orchest/sessions/internal/controller/pipelinerun"
	"github.com/orchest/sessions/internal/controller/queue"
	"github.com/orchest/sessions/internal/controller/runtime/runtimetest"
	"github.com/orchest/sessions/internal/controller/twophase"
	"github.com/orchest/sessions/internal/log"
)

// manualJobs records submitted jobs and runs them only when told to.
type manualJobs struct {
	mu   sync.Mutex
	jobs []manualJob
	n    int
	err  error
}

type manualJob struct {
	kind string
	fn   queue.JobFunc
}

func (m *manualJobs) Submit(_ context.Context, kind string, fn queue.JobFunc) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.n++
	m.jobs = append(m.jobs, manualJob{kind: kind, fn: fn})
	return fmt.Sprintf("job-%d", m.n), nil
}

func (m *manualJobs) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, len(m.jobs))
	for i, j := range m.jobs {
		kinds[i] = j.kind
	}
	return kinds
}

// take removes and returns the oldest pending job of kind.
func (m *manualJobs) take(t *testing.T, kind string) queue.JobFunc {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range m.jobs {
		if j.kind == kind {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			return j.fn
		}
	}
	t.Fatalf("no pending %s job", kind)
	return nil
}

// run takes the oldest job of kind and runs it.
func (m *manualJobs) run(t *testing.T, kind string) error {
	t.Helper()
	return m.take(t, kind)(context.Background())
}

type fixture struct {
	store   *sqlstore.Store
	jobs    *manualJobs
	runtime *runtimetest.Runtime
	svc     *Service
	cfg     Config
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "sessions.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, jobs: &manualJobs{}, runtime: runtimetest.New(), cfg: cfg}
	f.withCanceller(nil)
	return f
}

// withCanceller rebuilds the service around a run canceller.
func (f *fixture) withCanceller(c pipelinerun.Canceller) {
	f.svc = NewService(Dependencies{
		Store:    f.store,
		Executor: twophase.NewExecutor(f.store.DB(), twophase.WithLogger(log.Discard())),
		Jobs:     f.jobs,
		Runtime:  f.runtime,
		Runs:     pipelinerun.NewCoordinator(f.store, c, log.Discard()),
		Logger:   log.Discard(),
	}, f.cfg)
}

type failingCanceller struct{}

func (failingCanceller) Cancel(context.Context, *backend.PipelineRun) error {
	return errors.New("run executor unreachable")
}

func fastConfig() Config {
	return Config{WaitTimeout: 2 * time.Second, WaitInterval: 10 * time.Millisecond}
}

func (f *fixture) row(t *testing.T, key backend.SessionKey) *backend.Session {
	t.Helper()
	sess, err := f.store.GetSession(context.Background(), f.store.DB(), key)
	if err != nil {
		return nil
	}
	return sess
}

func createRequest(key backend.SessionKey) CreateRequest {
	return CreateRequest{
		ProjectUUID:  key.ProjectUUID,
		PipelineUUID: key.PipelineUUID,
		PipelinePath: "main.orchest",
		ProjectDir:   "/userdir/projects/p",
		HostUserdir:  "/var/lib/orchest/userdir",
	}
}

// launched creates a session and runs its launch job.
func (f *fixture) launched(t *testing.T, key backend.SessionKey) *backend.Session {
	t.Helper()
	_, err := f.svc.Create(context.Background(), createRequest(key))
	require.NoError(t, err)
	require.NoError(t, f.jobs.run(t, JobLaunch))
	sess := f.row(t, key)
	require.NotNil(t, sess)
	require.Equal(t, backend.StatusRunning, sess.Status)
	return sess
}

var key = backend.SessionKey{ProjectUUID: "p1", PipelineUUID: "q1"}
