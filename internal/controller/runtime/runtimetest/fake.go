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

// Package runtimetest provides an in-memory runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/orchest/sessions/internal/controller/backend"
	"github.com/orchest/sessions/internal/controller/runtime"
)

// Runtime is a fake runtime that records every call. Failures are injected
// through the exported error fields.
type Runtime struct {
	mu sync.Mutex

	LaunchErr   error
	ShutdownErr error
	RestartErr  error

	launched  []backend.SessionKey
	shutdowns []backend.SessionKey
	restarts  []string
	counter   int
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns a fake runtime that succeeds on every call.
func New() *Runtime {
	return &Runtime{}
}

func (r *Runtime) Launch(_ context.Context, spec runtime.LaunchSpec) (runtime.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.LaunchErr != nil {
		return nil, r.LaunchErr
	}
	r.counter++
	r.launched = append(r.launched, spec.Key)
	ids := make(map[string]string, len(runtime.Resources))
	for _, name := range runtime.Resources {
		ids[name] = fmt.Sprintf("%s-%d", name, r.counter)
	}
	ip := fmt.Sprintf("10.0.0.%d", r.counter)
	return &Session{rt: r, key: spec.Key, handles: runtime.Handles{
		ContainerIDs:       ids,
		JupyterServerIP:    ip,
		NotebookServerInfo: &backend.NotebookServerInfo{Port: 8888, BaseURL: "/jupyter_" + ip},
	}}, nil
}

func (r *Runtime) Reconstruct(key backend.SessionKey, h runtime.Handles) runtime.Session {
	return &Session{rt: r, key: key, handles: h}
}

// SetLaunchErr changes the launch failure while jobs may be running.
func (r *Runtime) SetLaunchErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LaunchErr = err
}

// Launched returns the keys of every successful launch.
func (r *Runtime) Launched() []backend.SessionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backend.SessionKey(nil), r.launched...)
}

// Shutdowns returns the keys of every shutdown attempt.
func (r *Runtime) Shutdowns() []backend.SessionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backend.SessionKey(nil), r.shutdowns...)
}

// Restarts returns the restarted resource ids.
func (r *Runtime) Restarts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.restarts...)
}

// Session is the fake session handle.
type Session struct {
	rt      *Runtime
	key     backend.SessionKey
	handles runtime.Handles
}

func (s *Session) Key() backend.SessionKey  { return s.key }
func (s *Session) Handles() runtime.Handles { return s.handles }

func (s *Session) Shutdown(context.Context) error {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	s.rt.shutdowns = append(s.rt.shutdowns, s.key)
	return s.rt.ShutdownErr
}

func (s *Session) RestartSubresource(_ context.Context, name string) error {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	if s.rt.RestartErr != nil {
		return s.rt.RestartErr
	}
	id, ok := s.handles.ContainerIDs[name]
	if !ok {
		return fmt.Errorf("no %s resource", name)
	}
	s.rt.restarts = append(s.rt.restarts, id)
	return nil
}
