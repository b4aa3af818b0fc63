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

package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/orchest/sessions/internal/controller/backend"
)

// Noop is a runtime that launches nothing and hands out synthetic handles.
// It is used for local development without a container engine.
type Noop struct {
	JupyterPort int
}

var _ Runtime = Noop{}

func (n Noop) Launch(_ context.Context, spec LaunchSpec) (Session, error) {
	ids := make(map[string]string, len(Resources))
	for _, r := range Resources {
		ids[r] = "noop-" + uuid.NewString()
	}
	port := n.JupyterPort
	if port == 0 {
		port = 8888
	}
	return noopSession{key: spec.Key, handles: Handles{
		ContainerIDs:       ids,
		JupyterServerIP:    "127.0.0.1",
		NotebookServerInfo: &backend.NotebookServerInfo{Port: port, BaseURL: "/jupyter_127_0_0_1"},
	}}, nil
}

func (n Noop) Reconstruct(key backend.SessionKey, h Handles) Session {
	return noopSession{key: key, handles: h}
}

type noopSession struct {
	key     backend.SessionKey
	handles Handles
}

func (s noopSession) Key() backend.SessionKey        { return s.key }
func (s noopSession) Handles() Handles               { return s.handles }
func (s noopSession) Shutdown(context.Context) error { return nil }

func (s noopSession) RestartSubresource(_ context.Context, name string) error {
	if _, ok := s.handles.ContainerIDs[name]; !ok {
		return fmt.Errorf("session %s has no %s resource", s.key, name)
	}
	return nil
}
