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

// Package runtime launches and tears down the compute resources that make
// up an interactive session.
package runtime

import (
	"context"

	"github.com/orchest/sessions/internal/controller/backend"
)

// Logical resource names of a session.
const (
	ResourceMemoryServer  = "memory-server"
	ResourceKernelGateway = "jupyter-EG"
	ResourceJupyterServer = "jupyter-server"
)

// Resources lists the resources of a session in launch order.
var Resources = []string{ResourceMemoryServer, ResourceKernelGateway, ResourceJupyterServer}

// LaunchSpec describes the session to launch.
type LaunchSpec struct {
	Key          backend.SessionKey
	PipelinePath string
	ProjectDir   string
	HostUserdir  string
}

// Handles is everything needed to address a launched session again.
type Handles struct {
	// ContainerIDs maps logical resource names to runtime identifiers.
	ContainerIDs       map[string]string
	JupyterServerIP    string
	NotebookServerInfo *backend.NotebookServerInfo
}

// Session is a handle on launched resources.
type Session interface {
	Key() backend.SessionKey
	Handles() Handles

	// Shutdown releases every resource. Resources that are already gone
	// are not an error.
	Shutdown(ctx context.Context) error

	// RestartSubresource restarts one named resource in place.
	RestartSubresource(ctx context.Context, name string) error
}

// Runtime creates sessions.
type Runtime interface {
	// Launch starts all resources of a session. On error no resources
	// are left behind.
	Launch(ctx context.Context, spec LaunchSpec) (Session, error)

	// Reconstruct rebuilds a session handle from persisted handles
	// without contacting the runtime.
	Reconstruct(key backend.SessionKey, h Handles) Session
}

// HandlesFromSession extracts runtime handles from a stored session.
func HandlesFromSession(s *backend.Session) Handles {
	return Handles{
		ContainerIDs:       s.ContainerIDs,
		JupyterServerIP:    s.JupyterServerIP,
		NotebookServerInfo: s.NotebookServerInfo,
	}
}
