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

package version

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchest/sessions/internal/client"
	"github.com/orchest/sessions/internal/commands/shared"
)

// VersionInfo contains version metadata
type VersionInfo struct {
	Version   string                  `json:"version"`
	Commit    string                  `json:"commit"`
	BuildDate string                  `json:"build_date"`
	Daemon    *client.VersionResponse `json:"daemon,omitempty"`
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display version, commit hash, and build date for sessionctl and, when
reachable, for the sessiond it talks to.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd, local)
		},
	}

	cmd.Flags().BoolVar(&local, "client", false, "Only show the client version")
	return cmd
}

func runVersion(cmd *cobra.Command, local bool) error {
	v, c, b := shared.GetVersion()
	info := VersionInfo{Version: v, Commit: c, BuildDate: b}

	var daemonErr error
	if !local {
		info.Daemon, daemonErr = daemonVersion(cmd.Context())
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, info)
	}

	fmt.Fprintf(out, "sessionctl version %s\n", info.Version)
	fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
	fmt.Fprintf(out, "  build date: %s\n", info.BuildDate)
	switch {
	case info.Daemon != nil:
		fmt.Fprintf(out, "sessiond version %s\n", info.Daemon.Version)
		fmt.Fprintf(out, "  commit:     %s\n", info.Daemon.Commit)
		fmt.Fprintf(out, "  go:         %s %s/%s\n", info.Daemon.GoVersion, info.Daemon.OS, info.Daemon.Arch)
	case daemonErr != nil && shared.GetVerbose():
		fmt.Fprintf(out, "sessiond: %v\n", daemonErr)
	}
	return nil
}

func daemonVersion(ctx context.Context) (*client.VersionResponse, error) {
	c, err := shared.NewClient()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.Version(ctx)
}
