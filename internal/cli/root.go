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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/orchest/sessions/internal/commands/sessions"
	"github.com/orchest/sessions/internal/commands/shared"
	"github.com/orchest/sessions/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for sessionctl
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessionctl",
		Short: "sessionctl - manage interactive pipeline sessions",
		Long: `sessionctl talks to sessiond, the control plane that launches and tears
down the interactive sessions (memory server, kernel gateway and notebook
server) of pipelines.

The daemon is reached over its Unix socket unless --host or SESSIOND_HOST
names another endpoint.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	verbose, json, config, host := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVarP(host, "host", "H", "", "Daemon endpoint (unix://, tcp:// or https://)")

	cmd.AddCommand(sessions.NewCommand())
	cmd.AddCommand(version.NewVersionCommand())
	cmd.SetHelpCommand(NewHelpCommand(cmd))

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
