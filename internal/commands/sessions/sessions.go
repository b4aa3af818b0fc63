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

// Package sessions implements the sessionctl session commands.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"github.com/orchest/sessions/internal/client"
	"github.com/orchest/sessions/internal/commands/shared"
)

const requestTimeout = 30 * time.Second

// NewCommand creates the sessions command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Manage interactive pipeline sessions",
		Long: `Start, inspect, restart and stop the interactive session of a pipeline.

A session is identified by its project and pipeline UUIDs. At most one
session exists per pipeline.`,
	}

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newRestartCmd())
	return cmd
}

func newListCmd() *cobra.Command {
	var req client.ListSessionsRequest

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.PipelineUUID != "" && req.ProjectUUID == "" {
				return shared.NewUsageError("--pipeline requires --project")
			}
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			list, err := c.ListSessions(ctx, req)
			if err != nil {
				return shared.FromAPIError("failed to list sessions", err)
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitResult(out, "sessions list", map[string][]client.Session{"sessions": list})
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No sessions.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tPIPELINE\tSTATUS\tJUPYTER\tAGE")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.ProjectUUID, s.PipelineUUID, s.Status, jupyterAddr(s), age(s.CreatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&req.ProjectUUID, "project", "", "Only sessions of this project")
	cmd.Flags().StringVar(&req.PipelineUUID, "pipeline", "", "Only sessions of this pipeline (requires --project)")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <project-uuid> <pipeline-uuid>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			sess, err := c.GetSession(ctx, args[0], args[1])
			if err != nil {
				return shared.FromAPIError("failed to get session", err)
			}
			return printSession(cmd.OutOrStdout(), "sessions get", sess)
		},
	}
}

func newStartCmd() *cobra.Command {
	var (
		req     client.CreateSessionRequest
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start <project-uuid> <pipeline-uuid>",
		Short: "Start a session",
		Long: `Start the interactive session of a pipeline.

The daemon answers as soon as the session is recorded as LAUNCHING; the
resources come up in the background. Use --wait to block until the session
is RUNNING.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			req.ProjectUUID, req.PipelineUUID = args[0], args[1]

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			sess, err := c.CreateSession(ctx, req)
			if err != nil {
				return shared.FromAPIError("failed to start session", err)
			}

			if wait {
				sess, err = waitRunning(cmd.Context(), c, req.ProjectUUID, req.PipelineUUID, timeout)
				if err != nil {
					return err
				}
			}
			return printSession(cmd.OutOrStdout(), "sessions start", sess)
		},
	}

	cmd.Flags().StringVar(&req.PipelinePath, "pipeline-path", "", "Pipeline definition path, relative to the project")
	cmd.Flags().StringVar(&req.ProjectDir, "project-dir", "", "Host directory of the project")
	cmd.Flags().StringVar(&req.HostUserdir, "host-userdir", "", "Host user data directory")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the session is RUNNING")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Maximum time to wait")
	return cmd
}

func newStopCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stop <project-uuid> <pipeline-uuid>",
		Short: "Stop a session",
		Long: `Stop the interactive session of a pipeline. Any interactive run of the
pipeline is aborted. Use --wait to block until the session is gone.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			msg, err := c.StopSession(ctx, args[0], args[1])
			if err != nil {
				return shared.FromAPIError("failed to stop session", err)
			}
			if wait {
				if err := waitGone(cmd.Context(), c, args[0], args[1], timeout); err != nil {
					return err
				}
			}
			return printMessage(cmd.OutOrStdout(), "sessions stop", msg)
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the session is removed")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Maximum time to wait")
	return cmd
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <project-uuid> <pipeline-uuid>",
		Short: "Restart the memory server of a running session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			msg, err := c.RestartSession(ctx, args[0], args[1])
			if err != nil {
				return shared.FromAPIError("failed to restart session", err)
			}
			return printMessage(cmd.OutOrStdout(), "sessions restart", msg)
		},
	}
}

var (
	errNotReady     = errors.New("session not ready")
	errStillPresent = errors.New("session still present")
)

const pollInterval = 500 * time.Millisecond

// waitRunning polls until the session is RUNNING. A session that vanishes
// meanwhile failed to launch.
func waitRunning(ctx context.Context, c *client.Client, project, pipeline string, timeout time.Duration) (*client.Session, error) {
	sess, err := backoff.Retry(ctx, func() (*client.Session, error) {
		sess, err := c.GetSession(ctx, project, pipeline)
		if client.IsNotFound(err) {
			return nil, backoff.Permanent(&shared.ExitError{Code: shared.ExitFailed, Message: "session failed to launch"})
		}
		if err != nil {
			return nil, backoff.Permanent(shared.FromAPIError("failed to get session", err))
		}
		if sess.Status != "RUNNING" {
			return nil, errNotReady
		}
		return sess, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(pollInterval)), backoff.WithMaxElapsedTime(timeout))
	if errors.Is(err, errNotReady) {
		return nil, &shared.ExitError{Code: shared.ExitFailed, Message: fmt.Sprintf("session not running after %s", timeout)}
	}
	return sess, err
}

// waitGone polls until the session row is removed.
func waitGone(ctx context.Context, c *client.Client, project, pipeline string, timeout time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := c.GetSession(ctx, project, pipeline)
		if client.IsNotFound(err) {
			return struct{}{}, nil
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(shared.FromAPIError("failed to get session", err))
		}
		return struct{}{}, errStillPresent
	}, backoff.WithBackOff(backoff.NewConstantBackOff(pollInterval)), backoff.WithMaxElapsedTime(timeout))
	if errors.Is(err, errStillPresent) {
		return &shared.ExitError{Code: shared.ExitFailed, Message: fmt.Sprintf("session still present after %s", timeout)}
	}
	return err
}

func printSession(out io.Writer, command string, s *client.Session) error {
	if shared.GetJSON() {
		return shared.EmitResult(out, command, s)
	}
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Project: "), s.ProjectUUID)
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Pipeline:"), s.PipelineUUID)
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Status:  "), shared.RenderSessionStatus(s.Status))
	if addr := jupyterAddr(*s); addr != "-" {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Jupyter: "), addr)
	}
	if !s.CreatedAt.IsZero() {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Created: "), s.CreatedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func printMessage(out io.Writer, command, msg string) error {
	if shared.GetJSON() {
		return shared.EmitResult(out, command, map[string]string{"message": msg})
	}
	fmt.Fprintln(out, shared.RenderOK(msg))
	return nil
}

func jupyterAddr(s client.Session) string {
	if s.JupyterServerIP == "" || s.NotebookServerInfo == nil {
		return "-"
	}
	return fmt.Sprintf("%s:%d%s", s.JupyterServerIP, s.NotebookServerInfo.Port, s.NotebookServerInfo.BaseURL)
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String()
}
