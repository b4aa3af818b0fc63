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

/*
Package client provides an HTTP client for the sessiond API.

It is used by sessionctl and by tests to drive session lifecycle operations
over a Unix socket or TCP.

# Basic Usage

	c, err := client.FromEnvironment()
	if err != nil {
	    log.Fatal(err)
	}

	sess, err := c.CreateSession(ctx, client.CreateSessionRequest{
	    ProjectUUID:  "p1",
	    PipelineUUID: "q1",
	    PipelinePath: "main.orchest",
	})

	// Poll until RUNNING
	sess, err = c.GetSession(ctx, "p1", "q1")

	// Tear it down
	msg, err := c.StopSession(ctx, "p1", "q1")

# Transport

The default transport connects to the daemon's Unix socket, under
$XDG_RUNTIME_DIR/sessiond or ~/.sessiond. Override it with SESSIOND_HOST:

	export SESSIOND_HOST=tcp://127.0.0.1:8080

# Errors

Non-2xx responses are returned as *APIError carrying the status and the
daemon's message. IsNotFound and IsConflict classify the common cases, and
*DaemonNotRunningError means nothing accepted the connection.
*/
package client
