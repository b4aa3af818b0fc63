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
Package controller provides the sessiond control plane server.

The Controller binds the subsystems that manage interactive sessions:

  - backend: session, build and pipeline run persistence (sqlite, postgres)
  - twophase: the executor running transaction then collateral units of work
  - queue: the worker pool running launch, stop and restart jobs
  - runtime: the container runtime that owns session resources
  - pipelinerun: aborting the active interactive run of a pipeline
  - session: the Create, Stop and RestartSubresource lifecycle
  - api: the REST surface under /api/sessions/
  - listener: Unix socket and TCP listeners

# Usage

	cfg, _ := config.Load("")
	c, err := controller.New(cfg, controller.Options{Version: "1.0.0"})
	if err != nil {
	    log.Fatal(err)
	}

	go func() {
	    if err := c.Start(ctx); err != nil {
	        log.Fatal(err)
	    }
	}()

	// Graceful shutdown drains pending jobs.
	c.Shutdown(context.Background())

On start the controller retires sessions a previous process left in
LAUNCHING or STOPPING, since no job owns them anymore.
*/
package controller
