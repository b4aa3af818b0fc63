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
Package cli builds the sessionctl command tree.

Global flags:

  - --host/-H: daemon endpoint, overriding SESSIOND_HOST
  - --json: machine-readable output
  - --verbose/-v: extra diagnostics
  - --config: configuration file

Commands:

	sessionctl sessions list [--project UUID] [--pipeline UUID]
	sessionctl sessions get <project-uuid> <pipeline-uuid>
	sessionctl sessions start <project-uuid> <pipeline-uuid> [--wait]
	sessionctl sessions stop <project-uuid> <pipeline-uuid> [--wait]
	sessionctl sessions restart <project-uuid> <pipeline-uuid>
	sessionctl version

Exit codes are defined in the shared package: 3 when a session does not
exist, 4 on a conflict and 69 when the daemon cannot be reached.
*/
package cli
