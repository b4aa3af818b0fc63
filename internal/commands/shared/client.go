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

package shared

import (
	"os"

	"github.com/orchest/sessions/internal/client"
)

// NewClient returns a daemon client for --host, falling back to
// SESSIOND_HOST and then the default socket.
func NewClient() (*client.Client, error) {
	host := GetHost()
	if host == "" {
		host = os.Getenv(client.HostEnv)
	}
	transport, err := client.ParseHost(host)
	if err != nil {
		return nil, NewUsageError(err.Error())
	}
	return client.New(client.WithTransport(transport))
}
