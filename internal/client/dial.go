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

package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/orchest/sessions/internal/config"
	"github.com/orchest/sessions/internal/controller/listener"
)

// HostEnv selects the daemon endpoint, e.g. unix:///run/sessiond.sock,
// tcp://127.0.0.1:8080 or https://sessions.example.com:8443.
const HostEnv = "SESSIOND_HOST"

// DefaultSocketPath returns the socket the daemon listens on by default.
func DefaultSocketPath() string {
	return config.DefaultSocketPath()
}

// ParseHost builds a transport for a SESSIOND_HOST value. An empty host
// selects the default socket.
func ParseHost(host string) (*Transport, error) {
	if host == "" {
		return DefaultTransport(), nil
	}

	cfg, err := listener.ParseHost(host)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.SocketPath != "":
		return NewUnixTransport(cfg.SocketPath), nil
	case strings.HasPrefix(host, "https://"):
		return NewTLSTransport(cfg.TCPAddr, &tls.Config{MinVersion: tls.VersionTLS12}), nil
	default:
		return NewTCPTransport(cfg.TCPAddr), nil
	}
}

// FromEnvironment creates a client for the endpoint named by SESSIOND_HOST.
func FromEnvironment() (*Client, error) {
	transport, err := ParseHost(os.Getenv(HostEnv))
	if err != nil {
		return nil, err
	}
	return New(WithTransport(transport))
}

// DaemonNotRunningError reports that nothing accepted the connection.
type DaemonNotRunningError struct {
	Endpoint string
	Err      error
}

func (e *DaemonNotRunningError) Error() string {
	return fmt.Sprintf("sessiond is not running (endpoint: %s)", e.Endpoint)
}

func (e *DaemonNotRunningError) Unwrap() error {
	return e.Err
}

// Guidance returns a hint for the user.
func (e *DaemonNotRunningError) Guidance() string {
	return `sessiond is not running.

Start the daemon with:
  sessiond                      # Foreground
  sessiond --runtime noop       # Without a container engine

Or point the CLI at a running daemon:
  export SESSIOND_HOST=tcp://127.0.0.1:8080`
}

// IsDaemonNotRunning reports whether err means the daemon is unreachable.
func IsDaemonNotRunning(err error) bool {
	if err == nil {
		return false
	}
	var dnr *DaemonNotRunningError
	if errors.As(err, &dnr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}
