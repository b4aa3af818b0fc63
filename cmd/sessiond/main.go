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

// Command sessiond runs the session control plane.
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/orchest/sessions/internal/controller"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var opts controller.RunOptions

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&opts.BackendType, "backend", "", "Storage backend (sqlite, postgres)")
	flag.StringVar(&opts.PostgresURL, "postgres-url", "", "PostgreSQL connection URL")
	flag.StringVar(&opts.RuntimeType, "runtime", "", "Session runtime (docker, noop)")
	flag.StringVar(&opts.DataDir, "data-dir", "", "Directory for the sqlite database")
	flag.StringVar(&opts.SocketPath, "socket", "", "Unix socket path")
	flag.StringVar(&opts.TCPAddr, "tcp", "", "TCP address to listen on")
	flag.StringVar(&opts.TLSCert, "tls-cert", "", "Path to TLS certificate file")
	flag.StringVar(&opts.TLSKey, "tls-key", "", "Path to TLS private key file")
	flag.BoolVar(&opts.AllowRemote, "allow-remote", false, "Allow binding to non-localhost addresses (SECURITY WARNING)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("sessiond %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	opts.Version = version
	opts.Commit = commit
	opts.BuildDate = buildDate

	if err := controller.Run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "sessiond: %v\n", err)
		os.Exit(1)
	}
}
