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

// Package tracing sets up OpenTelemetry for the session daemon.
//
// Spans are produced around HTTP requests, two-phase units of work and their
// collateral phases, and background jobs. Jobs start a new root span linked
// to the span of the request that submitted them, since they outlive it.
//
// Exporters:
//   - stdout: pretty-printed spans, for development
//   - otlp: OTLP over gRPC
//   - otlphttp: OTLP over HTTP
//
// The meter provider exports through the Prometheus registry, so OTel
// instruments appear on /metrics next to the native collectors.
package tracing
