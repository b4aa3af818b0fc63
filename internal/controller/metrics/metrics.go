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

// Package metrics registers the Prometheus collectors of the control plane.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_transactions_total",
			Help: "Units of work by outcome (committed, rolled_back)",
		},
		[]string{"unit", "outcome"},
	)

	collaterals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_collaterals_total",
			Help: "Collateral phases run after commit, by function and outcome",
		},
		[]string{"function", "outcome"},
	)

	jobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_jobs_total",
			Help: "Background jobs finished, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessiond_job_duration_seconds",
			Help:    "Background job duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"kind"},
	)

	jobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessiond_jobs_queued",
			Help: "Jobs waiting for a worker",
		},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_session_transitions_total",
			Help: "Session state transitions, by target state",
		},
		[]string{"to"},
	)

	compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_compensations_total",
			Help: "Sessions retired by a failure path, by reason",
		},
		[]string{"reason"},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_persistence_errors_total",
			Help: "Store errors outside of a unit of work, by operation and error type",
		},
		[]string{"operation", "error_type"},
	)
)

// RecordTransaction counts a finished unit of work.
func RecordTransaction(unit string, committed bool) {
	outcome := "committed"
	if !committed {
		outcome = "rolled_back"
	}
	transactions.WithLabelValues(unit, outcome).Inc()
}

// RecordCollateral counts one collateral phase.
func RecordCollateral(function string, err error) {
	collaterals.WithLabelValues(function, outcomeOf(err)).Inc()
}

// RecordJob counts a finished background job and observes its duration.
func RecordJob(kind string, d time.Duration, err error) {
	jobs.WithLabelValues(kind, outcomeOf(err)).Inc()
	jobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetJobsQueued reports the current queue depth.
func SetJobsQueued(n int) {
	jobsQueued.Set(float64(n))
}

// RecordTransition counts a session entering state to. "DELETED" marks
// the terminal transition.
func RecordTransition(to string) {
	transitions.WithLabelValues(to).Inc()
}

// RecordCompensation counts a session retired by a failure path.
// reason is one of: launch_failed, submit_failed, stop_failed, wait_timeout, orphaned, reconcile
func RecordCompensation(reason string) {
	compensations.WithLabelValues(reason).Inc()
}

// RecordPersistenceError counts a store error raised by a background job.
func RecordPersistenceError(operation, errorType string) {
	persistenceErrors.WithLabelValues(operation, errorType).Inc()
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
