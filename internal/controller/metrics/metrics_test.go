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

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTransaction(t *testing.T) {
	committed := transactions.With(prometheus.Labels{"unit": "test-unit", "outcome": "committed"})
	rolledBack := transactions.With(prometheus.Labels{"unit": "test-unit", "outcome": "rolled_back"})
	c0, r0 := testutil.ToFloat64(committed), testutil.ToFloat64(rolledBack)

	RecordTransaction("test-unit", true)
	RecordTransaction("test-unit", false)
	RecordTransaction("test-unit", false)

	assert.Equal(t, c0+1, testutil.ToFloat64(committed))
	assert.Equal(t, r0+2, testutil.ToFloat64(rolledBack))
}

func TestRecordCollateral(t *testing.T) {
	ok := collaterals.WithLabelValues("test-fn", "ok")
	failed := collaterals.WithLabelValues("test-fn", "error")
	o0, f0 := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	RecordCollateral("test-fn", nil)
	RecordCollateral("test-fn", errors.New("submit failed"))

	assert.Equal(t, o0+1, testutil.ToFloat64(ok))
	assert.Equal(t, f0+1, testutil.ToFloat64(failed))
}

func TestRecordJob(t *testing.T) {
	counter := jobs.WithLabelValues("test-job", "error")
	before := testutil.ToFloat64(counter)

	RecordJob("test-job", 2*time.Second, errors.New("boom"))

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(jobDuration), 1)
}

func TestGaugesAndCounters(t *testing.T) {
	SetJobsQueued(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(jobsQueued))

	to := transitions.WithLabelValues("STOPPING")
	before := testutil.ToFloat64(to)
	RecordTransition("STOPPING")
	assert.Equal(t, before+1, testutil.ToFloat64(to))

	comp := compensations.WithLabelValues("launch_failed")
	before = testutil.ToFloat64(comp)
	RecordCompensation("launch_failed")
	assert.Equal(t, before+1, testutil.ToFloat64(comp))

	pe := persistenceErrors.WithLabelValues("MarkSessionRunning", "internal")
	before = testutil.ToFloat64(pe)
	RecordPersistenceError("MarkSessionRunning", "internal")
	assert.Equal(t, before+1, testutil.ToFloat64(pe))
}
