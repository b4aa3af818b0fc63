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

package sqlstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampScan(t *testing.T) {
	want := time.Date(2024, 5, 6, 7, 8, 9, 500000000, time.UTC)

	tests := []struct {
		name string
		src  any
	}{
		{"time", want},
		{"sqlite text", "2024-05-06 07:08:09.5+00:00"},
		{"rfc3339", "2024-05-06T07:08:09.5Z"},
		{"bytes", []byte("2024-05-06 07:08:09.5+00:00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts timestamp
			require.NoError(t, ts.Scan(tt.src))
			assert.True(t, ts.Valid)
			assert.True(t, want.Equal(ts.Time), "got %v", ts.Time)
		})
	}

	var ts timestamp
	require.NoError(t, ts.Scan(nil))
	assert.False(t, ts.Valid)
	assert.Nil(t, ts.ptr())

	assert.Error(t, ts.Scan("yesterday"))
	assert.Error(t, ts.Scan(42))
}

func TestNullTime(t *testing.T) {
	assert.False(t, nullTime(nil).Valid)
	now := time.Now()
	v, err := nullTime(&now).Value()
	require.NoError(t, err)
	assert.True(t, now.Equal(v.(time.Time)))
}
