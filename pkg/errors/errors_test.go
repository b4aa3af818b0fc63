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

package errors_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation with field", &sessionerrors.ValidationError{Field: "project_uuid", Message: "required"}, "validation failed on project_uuid: required"},
		{"validation without field", &sessionerrors.ValidationError{Message: "bad body"}, "validation failed: bad body"},
		{"not found", &sessionerrors.NotFoundError{Resource: "session", ID: "p/q"}, "session not found: p/q"},
		{"conflict", &sessionerrors.ConflictError{Resource: "session", ID: "p/q"}, "session already exists: p/q"},
		{"precondition", &sessionerrors.PreconditionError{Condition: "JupyterBuildInProgress"}, "precondition failed: JupyterBuildInProgress"},
		{"precondition with message", &sessionerrors.PreconditionError{Condition: "build", Message: "pending"}, "precondition failed: build: pending"},
		{"config with key", &sessionerrors.ConfigError{Key: "backend.type", Reason: "unknown"}, "config error at backend.type: unknown"},
		{"timeout", &sessionerrors.TimeoutError{Operation: "wait for launch", Duration: time.Second}, "wait for launch operation timed out after 1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, sessionerrors.Wrap(nil, "ctx"))
	assert.Nil(t, sessionerrors.Wrapf(nil, "ctx %d", 1))

	root := errors.New("root")
	wrapped := sessionerrors.Wrapf(root, "deleting %s", "p/q")
	assert.Equal(t, "deleting p/q: root", wrapped.Error())
	assert.True(t, sessionerrors.Is(wrapped, root))
	assert.Equal(t, root, sessionerrors.Unwrap(wrapped))
}

func TestClassification(t *testing.T) {
	conflict := fmt.Errorf("insert: %w", &sessionerrors.ConflictError{Resource: "session", ID: "x", Cause: errors.New("unique")})
	assert.True(t, sessionerrors.IsConflict(conflict))
	assert.False(t, sessionerrors.IsNotFound(conflict))
	assert.Equal(t, "conflict", sessionerrors.TypeOf(conflict))

	nf := sessionerrors.Wrap(&sessionerrors.NotFoundError{Resource: "session", ID: "x"}, "get")
	assert.True(t, sessionerrors.IsNotFound(nf))
	assert.Equal(t, "not_found", sessionerrors.TypeOf(nf))

	assert.Equal(t, "internal", sessionerrors.TypeOf(errors.New("boom")))
	assert.Equal(t, "", sessionerrors.TypeOf(nil))

	var c sessionerrors.ErrorClassifier = &sessionerrors.TimeoutError{Operation: "x"}
	assert.True(t, c.IsRetryable())
}

func TestUnwrapCause(t *testing.T) {
	cause := errors.New("disk full")
	err := &sessionerrors.ConfigError{Key: "backend.sqlite.path", Reason: "unwritable", Cause: cause}
	assert.ErrorIs(t, err, cause)

	timeout := &sessionerrors.TimeoutError{Operation: "x", Cause: cause}
	assert.ErrorIs(t, timeout, cause)
}
