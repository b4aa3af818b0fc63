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

package session

import (
	"github.com/orchest/sessions/internal/controller/backend"
	sessionerrors "github.com/orchest/sessions/pkg/errors"
)

// transitions lists the stored-status moves a session may make. Rows are
// only ever created LAUNCHING, and deletion is allowed from every state.
// A launch that completes while a stop waits on it records its handles but
// leaves the row STOPPING.
var transitions = map[backend.SessionStatus][]backend.SessionStatus{
	backend.StatusLaunching: {backend.StatusRunning, backend.StatusStopping},
	backend.StatusRunning:   {backend.StatusStopping},
	backend.StatusStopping:  {backend.StatusStopping},
}

// CanTransition reports whether a session in from may move to to.
func CanTransition(from, to backend.SessionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to backend.SessionStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &sessionerrors.PreconditionError{
		Condition: "InvalidTransition",
		Message:   string(from) + " -> " + string(to),
	}
}
