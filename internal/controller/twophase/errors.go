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

package twophase

import (
	"errors"
	"fmt"
	"strings"
)

// TransactionError is returned when a unit of work failed before or at
// commit. Nothing was persisted and no collateral phase ran.
type TransactionError struct {
	Unit  string
	Cause error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.Unit, e.Cause)
}

func (e *TransactionError) Unwrap() error {
	return e.Cause
}

// CollateralError is returned when one or more collateral phases failed
// after a successful commit. The committed metadata stays in place.
type CollateralError struct {
	Unit string

	// Failures maps function name to its error, in run order.
	Failures []CollateralFailure
}

// CollateralFailure is a single failed collateral phase.
type CollateralFailure struct {
	Function string
	Err      error
}

func (e *CollateralError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Function, f.Err)
	}
	return fmt.Sprintf("collateral of %s failed: %s", e.Unit, strings.Join(parts, "; "))
}

func (e *CollateralError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// IsCommitted reports whether err leaves the transaction committed, which is
// the case for nil and for collateral failures.
func IsCommitted(err error) bool {
	if err == nil {
		return true
	}
	var ce *CollateralError
	return errors.As(err, &ce)
}
