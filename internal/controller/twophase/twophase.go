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

// Package twophase runs operations as a metadata transaction followed by a
// collateral action.
//
// The transaction phase of every function composed into a unit of work runs
// inside one database transaction. Only when that transaction commits are
// the collateral phases invoked, in the order their functions ran, outside
// of the transaction. A function whose transaction phase returns Skip has no
// collateral. Collateral phases are expected to be short: they hand
// long-running work to the job scheduler and return.
package twophase

import (
	"context"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Function is an operation split into a transactional and a collateral phase.
// In is the input of the transaction phase; P is the payload handed from the
// transaction phase to the collateral phase.
type Function[In, P any] interface {
	// Name identifies the function in logs, spans and metrics.
	Name() string

	// Transaction mutates metadata through tc.Tx. Returning an error rolls
	// back the whole unit of work.
	Transaction(tc *TxnContext, in In) (Outcome[P], error)

	// Collateral runs after commit with the payload of a Proceed outcome.
	Collateral(ctx context.Context, payload P) error
}

// Outcome is the result of a transaction phase: either Skip, or Proceed
// carrying the payload for the collateral phase.
type Outcome[P any] struct {
	proceed bool
	payload P
}

// Skip reports that there is nothing for the collateral phase to do.
func Skip[P any]() Outcome[P] {
	return Outcome[P]{}
}

// Proceed queues the collateral phase with payload.
func Proceed[P any](payload P) Outcome[P] {
	return Outcome[P]{proceed: true, payload: payload}
}

// Proceeded reports whether the outcome queued a collateral phase.
func (o Outcome[P]) Proceeded() bool {
	return o.proceed
}

// Payload returns the collateral payload. Zero for a skipped outcome.
func (o Outcome[P]) Payload() P {
	return o.payload
}

type collateral struct {
	name string
	run  func(ctx context.Context) error
}

// TxnContext is the ambient state of one unit of work.
type TxnContext struct {
	// Tx is the transaction every transaction phase must use.
	Tx *sqlx.Tx

	// Logger is scoped to the unit of work.
	Logger *slog.Logger

	ctx         context.Context
	collaterals []collateral
}

// Context returns the request context the unit of work runs under.
func (tc *TxnContext) Context() context.Context {
	return tc.ctx
}

// Pending returns the names of the collateral phases queued so far.
func (tc *TxnContext) Pending() []string {
	names := make([]string, len(tc.collaterals))
	for i, c := range tc.collaterals {
		names[i] = c.name
	}
	return names
}

func (tc *TxnContext) queue(name string, run func(ctx context.Context) error) {
	tc.collaterals = append(tc.collaterals, collateral{name: name, run: run})
}

// Do runs the transaction phase of fn inside the unit of work and, when it
// proceeds, queues the collateral phase with the typed payload.
func Do[In, P any](tc *TxnContext, fn Function[In, P], in In) (Outcome[P], error) {
	out, err := fn.Transaction(tc, in)
	if err != nil {
		return Skip[P](), err
	}
	if out.proceed {
		payload := out.payload
		tc.queue(fn.Name(), func(ctx context.Context) error {
			return fn.Collateral(ctx, payload)
		})
	}
	return out, nil
}
