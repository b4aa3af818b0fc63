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
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchest/sessions/internal/controller/metrics"
	"github.com/orchest/sessions/internal/log"
)

const tracerName = "github.com/orchest/sessions/internal/controller/twophase"

// Executor runs units of work against a database pool.
type Executor struct {
	db     *sqlx.DB
	logger *slog.Logger
	tracer trace.Tracer
	txOpts *sql.TxOptions
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// WithTxOptions sets the options every transaction is begun with.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(e *Executor) {
		e.txOpts = opts
	}
}

// NewExecutor creates an executor over db.
func NewExecutor(db *sqlx.DB, opts ...Option) *Executor {
	e := &Executor{
		db:     db,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = log.WithComponent(e.logger, "twophase")
	return e
}

// Run executes body as one unit of work named unit. body composes
// functions with Do. On any error in body or a failed commit the
// transaction is rolled back and a *TransactionError is returned; a panic in
// body rolls back and keeps unwinding. After a
// successful commit all queued collateral phases run in order; their
// failures are collected into a *CollateralError.
func (e *Executor) Run(ctx context.Context, unit string, body func(tc *TxnContext) error) (err error) {
	ctx, span := e.tracer.Start(ctx, "twophase."+unit)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tc, err := e.transaction(ctx, unit, body)
	if err != nil {
		metrics.RecordTransaction(unit, false)
		return &TransactionError{Unit: unit, Cause: err}
	}
	metrics.RecordTransaction(unit, true)

	// The request may go away after commit; the collateral must still run.
	return e.collateral(context.WithoutCancel(ctx), unit, tc)
}

func (e *Executor) transaction(ctx context.Context, unit string, body func(tc *TxnContext) error) (tc *TxnContext, err error) {
	tx, err := e.db.BeginTxx(ctx, e.txOpts)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			e.logger.Warn("rollback failed", slog.String("unit", unit), log.Error(rbErr))
		}
	}()

	tc = &TxnContext{
		Tx:     tx,
		Logger: e.logger.With(slog.String("unit", unit)),
		ctx:    ctx,
	}

	if err := body(tc); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return tc, nil
}

func (e *Executor) collateral(ctx context.Context, unit string, tc *TxnContext) error {
	var failures []CollateralFailure
	for _, c := range tc.collaterals {
		cctx, span := e.tracer.Start(ctx, "twophase.collateral",
			trace.WithAttributes(attribute.String("twophase.function", c.name)))

		err := c.run(cctx)
		metrics.RecordCollateral(c.name, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Error("collateral failed",
				slog.String("unit", unit),
				slog.String("function", c.name),
				log.Error(err))
			failures = append(failures, CollateralFailure{Function: c.name, Err: err})
		}
		span.End()
	}

	if len(failures) > 0 {
		return &CollateralError{Unit: unit, Failures: failures}
	}
	return nil
}

// Execute runs a single function as its own unit of work.
func Execute[In, P any](ctx context.Context, e *Executor, fn Function[In, P], in In) (Outcome[P], error) {
	var out Outcome[P]
	err := e.Run(ctx, fn.Name(), func(tc *TxnContext) error {
		var err error
		out, err = Do(tc, fn, in)
		return err
	})
	return out, err
}
