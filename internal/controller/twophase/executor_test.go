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
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/orchest/sessions/internal/log"
)

// recorder collects collateral invocations across functions.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// insertFn inserts its input into the items table and proceeds with it.
type insertFn struct {
	name          string
	rec           *recorder
	skip          bool
	txErr         error
	collateralErr error
}

func (f *insertFn) Name() string { return f.name }

func (f *insertFn) Transaction(tc *TxnContext, in string) (Outcome[string], error) {
	if f.skip {
		return Skip[string](), nil
	}
	if _, err := tc.Tx.ExecContext(tc.Context(), "INSERT INTO items (name) VALUES (?)", in); err != nil {
		return Skip[string](), err
	}
	if f.txErr != nil {
		return Skip[string](), f.txErr
	}
	return Proceed(in), nil
}

func (f *insertFn) Collateral(ctx context.Context, payload string) error {
	f.rec.add(f.name + ":" + payload)
	return f.collateralErr
}

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "twophase.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec("CREATE TABLE items (name TEXT PRIMARY KEY)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func countItems(t *testing.T, db *sqlx.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, "SELECT COUNT(*) FROM items"))
	return n
}

func TestExecuteCommitsThenRunsCollateral(t *testing.T) {
	db := newTestDB(t)
	rec := &recorder{}
	e := NewExecutor(db, WithLogger(log.Discard()))

	out, err := Execute(context.Background(), e, &insertFn{name: "create", rec: rec}, "a")
	require.NoError(t, err)
	assert.True(t, out.Proceeded())
	assert.Equal(t, "a", out.Payload())
	assert.Equal(t, 1, countItems(t, db))
	assert.Equal(t, []string{"create:a"}, rec.get())
}

func TestExecuteSkipRunsNoCollateral(t *testing.T) {
	db := newTestDB(t)
	rec := &recorder{}
	e := NewExecutor(db, WithLogger(log.Discard()))

	out, err := Execute(context.Background(), e, &insertFn{name: "stop", rec: rec, skip: true}, "a")
	require.NoError(t, err)
	assert.False(t, out.Proceeded())
	assert.Empty(t, out.Payload())
	assert.Empty(t, rec.get())
}

func TestTransactionErrorRollsBack(t *testing.T) {
	db := newTestDB(t)
	rec := &recorder{}
	e := NewExecutor(db, WithLogger(log.Discard()))
	boom := errors.New("precondition")

	_, err := Execute(context.Background(), e, &insertFn{name: "create", rec: rec, txErr: boom}, "a")

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "create", txErr.Unit)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsCommitted(err))
	assert.Equal(t, 0, countItems(t, db))
	assert.Empty(t, rec.get())
}

func TestComposedUnitRunsCollateralsInOrder(t *testing.T) {
	db := newTestDB(t)
	rec := &recorder{}
	e := NewExecutor(db, WithLogger(log.Discard()))

	first := &insertFn{name: "abort-run", rec: rec}
	skipped := &insertFn{name: "noop", rec: rec, skip: true}
	second := &insertFn{name: "stop-session", rec: rec}

	err := e.Run(context.Background(), "stop", func(tc *TxnContext) error {
		if _, err := Do(tc, first, "run-1"); err != nil {
			return err
		}
		if _, err := Do(tc, skipped, "x"); err != nil {
			return err
		}
		if _, err := Do(tc, second, "session-1"); err != nil {
			return err
		}
		assert.Equal(t, []string{"abort-run", "stop-session"}, tc.Pending())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, countItems(t, db))
	assert.Equal(t, []string{"abort-run:run-1", "stop-session:session-1"}, rec.get())
}

func TestComposedUnitRollsBackTogether(t *testing.T) {
	db := newTestDB(t)
	rec := &recorder{}
	e := NewExecutor(db, WithLogger(log.Discard()))

	first := &insertFn{name: "abort-run", rec: rec}
	second := &insertFn{name: "stop-session", rec: rec, txErr: errors.New("lost row")}

	err := e.Run(context.Background(), "stop", func(tc *TxnContext) error {
		if _, err := Do(tc, first, "run-1"); err != nil {
			return err
		}
		_, err := Do(tc, second, "session-1")
		return err
	})
	require.Error(t, err)
	assert.Equal(t, 0, countItems(t, db), "the first function's write must be rolled back too")
	assert.Empty(t, rec.get())
}

func TestCollateralFailureKeepsCommit(t *testing.T) {
	db := newTestDB(t)
	rec := &recorder{}
	e := NewExecutor(db, WithLogger(log.Discard()))
	submitErr := errors.New("queue closed")

	failing := &insertFn{name: "first", rec: rec, collateralErr: submitErr}
	ok := &insertFn{name: "second", rec: rec}

	err := e.Run(context.Background(), "unit", func(tc *TxnContext) error {
		if _, err := Do(tc, failing, "a"); err != nil {
			return err
		}
		_, err := Do(tc, ok, "b")
		return err
	})

	var ce *CollateralError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Failures, 1)
	assert.Equal(t, "first", ce.Failures[0].Function)
	assert.ErrorIs(t, err, submitErr)
	assert.True(t, IsCommitted(err))
	assert.Equal(t, 2, countItems(t, db))
	assert.Equal(t, []string{"first:a", "second:b"}, rec.get(), "later collaterals still run")
}

func TestCommitFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db := sqlx.NewDb(sqlDB, "sqlmock")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO items").WithArgs("a").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))

	rec := &recorder{}
	e := NewExecutor(db, WithLogger(log.Discard()))
	_, err = Execute(context.Background(), e, &insertFn{name: "create", rec: rec}, "a")

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Contains(t, err.Error(), "commit")
	assert.Empty(t, rec.get())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db := sqlx.NewDb(sqlDB, "sqlmock")

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	rec := &recorder{}
	e := NewExecutor(db, WithLogger(log.Discard()))
	_, err = Execute(context.Background(), e, &insertFn{name: "create", rec: rec}, "a")

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Contains(t, err.Error(), "begin")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPanicRollsBack(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db := sqlx.NewDb(sqlDB, "sqlmock")

	mock.ExpectBegin()
	mock.ExpectRollback()

	e := NewExecutor(db, WithLogger(log.Discard()))
	assert.Panics(t, func() {
		_ = e.Run(context.Background(), "unit", func(tc *TxnContext) error {
			panic("bug")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}
