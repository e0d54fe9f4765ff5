// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/chestlock/internal/locking"
	"github.com/holomush/chestlock/internal/protection"
	"github.com/holomush/chestlock/internal/store"
	"github.com/holomush/chestlock/pkg/errutil"
)

func TestMigrate_AppliesPendingSteps(t *testing.T) {
	m := &fakeMigrator{result: store.Result{State: store.StateDone, From: 0, To: 2, Applied: []int{1, 2}}}
	deps, mock, _ := testDeps(t, m)

	out, err := execute(deps, "migrate")
	require.NoError(t, err)
	assert.Equal(t, 1, m.migrated)
	assert.Contains(t, out, "Migrated schema from version 0 to 2 (applied [1 2])")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_UpToDate(t *testing.T) {
	deps, _, _ := testDeps(t, &fakeMigrator{result: store.Result{State: store.StateUpToDate, From: 2, To: 2}})

	out, err := execute(deps, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date at version 2")
}

func TestMigrate_Failure(t *testing.T) {
	m := &fakeMigrator{
		result: store.Result{State: store.StateRollingBack, From: 1, To: 2},
		err:    oops.Code("MIGRATION_FAILED").With("version", 2).Errorf("syntax error"),
	}
	deps, _, _ := testDeps(t, m)

	out, err := execute(deps, "migrate")
	errutil.AssertErrorCode(t, err, "MIGRATION_FAILED")
	assert.Contains(t, out, "Migration stopped in state ROLLING_BACK at version 1")
}

func TestMigrate_ConnectFailure(t *testing.T) {
	deps := Deps{
		Connect: func(context.Context, store.ConnConfig) (locking.Pool, error) {
			return nil, oops.Code("BACKEND_UNAVAILABLE").Wrap(protection.ErrBackendUnavailable)
		},
	}

	_, err := execute(deps, "migrate")
	errutil.AssertCodeAndCause(t, err, "BACKEND_UNAVAILABLE", protection.ErrBackendUnavailable)
	errutil.AssertErrorContext(t, err, "operation", "connect to database")
}
