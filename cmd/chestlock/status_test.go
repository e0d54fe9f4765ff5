// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/chestlock/internal/store"
)

func pendingMigrator() *fakeMigrator {
	return &fakeMigrator{
		version: 1,
		target:  2,
		pending: []store.Step{{Version: 2, Description: "updated at trigger", Action: store.SQL("SELECT 1")}},
	}
}

func TestStatus_Text(t *testing.T) {
	deps, mock, _ := testDeps(t, pendingMigrator())

	out, err := execute(deps, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema version: 1")
	assert.Contains(t, out, "Target version: 2")
	assert.Contains(t, out, "Pending migrations: 1")
	assert.Contains(t, out, "000002 updated at trigger")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatus_JSON(t *testing.T) {
	deps, _, _ := testDeps(t, pendingMigrator())

	out, err := execute(deps, "status", "--json")
	require.NoError(t, err)

	var status SchemaStatus
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &status))
	assert.Equal(t, SchemaStatus{
		Version: 1,
		Target:  2,
		Pending: []PendingStep{{Version: 2, Description: "updated at trigger"}},
	}, status)
}

func TestFormatStatus_NothingPending(t *testing.T) {
	out := formatStatus(SchemaStatus{Version: 2, Target: 2})
	assert.Equal(t, "Schema version: 2\nTarget version: 2\nNo pending migrations", out)
}
