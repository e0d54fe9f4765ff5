// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/chestlock/internal/protection"
	"github.com/holomush/chestlock/internal/protection/filestore"
	"github.com/holomush/chestlock/internal/store"
	"github.com/holomush/chestlock/pkg/errutil"
)

func TestExport_WritesDocument(t *testing.T) {
	deps, mock, _ := testDeps(t, &fakeMigrator{})
	owner := uuid.New()
	friend := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM chestlock_protections")).WillReturnRows(
		pgxmock.NewRows([]string{"id", "world", "x", "y", "z", "owner", "allow_hopper", "allow_redstone"}).
			AddRow(int64(1), "world", 10, 64, 10, owner.String(), false, true).
			AddRow(int64(2), "world", 11, 64, 10, "not-a-uuid", false, true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM chestlock_friends")).WillReturnRows(
		pgxmock.NewRows([]string{"protection_id", "friend_uuid", "permission"}).
			AddRow(int64(1), friend.String(), "READ_ONLY"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT world, x, y, z FROM chestlock_protections")).WillReturnRows(
		pgxmock.NewRows([]string{"world", "x", "y", "z"}).AddRow("world", 10, 64, 10))

	out := filepath.Join(t.TempDir(), "export.yml")
	stdout, err := execute(deps, "export", "--out", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Exported 1 protections")
	assert.Contains(t, stdout, "skipped 1 malformed rows")
	assert.NoError(t, mock.ExpectationsWereMet())

	doc := filestore.New(out)
	report, err := doc.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)
	p, ok, err := doc.Get(context.Background(), protection.NewKey("world", 10, 64, 10))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, owner, p.Owner())
	perm, ok := p.FriendPermission(friend)
	require.True(t, ok)
	assert.Equal(t, protection.ReadOnly, perm)
}

func TestExport_RequiresOut(t *testing.T) {
	deps, _, _ := testDeps(t, &fakeMigrator{})
	_, err := execute(deps, "export")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "out" not set`)
}

func TestImport_WritesEveryRecord(t *testing.T) {
	ctx := context.Background()
	m := &fakeMigrator{result: store.Result{State: store.StateUpToDate, From: 2, To: 2}}
	deps, mock, _ := testDeps(t, m)

	in := filepath.Join(t.TempDir(), "protections.yml")
	doc := filestore.New(in)
	key := protection.NewKey("world", -5, 12, 40)
	owner := uuid.New()
	friend := uuid.New()
	p := protection.New(owner)
	require.NoError(t, p.AddFriend(friend, protection.ReadWrite))
	p.SetFlags(true, false)
	require.NoError(t, doc.Save(ctx, key, p))
	require.NoError(t, doc.Close())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO chestlock_protections")).
		WithArgs("world", -5, 12, 40, owner.String(), true, false).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chestlock_friends")).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chestlock_friends")).
		WithArgs(int64(3), []string{friend.String()}, []string{"READ_WRITE"}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	stdout, err := execute(deps, "import", "--in", in)
	require.NoError(t, err)
	assert.Equal(t, 1, m.migrated, "import applies pending migrations first")
	assert.Contains(t, stdout, "Imported 1 protections")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImport_MissingDocument(t *testing.T) {
	deps, _, _ := testDeps(t, &fakeMigrator{})
	_, err := execute(deps, "import", "--in", filepath.Join(t.TempDir(), "absent.yml"))
	errutil.AssertErrorCode(t, err, "LOAD_FAILED")
}

func TestImport_WriteFailure(t *testing.T) {
	ctx := context.Background()
	deps, mock, _ := testDeps(t, &fakeMigrator{})

	in := filepath.Join(t.TempDir(), "protections.yml")
	doc := filestore.New(in)
	require.NoError(t, doc.Save(ctx, protection.NewKey("world", 0, 0, 0), protection.New(uuid.New())))
	require.NoError(t, doc.Close())

	mock.ExpectBegin().WillReturnError(assert.AnError)

	_, err := execute(deps, "import", "--in", in, "--storage.postgres.write_mode", "async")
	errutil.AssertErrorCode(t, err, "DURABLE_WRITE_FAILED")
	errutil.AssertErrorContext(t, err, "imported", 0)
}
