// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package locking

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/chestlock/internal/protection"
	"github.com/holomush/chestlock/internal/protection/attached"
	"github.com/holomush/chestlock/internal/protection/postgres"
	"github.com/holomush/chestlock/pkg/errutil"
)

const selectOneProtection = `SELECT id, owner, allow_hopper, allow_redstone FROM chestlock_protections`

func TestService_SyncLockFailureLeavesTargetUnprotected(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	rs := postgres.New(mock,
		postgres.WithWriteMode(postgres.WriteSync),
		postgres.WithWorkers(1),
		postgres.WithRetries(0, time.Millisecond))
	t.Cleanup(func() { _ = rs.Close() })
	svc := New(attached.NewStore(""), rs, WithBackend("postgres"))
	ctx := context.Background()
	target := Block(protection.NewKey("world", 3, 4, 5))

	mock.ExpectQuery(regexp.QuoteMeta(selectOneProtection)).
		WithArgs("world", 3, 4, 5).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	mock.ExpectQuery(regexp.QuoteMeta(selectOneProtection)).
		WithArgs("world", 3, 4, 5).
		WillReturnError(pgx.ErrNoRows)

	_, err = svc.Lock(ctx, target, uuid.New())
	errutil.AssertErrorCode(t, err, "DURABLE_WRITE_FAILED")

	_, ok, err := svc.GetProtection(ctx, target)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
