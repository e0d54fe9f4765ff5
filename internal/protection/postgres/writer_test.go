// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/chestlock/internal/protection"
	"github.com/holomush/chestlock/pkg/errutil"
)

func testWriterConfig(workers int) writerConfig {
	return writerConfig{
		workers:   workers,
		queueSize: 4,
		timeout:   time.Second,
		retries:   0,
		backoff:   time.Millisecond,
	}
}

func TestWriter_PreservesPerKeyOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	seen := make(map[string][]int)
	apply := func(_ context.Context, job writeJob) error {
		mu.Lock()
		defer mu.Unlock()
		name := job.key.String()
		seen[name] = append(seen[name], job.record.FriendCount())
		return nil
	}
	w := newWriter(apply, testWriterConfig(4), slog.Default())

	const perKey = 20
	keys := []protection.Key{
		protection.NewKey("w", 1, 0, 0),
		protection.NewKey("w", 2, 0, 0),
		protection.NewKey("w", 3, 0, 0),
	}
	for i := range perKey {
		for _, k := range keys {
			p := protection.New(sequenceOwner(0))
			for f := range i {
				require.NoError(t, p.AddFriend(sequenceOwner(f+1), protection.ReadOnly))
			}
			require.NoError(t, w.enqueue(writeJob{op: opSave, key: k, record: p}))
		}
	}
	w.close()

	for _, k := range keys {
		got := seen[k.String()]
		require.Len(t, got, perKey)
		for i, n := range got {
			assert.Equal(t, i, n, "write %d for %s applied out of order", i, k)
		}
	}
}

func TestWriter_DrainWaitsForQueuedWrites(t *testing.T) {
	defer goleak.VerifyNone(t)

	var applied atomic.Int32
	apply := func(context.Context, writeJob) error {
		time.Sleep(5 * time.Millisecond)
		applied.Add(1)
		return nil
	}
	w := newWriter(apply, testWriterConfig(2), slog.Default())
	defer w.close()

	for i := range 6 {
		require.NoError(t, w.enqueue(writeJob{op: opRemove, key: protection.NewKey("w", i, 0, 0)}))
	}
	require.NoError(t, w.drain(context.Background()))
	assert.Equal(t, int32(6), applied.Load())
	assert.Empty(t, w.pendingKeys())
}

func TestWriter_TracksPendingKeys(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	apply := func(context.Context, writeJob) error {
		<-release
		return nil
	}
	w := newWriter(apply, testWriterConfig(1), slog.Default())
	key := protection.NewKey("w", 0, 0, 0)

	require.NoError(t, w.enqueue(writeJob{op: opRemove, key: key}))
	assert.True(t, w.isPending(key.String()))
	assert.Contains(t, w.pendingKeys(), key.String())

	close(release)
	require.NoError(t, w.drain(context.Background()))
	assert.False(t, w.isPending(key.String()))
	w.close()
}

func TestWriter_SyncResultAndRetries(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	apply := func(context.Context, writeJob) error {
		if calls.Add(1) < 3 {
			return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
		}
		return nil
	}
	cfg := testWriterConfig(1)
	cfg.retries = 3
	w := newWriter(apply, cfg, slog.Default())
	defer w.close()

	done := make(chan error, 1)
	require.NoError(t, w.enqueue(writeJob{op: opSave, key: protection.NewKey("w", 0, 0, 0),
		record: protection.New(sequenceOwner(0)), done: done}))
	assert.NoError(t, <-done)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWriter_PermanentFailureIsNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t)

	var calls atomic.Int32
	apply := func(context.Context, writeJob) error {
		calls.Add(1)
		return &pgconn.PgError{Code: pgerrcode.UniqueViolation}
	}
	cfg := testWriterConfig(1)
	cfg.retries = 5
	w := newWriter(apply, cfg, slog.Default())
	defer w.close()

	done := make(chan error, 1)
	require.NoError(t, w.enqueue(writeJob{op: opRemove, key: protection.NewKey("w", 0, 0, 0), done: done}))
	err := <-done
	errutil.AssertErrorCode(t, err, "DURABLE_WRITE_FAILED")
	errutil.AssertErrorContext(t, err, "op", "remove")
	assert.Equal(t, int32(1), calls.Load())
}

func TestWriter_RejectsAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := newWriter(func(context.Context, writeJob) error { return nil }, testWriterConfig(2), slog.Default())
	w.close()
	w.close()

	err := w.enqueue(writeJob{op: opRemove, key: protection.NewKey("w", 0, 0, 0)})
	errutil.AssertCodeAndCause(t, err, "STORE_CLOSED", protection.ErrStoreClosed)
	assert.NoError(t, w.drain(context.Background()))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network error", errors.New("connection reset by peer"), true},
		{"connection exception", &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, true},
		{"serialization failure", &pgconn.PgError{Code: pgerrcode.SerializationFailure}, true},
		{"deadlock", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, true},
		{"too many connections", &pgconn.PgError{Code: pgerrcode.TooManyConnections}, true},
		{"admin shutdown", &pgconn.PgError{Code: pgerrcode.AdminShutdown}, true},
		{"unique violation", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, false},
		{"undefined table", &pgconn.PgError{Code: pgerrcode.UndefinedTable}, false},
		{"wrapped check violation", fmt.Errorf("write: %w", &pgconn.PgError{Code: pgerrcode.CheckViolation}), false},
		{"deadline", context.DeadlineExceeded, false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func sequenceOwner(n int) uuid.UUID {
	var id uuid.UUID
	id[15] = byte(n)
	id[14] = byte(n >> 8)
	return id
}
