// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package attached

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/chestlock/internal/protection"
	"github.com/holomush/chestlock/pkg/errutil"
)

func TestStore_LockThenRead(t *testing.T) {
	s := NewStore("")
	attrs := NewMemoryAttributes()
	owner := uuid.New()

	locked, err := s.Lock(attrs, owner)
	require.NoError(t, err)
	assert.Equal(t, owner, locked.Owner())

	got, ok := s.Read(context.Background(), attrs)
	require.True(t, ok)
	assert.Equal(t, owner, got.Owner())
	assert.False(t, got.AllowHopper)
	assert.True(t, got.AllowRedstone)
	assert.Zero(t, got.FriendCount())
	assert.Equal(t, 1, attrs.Commits())
}

func TestStore_WriteRoundTrip(t *testing.T) {
	s := NewStore("lock")
	attrs := NewMemoryAttributes()
	owner := uuid.New()
	reader := uuid.New()
	writer := uuid.New()

	p := protection.New(owner)
	require.NoError(t, p.AddFriend(reader, protection.ReadOnly))
	require.NoError(t, p.AddFriend(writer, protection.ReadWrite))
	p.SetFlags(true, false)

	require.NoError(t, s.Write(attrs, p))

	raw, ok := attrs.String("lock:owner")
	require.True(t, ok)
	assert.Equal(t, owner.String(), raw)
	hopper, ok := attrs.Byte("lock:hopper")
	require.True(t, ok)
	assert.Equal(t, byte(1), hopper)

	got, ok := s.Read(context.Background(), attrs)
	require.True(t, ok)
	assert.True(t, got.Equal(p))
}

func TestStore_ReadAbsent(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*MemoryAttributes)
	}{
		{
			name:  "no owner slot",
			setup: func(*MemoryAttributes) {},
		},
		{
			name: "unparsable owner",
			setup: func(m *MemoryAttributes) {
				m.SetString("chestlock:owner", "not-a-uuid")
			},
		},
		{
			name: "empty owner",
			setup: func(m *MemoryAttributes) {
				m.SetString("chestlock:owner", "")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := NewMemoryAttributes()
			tt.setup(attrs)
			got, ok := NewStore("").Read(context.Background(), attrs)
			assert.False(t, ok)
			assert.Nil(t, got)
		})
	}
}

func TestStore_ReadSkipsMalformedFriends(t *testing.T) {
	owner := uuid.New()
	good := uuid.New()
	attrs := NewMemoryAttributes()
	attrs.SetString("chestlock:owner", owner.String())
	attrs.SetString("chestlock:friends", "garbage;"+good.String()+":READ_WRITE;"+uuid.NewString()+":ADMIN")

	got, ok := NewStore("").Read(context.Background(), attrs)
	require.True(t, ok)
	assert.Equal(t, 1, got.FriendCount())
	perm, ok := got.FriendPermission(good)
	require.True(t, ok)
	assert.Equal(t, protection.ReadWrite, perm)
}

func TestStore_ReadDefaultsMissingFlags(t *testing.T) {
	attrs := NewMemoryAttributes()
	attrs.SetString("chestlock:owner", uuid.NewString())

	got, ok := NewStore("").Read(context.Background(), attrs)
	require.True(t, ok)
	assert.False(t, got.AllowHopper)
	assert.True(t, got.AllowRedstone)
}

func TestStore_Unlock(t *testing.T) {
	s := NewStore("")
	attrs := NewMemoryAttributes()
	_, err := s.Lock(attrs, uuid.New())
	require.NoError(t, err)

	require.NoError(t, s.Unlock(attrs))

	_, ok := s.Read(context.Background(), attrs)
	assert.False(t, ok)
	assert.Zero(t, attrs.Len())
	assert.Equal(t, 2, attrs.Commits())
}

func TestStore_CommitFailure(t *testing.T) {
	s := NewStore("")
	attrs := NewMemoryAttributes()
	diskFull := errors.New("disk full")
	attrs.OnCommit(func(map[string]string) error { return diskFull })

	_, err := s.Lock(attrs, uuid.New())
	errutil.AssertCodeAndCause(t, err, "ATTACHED_COMMIT_FAILED", diskFull)

	err = s.Unlock(attrs)
	errutil.AssertErrorCode(t, err, "ATTACHED_COMMIT_FAILED")
	assert.Zero(t, attrs.Commits())
}

func TestStore_WriteNil(t *testing.T) {
	err := NewStore("").Write(NewMemoryAttributes(), nil)
	errutil.AssertErrorCode(t, err, "PROTECTION_MALFORMED")
	assert.ErrorIs(t, err, protection.ErrMalformedRecord)
}

func TestMemoryAttributes_CommitSnapshot(t *testing.T) {
	attrs := NewMemoryAttributes()
	var seen map[string]string
	attrs.OnCommit(func(snap map[string]string) error {
		seen = snap
		return nil
	})
	attrs.SetString("a", "1")
	require.NoError(t, attrs.Commit())
	attrs.SetString("a", "2")

	assert.Equal(t, "1", seen["a"])
}
