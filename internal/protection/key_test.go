// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package protection_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/chestlock/internal/protection"
)

func TestKey_String(t *testing.T) {
	assert.Equal(t, "world,10,64,-3", protection.NewKey("world", 10, 64, -3).String())
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    protection.Key
		wantErr bool
	}{
		{"canonical", "world,10,64,10", protection.NewKey("world", 10, 64, 10), false},
		{"negative coordinates", "world_nether,-5,0,-120", protection.NewKey("world_nether", -5, 0, -120), false},
		{"case preserved", "World,1,2,3", protection.NewKey("World", 1, 2, 3), false},
		{"too few parts", "world,1,2", protection.Key{}, true},
		{"too many parts", "world,1,2,3,4", protection.Key{}, true},
		{"empty world", ",1,2,3", protection.Key{}, true},
		{"non-integer", "world,1.5,2,3", protection.Key{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protection.ParseKey(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, protection.ErrMalformedRecord)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestKey_EqualityIsCaseSensitive(t *testing.T) {
	assert.NotEqual(t, protection.NewKey("world", 1, 2, 3), protection.NewKey("World", 1, 2, 3))
	assert.Equal(t, protection.NewKey("world", 1, 2, 3), protection.NewKey("world", 1, 2, 3))
}
