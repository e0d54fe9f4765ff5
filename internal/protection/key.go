// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package protection

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/oops"
)

// Key addresses a block by realm and integer block coordinates.
// Realm names are case-sensitive.
type Key struct {
	World string
	X     int
	Y     int
	Z     int
}

// NewKey returns the key for the given block coordinates.
func NewKey(world string, x, y, z int) Key {
	return Key{World: world, X: x, Y: y, Z: z}
}

// String returns the canonical "world,x,y,z" form.
func (k Key) String() string {
	return fmt.Sprintf("%s,%d,%d,%d", k.World, k.X, k.Y, k.Z)
}

// ParseKey parses the canonical "world,x,y,z" form.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Key{}, oops.Code("PROTECTION_MALFORMED").With("key", s).
			Wrapf(ErrMalformedRecord, "location key must have 4 parts, got %d", len(parts))
	}
	if parts[0] == "" {
		return Key{}, oops.Code("PROTECTION_MALFORMED").With("key", s).
			Wrapf(ErrMalformedRecord, "location key has empty world")
	}
	coords := make([]int, 3)
	for i, part := range parts[1:] {
		n, err := strconv.Atoi(part)
		if err != nil {
			return Key{}, oops.Code("PROTECTION_MALFORMED").With("key", s).
				Wrapf(ErrMalformedRecord, "invalid coordinate %q", part)
		}
		coords[i] = n
	}
	return Key{World: parts[0], X: coords[0], Y: coords[1], Z: coords[2]}, nil
}
