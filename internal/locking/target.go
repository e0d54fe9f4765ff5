// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package locking

import (
	"github.com/holomush/chestlock/internal/protection"
	"github.com/holomush/chestlock/internal/protection/attached"
)

// Target is a lockable world object.
type Target interface {
	Location() protection.Key
}

// AttachedStorage is implemented by targets that may carry durable
// attribute slots of their own. The boolean reports whether this particular
// object has them.
type AttachedStorage interface {
	Attributes() (attached.Attributes, bool)
}

// Block is a target that only has a location.
type Block protection.Key

// Location returns the block's key.
func (b Block) Location() protection.Key {
	return protection.Key(b)
}

// Container is a target with its own attribute slots.
type Container struct {
	Key   protection.Key
	Attrs attached.Attributes
}

// Location returns the container's key.
func (c Container) Location() protection.Key {
	return c.Key
}

// Attributes returns the container's slots. A nil Attrs reports false.
func (c Container) Attributes() (attached.Attributes, bool) {
	return c.Attrs, c.Attrs != nil
}

// attributesOf returns the target's slots when it has them.
func attributesOf(t Target) (attached.Attributes, bool) {
	if s, ok := t.(AttachedStorage); ok {
		return s.Attributes()
	}
	return nil, false
}
