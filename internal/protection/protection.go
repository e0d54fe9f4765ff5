// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package protection contains the access-control record that guards a
// lockable world object, the location key used to address records that live
// outside the object, and the storage contracts implemented by the backends.
package protection

import (
	"maps"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/oops"
)

// Permission is the level of access granted to a friend.
// READ_WRITE implies READ_ONLY.
type Permission string

// Permission levels.
const (
	ReadOnly  Permission = "READ_ONLY"
	ReadWrite Permission = "READ_WRITE"
)

// ParsePermission parses the persisted form of a permission.
func ParsePermission(s string) (Permission, error) {
	switch Permission(s) {
	case ReadOnly, ReadWrite:
		return Permission(s), nil
	default:
		return "", oops.Code("PROTECTION_MALFORMED").With("permission", s).
			Wrapf(ErrMalformedRecord, "unknown permission %q", s)
	}
}

// String returns the persisted form of the permission.
func (p Permission) String() string {
	return string(p)
}

// CanRead reports whether the permission allows opening the object.
func (p Permission) CanRead() bool {
	return p == ReadOnly || p == ReadWrite
}

// CanWrite reports whether the permission allows changing the object's contents.
func (p Permission) CanWrite() bool {
	return p == ReadWrite
}

// Protection is the ownership record for one protected object.
// The existence of a record is the protection; there is no "disabled" state.
type Protection struct {
	owner   uuid.UUID
	friends map[uuid.UUID]Permission

	// AllowHopper permits automated item transfer into or out of the object.
	AllowHopper bool
	// AllowRedstone permits signal-triggered mechanisms to operate the object.
	AllowRedstone bool
}

// New returns a fresh record for owner with default flags.
func New(owner uuid.UUID) *Protection {
	return &Protection{
		owner:         owner,
		friends:       make(map[uuid.UUID]Permission),
		AllowHopper:   false,
		AllowRedstone: true,
	}
}

// Restore rebuilds a record from persisted fields. Friend entries equal to
// the owner are dropped.
func Restore(owner uuid.UUID, friends map[uuid.UUID]Permission, allowHopper, allowRedstone bool) *Protection {
	p := New(owner)
	for id, perm := range friends {
		if id == owner {
			continue
		}
		p.friends[id] = perm
	}
	p.AllowHopper = allowHopper
	p.AllowRedstone = allowRedstone
	return p
}

// Owner returns the owning player. Ownership never changes for a record.
func (p *Protection) Owner() uuid.UUID {
	return p.owner
}

// Friends returns a copy of the friend permissions.
func (p *Protection) Friends() map[uuid.UUID]Permission {
	return maps.Clone(p.friends)
}

// FriendCount returns the number of friends on the record.
func (p *Protection) FriendCount() int {
	return len(p.friends)
}

// AddFriend grants perm to id, replacing any previous grant.
func (p *Protection) AddFriend(id uuid.UUID, perm Permission) error {
	if id == p.owner {
		return oops.Code("OWNER_IS_FRIEND").With("player", id.String()).Wrap(ErrOwnerIsFriend)
	}
	if _, err := ParsePermission(string(perm)); err != nil {
		return err
	}
	p.friends[id] = perm
	return nil
}

// RemoveFriend revokes any grant held by id.
func (p *Protection) RemoveFriend(id uuid.UUID) {
	delete(p.friends, id)
}

// IsFriend reports whether id holds any grant.
func (p *Protection) IsFriend(id uuid.UUID) bool {
	_, ok := p.friends[id]
	return ok
}

// FriendPermission returns the grant held by id.
func (p *Protection) FriendPermission(id uuid.UUID) (Permission, bool) {
	perm, ok := p.friends[id]
	return perm, ok
}

// CanAccess reports whether player may open the object.
func (p *Protection) CanAccess(player uuid.UUID) bool {
	if player == p.owner {
		return true
	}
	perm, ok := p.friends[player]
	return ok && perm.CanRead()
}

// CanModify reports whether player may change the object's contents.
func (p *Protection) CanModify(player uuid.UUID) bool {
	if player == p.owner {
		return true
	}
	perm, ok := p.friends[player]
	return ok && perm.CanWrite()
}

// SetFlags replaces both automation flags.
func (p *Protection) SetFlags(allowHopper, allowRedstone bool) {
	p.AllowHopper = allowHopper
	p.AllowRedstone = allowRedstone
}

// Clone returns a deep copy.
func (p *Protection) Clone() *Protection {
	if p == nil {
		return nil
	}
	c := *p
	c.friends = maps.Clone(p.friends)
	if c.friends == nil {
		c.friends = make(map[uuid.UUID]Permission)
	}
	return &c
}

// Equal reports whether two records carry the same owner, friends, and flags.
func (p *Protection) Equal(other *Protection) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.owner == other.owner &&
		p.AllowHopper == other.AllowHopper &&
		p.AllowRedstone == other.AllowRedstone &&
		maps.Equal(p.friends, other.friends)
}

// FriendEntries returns the friends in "uuid:PERM" form, sorted.
func (p *Protection) FriendEntries() []string {
	entries := make([]string, 0, len(p.friends))
	for id, perm := range p.friends {
		entries = append(entries, FormatFriend(id, perm))
	}
	sort.Strings(entries)
	return entries
}

// FormatFriend renders a single friend grant as "uuid:PERM".
func FormatFriend(id uuid.UUID, perm Permission) string {
	return id.String() + ":" + string(perm)
}

// ParseFriend parses a "uuid:PERM" entry.
func ParseFriend(entry string) (uuid.UUID, Permission, error) {
	idStr, permStr, found := strings.Cut(entry, ":")
	if !found || strings.Contains(permStr, ":") {
		return uuid.Nil, "", oops.Code("PROTECTION_MALFORMED").With("entry", entry).
			Wrapf(ErrMalformedRecord, "friend entry must be uuid:PERM")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, "", oops.Code("PROTECTION_MALFORMED").With("entry", entry).
			Wrapf(ErrMalformedRecord, "invalid friend id: %v", err)
	}
	perm, err := ParsePermission(permStr)
	if err != nil {
		return uuid.Nil, "", oops.With("entry", entry).Wrap(err)
	}
	return id, perm, nil
}

// ParseFriendEntries parses a list of "uuid:PERM" entries. Malformed entries
// are returned separately so callers can warn about them without failing the
// whole record.
func ParseFriendEntries(entries []string) (map[uuid.UUID]Permission, []string) {
	friends := make(map[uuid.UUID]Permission, len(entries))
	var skipped []string
	for _, entry := range entries {
		if entry == "" {
			continue
		}
		id, perm, err := ParseFriend(entry)
		if err != nil {
			skipped = append(skipped, entry)
			continue
		}
		friends[id] = perm
	}
	return friends, skipped
}

// ParseOwner parses a persisted owner id.
func ParseOwner(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, oops.Code("PROTECTION_MALFORMED").Wrapf(ErrMalformedRecord, "owner is missing")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, oops.Code("PROTECTION_MALFORMED").With("owner", s).
			Wrapf(ErrMalformedRecord, "invalid owner: %v", err)
	}
	return id, nil
}
