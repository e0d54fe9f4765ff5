// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package attached stores protection records inside the durable attribute
// slots of the protected object itself. The record lives and dies with the
// object, so no separate index is kept.
package attached

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/holomush/chestlock/internal/protection"
)

// DefaultNamespace prefixes every attribute key written by the store.
const DefaultNamespace = "chestlock"

const friendSeparator = ";"

// Attributes is the durable key/value slot set owned by a world object.
// Writes are staged until Commit persists them.
type Attributes interface {
	String(key string) (string, bool)
	SetString(key, value string)
	Byte(key string) (byte, bool)
	SetByte(key string, value byte)
	Delete(key string)
	// Commit persists staged changes. Implementations report failures
	// instead of dropping them.
	Commit() error
}

// Store reads and writes protection records in an object's attributes.
type Store struct {
	ownerKey    string
	friendsKey  string
	hopperKey   string
	redstoneKey string
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for malformed-entry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store whose attribute keys are prefixed by namespace.
// An empty namespace uses DefaultNamespace.
func NewStore(namespace string, opts ...Option) *Store {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	s := &Store{
		ownerKey:    namespace + ":owner",
		friendsKey:  namespace + ":friends",
		hopperKey:   namespace + ":hopper",
		redstoneKey: namespace + ":redstone",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lock writes a fresh record for owner and returns it.
func (s *Store) Lock(attrs Attributes, owner uuid.UUID) (*protection.Protection, error) {
	p := protection.New(owner)
	if err := s.Write(attrs, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Unlock removes every protection attribute from the object.
func (s *Store) Unlock(attrs Attributes) error {
	attrs.Delete(s.ownerKey)
	attrs.Delete(s.friendsKey)
	attrs.Delete(s.hopperKey)
	attrs.Delete(s.redstoneKey)
	return s.commit(attrs, "unlock")
}

// Read decodes the record stored on the object. It reports false when the
// owner attribute is missing or unparsable. Malformed friend entries are
// skipped one at a time.
func (s *Store) Read(ctx context.Context, attrs Attributes) (*protection.Protection, bool) {
	ownerStr, ok := attrs.String(s.ownerKey)
	if !ok {
		return nil, false
	}
	owner, err := protection.ParseOwner(ownerStr)
	if err != nil {
		s.logger.WarnContext(ctx, "ignoring attached record with invalid owner", "owner", ownerStr, "error", err)
		return nil, false
	}

	var entries []string
	if raw, ok := attrs.String(s.friendsKey); ok && raw != "" {
		entries = strings.Split(raw, friendSeparator)
	}
	friends, skipped := protection.ParseFriendEntries(entries)
	for _, entry := range skipped {
		s.logger.WarnContext(ctx, "skipping malformed friend entry", "owner", ownerStr, "entry", entry)
	}

	hopper := false
	if b, ok := attrs.Byte(s.hopperKey); ok {
		hopper = b == 1
	}
	redstone := true
	if b, ok := attrs.Byte(s.redstoneKey); ok {
		redstone = b == 1
	}
	return protection.Restore(owner, friends, hopper, redstone), true
}

// Write replaces the record stored on the object with p.
func (s *Store) Write(attrs Attributes, p *protection.Protection) error {
	if p == nil {
		return oops.Code("PROTECTION_MALFORMED").Wrapf(protection.ErrMalformedRecord, "nil protection")
	}
	attrs.SetString(s.ownerKey, p.Owner().String())
	attrs.SetString(s.friendsKey, strings.Join(p.FriendEntries(), friendSeparator))
	attrs.SetByte(s.hopperKey, boolByte(p.AllowHopper))
	attrs.SetByte(s.redstoneKey, boolByte(p.AllowRedstone))
	return s.commit(attrs, "write")
}

func (s *Store) commit(attrs Attributes, op string) error {
	if err := attrs.Commit(); err != nil {
		return oops.Code("ATTACHED_COMMIT_FAILED").With("operation", op).Wrap(err)
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
