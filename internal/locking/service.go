// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package locking is the protection facade. It routes each call to the
// attached-metadata store when the target carries its own attribute slots and
// to the location store otherwise.
package locking

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/holomush/chestlock/internal/protection"
	"github.com/holomush/chestlock/internal/protection/attached"
)

const stripeCount = 64

// Service manages protections for targets.
type Service struct {
	attached  *attached.Store
	locations protection.LocationStore
	backend   string
	fallback  bool
	logger    *slog.Logger

	stripes [stripeCount]sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithBackend records the name of the location backend.
func WithBackend(name string) Option {
	return func(s *Service) {
		s.backend = name
	}
}

func withFallback() Option {
	return func(s *Service) {
		s.fallback = true
	}
}

// New creates a Service over the given stores.
func New(attachedStore *attached.Store, locations protection.LocationStore, opts ...Option) *Service {
	s := &Service{
		attached:  attachedStore,
		locations: locations,
		backend:   "custom",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the location backend name.
func (s *Service) Backend() string {
	return s.backend
}

// UsingFallback reports whether the configured backend failed at startup and
// the file backend was used instead.
func (s *Service) UsingFallback() bool {
	return s.fallback
}

func (s *Service) stripe(key protection.Key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return &s.stripes[h.Sum32()%stripeCount]
}

func (s *Service) read(ctx context.Context, t Target) (*protection.Protection, bool, error) {
	if attrs, ok := attributesOf(t); ok {
		p, found := s.attached.Read(ctx, attrs)
		return p, found, nil
	}
	p, found, err := s.locations.Get(ctx, t.Location())
	if err != nil {
		return nil, false, oops.With("key", t.Location().String()).Wrap(err)
	}
	return p, found, nil
}

func (s *Service) write(ctx context.Context, t Target, p *protection.Protection) error {
	if attrs, ok := attributesOf(t); ok {
		return s.attached.Write(attrs, p)
	}
	return s.locations.Save(ctx, t.Location(), p)
}

func (s *Service) remove(ctx context.Context, t Target) error {
	if attrs, ok := attributesOf(t); ok {
		return s.attached.Unlock(attrs)
	}
	return s.locations.Remove(ctx, t.Location())
}

// update runs fn on the current record under the key's stripe lock and
// writes the result back.
func (s *Service) update(ctx context.Context, t Target, fn func(*protection.Protection) error) error {
	mu := s.stripe(t.Location())
	mu.Lock()
	defer mu.Unlock()

	p, ok, err := s.read(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		return notProtected(t)
	}
	if err := fn(p); err != nil {
		return oops.With("key", t.Location().String()).Wrap(err)
	}
	return s.write(ctx, t, p)
}

// Lock protects t for owner. It fails with ALREADY_PROTECTED when a record exists.
func (s *Service) Lock(ctx context.Context, t Target, owner uuid.UUID) (*protection.Protection, error) {
	mu := s.stripe(t.Location())
	mu.Lock()
	defer mu.Unlock()

	existing, ok, err := s.read(ctx, t)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, oops.Code("ALREADY_PROTECTED").
			With("key", t.Location().String()).
			With("owner", existing.Owner().String()).
			Wrap(protection.ErrAlreadyProtected)
	}
	p := protection.New(owner)
	if err := s.write(ctx, t, p); err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "protection created", "key", t.Location().String(), "owner", owner.String())
	return p.Clone(), nil
}

// Unlock removes the protection from t. It fails with NOT_PROTECTED when
// there is none.
func (s *Service) Unlock(ctx context.Context, t Target) error {
	mu := s.stripe(t.Location())
	mu.Lock()
	defer mu.Unlock()

	_, ok, err := s.read(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		return notProtected(t)
	}
	if err := s.remove(ctx, t); err != nil {
		return err
	}
	s.logger.DebugContext(ctx, "protection removed", "key", t.Location().String())
	return nil
}

// Forget drops any record for a target that left the world. Unprotected
// targets are not an error.
func (s *Service) Forget(ctx context.Context, t Target) error {
	mu := s.stripe(t.Location())
	mu.Lock()
	defer mu.Unlock()
	return s.remove(ctx, t)
}

// GetProtection returns a copy of t's record.
func (s *Service) GetProtection(ctx context.Context, t Target) (*protection.Protection, bool, error) {
	return s.read(ctx, t)
}

// IsProtected reports whether t has a record.
func (s *Service) IsProtected(ctx context.Context, t Target) (bool, error) {
	_, ok, err := s.read(ctx, t)
	return ok, err
}

// AddFriend grants perm on t to friend, replacing any earlier grant.
func (s *Service) AddFriend(ctx context.Context, t Target, friend uuid.UUID, perm protection.Permission) error {
	return s.update(ctx, t, func(p *protection.Protection) error {
		return p.AddFriend(friend, perm)
	})
}

// RemoveFriend revokes friend's grant on t.
func (s *Service) RemoveFriend(ctx context.Context, t Target, friend uuid.UUID) error {
	return s.update(ctx, t, func(p *protection.Protection) error {
		p.RemoveFriend(friend)
		return nil
	})
}

// UpdateFlags replaces both automation flags on t.
func (s *Service) UpdateFlags(ctx context.Context, t Target, allowHopper, allowRedstone bool) error {
	return s.update(ctx, t, func(p *protection.Protection) error {
		p.SetFlags(allowHopper, allowRedstone)
		return nil
	})
}

// CanAccess reports whether player may open t. Unprotected targets are open.
func (s *Service) CanAccess(ctx context.Context, t Target, player uuid.UUID) (bool, error) {
	return s.check(ctx, t, func(p *protection.Protection) bool { return p.CanAccess(player) })
}

// CanModify reports whether player may change t's contents.
func (s *Service) CanModify(ctx context.Context, t Target, player uuid.UUID) (bool, error) {
	return s.check(ctx, t, func(p *protection.Protection) bool { return p.CanModify(player) })
}

// AllowsHopper reports whether item transfer mechanisms may use t.
func (s *Service) AllowsHopper(ctx context.Context, t Target) (bool, error) {
	return s.check(ctx, t, func(p *protection.Protection) bool { return p.AllowHopper })
}

// AllowsRedstone reports whether signal mechanisms may operate t.
func (s *Service) AllowsRedstone(ctx context.Context, t Target) (bool, error) {
	return s.check(ctx, t, func(p *protection.Protection) bool { return p.AllowRedstone })
}

func (s *Service) check(ctx context.Context, t Target, allowed func(*protection.Protection) bool) (bool, error) {
	p, ok, err := s.read(ctx, t)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return allowed(p), nil
}

// ProtectionsOwnedBy lists location-keyed records owned by owner. Records
// held in attribute slots are not indexed and never appear.
func (s *Service) ProtectionsOwnedBy(ctx context.Context, owner uuid.UUID) ([]protection.Key, error) {
	return s.locations.OwnedBy(ctx, owner)
}

// SaveAll persists the location store.
func (s *Service) SaveAll(ctx context.Context) error {
	return s.locations.Flush(ctx)
}

// LoadAll reloads the location store from durable storage.
func (s *Service) LoadAll(ctx context.Context) (protection.LoadReport, error) {
	return s.locations.Load(ctx)
}

// Close releases the location store.
func (s *Service) Close() error {
	return s.locations.Close()
}

func notProtected(t Target) error {
	return oops.Code("NOT_PROTECTED").With("key", t.Location().String()).Wrap(protection.ErrNotProtected)
}
