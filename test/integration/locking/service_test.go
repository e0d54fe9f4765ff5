// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package locking_test

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/chestlock/internal/config"
	"github.com/holomush/chestlock/internal/locking"
	"github.com/holomush/chestlock/internal/protection"
	"github.com/holomush/chestlock/internal/protection/attached"
)

var _ = Describe("Service on PostgreSQL", func() {
	var (
		ctx      context.Context
		filePath string
	)

	open := func(writeMode string) *locking.Service {
		svc, err := locking.Open(ctx, env.postgresConfig(writeMode, filePath))
		Expect(err).NotTo(HaveOccurred())
		Expect(svc.Backend()).To(Equal(config.StoragePostgres))
		Expect(svc.UsingFallback()).To(BeFalse())
		return svc
	}

	BeforeEach(func() {
		ctx = context.Background()
		filePath = filepath.Join(GinkgoT().TempDir(), "protections.yml")
		// the first Open migrates the schema; later ones find it current
		svc := open("sync")
		Expect(svc.Close()).To(Succeed())
		cleanupProtections(ctx, env.pool)
	})

	Describe("lock lifecycle", func() {
		It("persists the record, its friends, and its removal", func() {
			svc := open("sync")
			target := locking.Block(protection.NewKey("world", 10, 64, 10))
			owner := uuid.New()
			friend := uuid.New()

			_, err := svc.Lock(ctx, target, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(svc.AddFriend(ctx, target, friend, protection.ReadOnly)).To(Succeed())
			Expect(svc.AddFriend(ctx, target, friend, protection.ReadWrite)).To(Succeed())
			Expect(svc.UpdateFlags(ctx, target, true, false)).To(Succeed())
			Expect(svc.Close()).To(Succeed())

			Expect(countRows(ctx, "chestlock_protections")).To(Equal(1))
			Expect(countRows(ctx, "chestlock_friends")).To(Equal(1))

			reopened := open("sync")
			defer func() { _ = reopened.Close() }()
			p, ok, err := reopened.GetProtection(ctx, target)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(p.Owner()).To(Equal(owner))
			perm, ok := p.FriendPermission(friend)
			Expect(ok).To(BeTrue())
			Expect(perm).To(Equal(protection.ReadWrite))
			Expect(p.AllowHopper).To(BeTrue())
			Expect(p.AllowRedstone).To(BeFalse())

			Expect(reopened.Unlock(ctx, target)).To(Succeed())
			Expect(countRows(ctx, "chestlock_protections")).To(Equal(0))
			Expect(countRows(ctx, "chestlock_friends")).To(Equal(0), "friend rows cascade with their protection")
		})

		It("rejects a second lock", func() {
			svc := open("sync")
			defer func() { _ = svc.Close() }()
			target := locking.Block(protection.NewKey("world", 1, 1, 1))

			_, err := svc.Lock(ctx, target, uuid.New())
			Expect(err).NotTo(HaveOccurred())
			_, err = svc.Lock(ctx, target, uuid.New())
			Expect(err).To(MatchError(protection.ErrAlreadyProtected))
		})
	})

	Describe("background writes", func() {
		It("lands every queued write by SaveAll", func() {
			svc := open("async")
			defer func() { _ = svc.Close() }()
			owner := uuid.New()

			for i := range 50 {
				_, err := svc.Lock(ctx, locking.Block(protection.NewKey("world", i, 64, 0)), owner)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(svc.SaveAll(ctx)).To(Succeed())
			Expect(countRows(ctx, "chestlock_protections")).To(Equal(50))

			keys, err := svc.ProtectionsOwnedBy(ctx, owner)
			Expect(err).NotTo(HaveOccurred())
			Expect(keys).To(HaveLen(50))
		})

		It("keeps the last write for a key that is saved repeatedly", func() {
			svc := open("async")
			target := locking.Block(protection.NewKey("world", 7, 7, 7))
			_, err := svc.Lock(ctx, target, uuid.New())
			Expect(err).NotTo(HaveOccurred())
			for range 20 {
				Expect(svc.AddFriend(ctx, target, uuid.New(), protection.ReadOnly)).To(Succeed())
			}
			Expect(svc.Close()).To(Succeed())

			Expect(countRows(ctx, "chestlock_friends")).To(Equal(20))
		})
	})

	Describe("attached targets", func() {
		It("never reach the database", func() {
			svc := open("sync")
			defer func() { _ = svc.Close() }()
			target := locking.Container{
				Key:   protection.NewKey("world", 3, 3, 3),
				Attrs: attached.NewMemoryAttributes(),
			}

			_, err := svc.Lock(ctx, target, uuid.New())
			Expect(err).NotTo(HaveOccurred())
			Expect(countRows(ctx, "chestlock_protections")).To(Equal(0))
		})
	})
})

var _ = Describe("Service fallback", func() {
	It("uses the file backend when the database is unreachable", func() {
		ctx := context.Background()
		cfg := env.postgresConfig("sync", filepath.Join(GinkgoT().TempDir(), "protections.yml"))
		cfg.Storage.Postgres.Port = 1

		svc, err := locking.Open(ctx, cfg)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = svc.Close() }()
		Expect(svc.Backend()).To(Equal(config.StorageFile))
		Expect(svc.UsingFallback()).To(BeTrue())
	})
})
