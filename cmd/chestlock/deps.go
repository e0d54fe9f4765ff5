// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"

	"github.com/holomush/chestlock/internal/locking"
	"github.com/holomush/chestlock/internal/store"
)

// Deps contains injectable dependencies for the database commands.
// All fields with nil values will use their default implementations.
type Deps struct {
	// Connect opens the relational pool.
	// Default: locking.ConnectPostgres
	Connect locking.Connector

	// NewMigrator builds the schema migrator over an open pool.
	// Default: store.NewMigrator with the embedded steps
	NewMigrator func(db locking.Pool, opts ...store.MigratorOption) (Migrator, error)
}

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Migrate(ctx context.Context) (store.Result, error)
	Version(ctx context.Context) (int, error)
	Pending(ctx context.Context) ([]store.Step, error)
	Target() int
}

func (d Deps) withDefaults() Deps {
	if d.Connect == nil {
		d.Connect = locking.ConnectPostgres
	}
	if d.NewMigrator == nil {
		d.NewMigrator = func(db locking.Pool, opts ...store.MigratorOption) (Migrator, error) {
			return store.NewMigrator(db, opts...)
		}
	}
	return d
}
