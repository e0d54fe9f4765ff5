// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package protection

import (
	"context"

	"github.com/google/uuid"
)

// LocationStore persists records for objects without attached storage,
// addressed by location key. Implementations must be safe for concurrent use.
type LocationStore interface {
	// Save stores p under key, replacing any previous record.
	Save(ctx context.Context, key Key, p *Protection) error

	// Get returns the record at key. The boolean is false when the location
	// is unprotected; that case is not an error.
	Get(ctx context.Context, key Key) (*Protection, bool, error)

	// Remove deletes the record at key. Removing an absent key is not an error.
	Remove(ctx context.Context, key Key) error

	// Keys returns every protected location.
	Keys(ctx context.Context) ([]Key, error)

	// OwnedBy returns the locations protected by owner.
	OwnedBy(ctx context.Context, owner uuid.UUID) ([]Key, error)

	// Flush writes in-memory state to the durable medium.
	Flush(ctx context.Context) error

	// Load replaces in-memory state with the durable contents.
	Load(ctx context.Context) (LoadReport, error)

	// Close flushes pending work and releases resources.
	Close() error
}

// LoadReport summarizes a bulk load.
type LoadReport struct {
	// Loaded is the number of records now held.
	Loaded int
	// Skipped is the number of malformed records that were dropped.
	Skipped int
}
