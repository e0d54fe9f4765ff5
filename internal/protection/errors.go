// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package protection

import "errors"

// Sentinel errors shared by every store. Backends wrap them with oops codes,
// so callers match with errors.Is and log with the code.
var (
	// ErrNotProtected is returned when an operation needs a record that does not exist.
	ErrNotProtected = errors.New("not protected")

	// ErrAlreadyProtected is returned when locking an object that already has a record.
	ErrAlreadyProtected = errors.New("already protected")

	// ErrMalformedRecord is returned when a persisted record cannot be decoded.
	ErrMalformedRecord = errors.New("malformed protection record")

	// ErrBackendUnavailable is returned when the durable backend cannot be reached.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrStoreClosed is returned for operations on a closed store.
	ErrStoreClosed = errors.New("store closed")

	// ErrOwnerIsFriend is returned when granting the owner a friend permission.
	ErrOwnerIsFriend = errors.New("owner cannot be a friend")
)
