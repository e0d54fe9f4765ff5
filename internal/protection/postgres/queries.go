// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package postgres

// RETURNING yields the surrogate id on both the insert and the update branch.
const upsertProtectionSQL = `INSERT INTO chestlock_protections (world, x, y, z, owner, allow_hopper, allow_redstone)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (world, x, y, z) DO UPDATE
SET owner = EXCLUDED.owner, allow_hopper = EXCLUDED.allow_hopper, allow_redstone = EXCLUDED.allow_redstone
RETURNING id`

const deleteFriendsSQL = `DELETE FROM chestlock_friends WHERE protection_id = $1`

const insertFriendsSQL = `INSERT INTO chestlock_friends (protection_id, friend_uuid, permission)
SELECT $1, f.friend_uuid, f.permission FROM unnest($2::text[], $3::text[]) AS f(friend_uuid, permission)`

const deleteProtectionSQL = `DELETE FROM chestlock_protections WHERE world = $1 AND x = $2 AND y = $3 AND z = $4`

const selectProtectionSQL = `SELECT id, owner, allow_hopper, allow_redstone FROM chestlock_protections
WHERE world = $1 AND x = $2 AND y = $3 AND z = $4`

const selectFriendsSQL = `SELECT friend_uuid, permission FROM chestlock_friends WHERE protection_id = $1`

const selectAllProtectionsSQL = `SELECT id, world, x, y, z, owner, allow_hopper, allow_redstone FROM chestlock_protections`

const selectAllFriendsSQL = `SELECT protection_id, friend_uuid, permission FROM chestlock_friends`

const selectKeysSQL = `SELECT world, x, y, z FROM chestlock_protections`

const selectKeysByOwnerSQL = `SELECT world, x, y, z FROM chestlock_protections WHERE owner = $1`
