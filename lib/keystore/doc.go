// Package keystore implements the encryption key store: a secondary embedded
// engine instance whose sole role is to hold per-database data keys, sealed
// by a master key.
//
// The key store lives in <path>/key.db next to the main engine root. Setup
// handles the full bootstrap:
//   - migration from the legacy <path>/keydb layout (rename in single-db
//     deployments, filter-copy in directory-per-db deployments where user
//     data may share the directory)
//   - initialization, with rollback of a half-created directory
//   - master key rotation into <path>/key.db.rotation, finishing with an
//     atomic swap that leaves the previous store in <path>/key.db.rotated
//     and the distinguished ErrRotationFinished error so the operator
//     inspects the result before restarting
//
// A KeyDB doubles as the engine.Encryptor the main engine consumes:
// pseudo-random fill, IV generation, key-by-id lookup (creating data keys on
// demand) and key deletion. Data keys are cached in a concurrent map and
// persisted in the store's single table.
package keystore
