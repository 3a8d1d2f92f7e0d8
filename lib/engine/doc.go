// Package engine defines the contract between the storage adapter and an
// embedded transactional key-value engine.
//
// The package focuses on:
//   - A unified Connection/Session/Cursor interface for engine backends
//   - Feature discovery through capability flags
//   - A shared config-string grammar (key=value pairs with nested groups)
//   - A small set of sentinel error codes mirroring engine return codes
//
// Key Components:
//
//   - Connection: a handle to one open engine instance rooted at a directory.
//     Connections own the global timestamp state (stable, oldest, recovery,
//     all-committed) and the rollback-to-stable operation.
//
//   - Session: a single-threaded work context opened from a Connection. All
//     schema operations (Create, Drop, Verify, Salvage, Alter), checkpoints,
//     log flushes and cursors go through a session. Sessions are not safe for
//     concurrent use; callers serialize or pool them.
//
//   - Cursor: positioned access to one table, or to one of the special URIs:
//     "metadata:create" enumerates the schema, "backup:" enumerates a frozen
//     point-in-time file list for hot backup.
//
//   - Encryptor: the seam through which an encryption extension supplies key
//     material to the engine. Providers register process-wide and are
//     selected by name in the open config.
//
// Config strings follow the engine's native grammar, for example:
//
//	create,cache_size=1024M,log=(enabled=true,path=journal),statistics=(fast)
//
// The Parse function in this package is the single implementation of that
// grammar, shared by engine backends and their callers.
//
// Related Packages:
//
// The engines/grove package provides the embedded file-backed implementation
// of this contract. The enginetest package provides a conformance suite that
// any implementation should pass.
package engine
