// Package adapter implements the KV engine adapter that sits between the
// document database server above and the embedded transactional key-value
// engine below.
//
// The package focuses on:
//   - Engine lifecycle: open with file-version negotiation and metadata
//     salvage, journal/no-journal transitions, clean shutdown with an
//     optional file-format downgrade
//   - Timestamp coordination: the stable, oldest and initial-data clocks
//     that control checkpoint content, snapshot retention and rollback
//     boundaries
//   - Background services: the checkpoint coordinator, the journal flusher,
//     the idle-session sweeper and the deferred-drop queue
//   - Ident lifecycle: create, drop, verify, salvage, rebuild and orphan
//     recovery of record store and index tables
//   - The process-exclusive backup session primitive consumed by the backup
//     package
//
// Key Components:
//
//   - KVEngine: the adapter itself. One instance per engine root. All
//     exported methods are safe for concurrent use.
//
//   - SessionCache: pools engine sessions, caches released cursors per URI,
//     and is the durability entry point the background services share. The
//     checkpoint coordinator reaches the keystore through the cache rather
//     than back through the engine, which keeps the ownership acyclic.
//
//   - TicketHolder: bounded semaphores limiting concurrent read and write
//     transactions, resizable at runtime.
//
//   - Error/ErrCode: the uniform result type of all foreground operations.
//     Background threads never propagate errors; they log and continue,
//     except on fatal conditions which terminate the process.
//
// Related Packages:
//
// The engine package defines the contract this adapter drives; the
// engines/grove package is the embedded implementation. The backup package
// streams backup snapshots to a local directory or an object store. The
// keystore package holds the encryption key material and plugs into the
// engine as an extension.
package adapter
