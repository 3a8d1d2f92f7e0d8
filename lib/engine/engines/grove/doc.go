// Package grove implements the engine.Connection contract with a file-backed
// embedded engine.
//
// On-disk layout under the engine root:
//
//	<ident>.wt            one snapshot file per table
//	<dir>/<ident>.wt      tables whose ident contains '/'
//	grove.meta            schema: create config per table, format release,
//	                      recovery timestamp of the last checkpoint
//	journal/groveLog.N    write-ahead log segments (when log=(enabled=true))
//
// Durability model: committed updates live in memory and, when journaling is
// enabled, in the write-ahead log. A checkpoint rewrites the snapshot file of
// every table, dirty or not, atomically (temp file + rename) and then rewrites
// grove.meta. A stable checkpoint ("use_timestamp=true") persists only
// updates with a commit timestamp at or below the connection's stable
// timestamp; an unstable checkpoint persists everything. On open, snapshots
// are loaded and the journal is replayed over them.
//
// Timestamps: the connection tracks stable, oldest and all-committed
// timestamps. SetTimestamp ignores non-forced backward motion, matching the
// engine contract. The recovery timestamp reported after open is the stable
// timestamp of the last stable checkpoint (zero after an unstable one).
//
// Compatibility: grove.meta records a format release ("3.1" current). Opening
// with "compatibility=(require_min=...)" fails when the on-disk release is
// older; "reconfigure(compatibility=(release=...))" records the given release
// and rewrites grove.meta right away.
//
// Encryption: when the open config carries
// "encryption=(provider=<name>,cipher=...)", the registered engine.Encryptor
// supplies the key material and IVs used to encrypt snapshot files and
// journal records with AES-CTR.
//
// Thread-safety: Connections are safe for concurrent use; Sessions are not
// and must be confined to one goroutine at a time.
package grove
