// Package backup implements the hot-backup pipeline: a consistent,
// point-in-time copy of a live engine root (and the encryption key store
// beside it) to a local directory or an S3-compatible object store.
//
// The pipeline works in two phases. Populate opens a backup cursor on every
// participating engine — optionally under a caller-supplied global write
// barrier so the main engine and the key store yield one consistent snapshot
// — and resolves every reported file name to ⟨source, destination, size⟩.
// The size recorded at cursor time is authoritative: the engine may keep
// appending to a file during the copy, and only the first size bytes belong
// to the snapshot. Dispatch then streams the file list to its destination.
//
// Failures map to the adapter's error kinds: InvalidPath for a missing
// source, an unwritable destination or a non-empty object store prefix;
// InternalError for transport failures. Partial uploads are not rolled back;
// the caller retries to a fresh prefix.
package backup
