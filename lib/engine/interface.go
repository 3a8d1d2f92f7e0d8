package engine

import (
	"fmt"
	"sync"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplGrove Implementation = "grove"
)

// Feature represents engine capabilities as bit flags
type Feature uint64

const (
	FeatureTimestamps   Feature = 1 << iota // Stable/oldest timestamp management
	FeatureBackupCursor                     // "backup:" cursors
	FeatureSalvage                          // Verify/Salvage of single tables
	FeatureEncryption                       // Encryption extension hook
	FeatureJournal                          // Write-ahead logging
)

func (f Feature) String() string {
	switch f {
	case FeatureTimestamps:
		return "Timestamps"
	case FeatureBackupCursor:
		return "BackupCursor"
	case FeatureSalvage:
		return "Salvage"
	case FeatureEncryption:
		return "Encryption"
	case FeatureJournal:
		return "Journal"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Engine Interfaces
// --------------------------------------------------------------------------

// Connection is a handle to one open engine instance rooted at a directory.
// All methods are safe for concurrent use.
type Connection interface {
	// OpenSession opens a new session. The caller owns the session and must
	// Close it.
	OpenSession() (Session, error)

	// SetTimestamp publishes global timestamps to the engine. The config
	// string uses the native grammar, e.g. "stable_timestamp=00000000000000c8"
	// or "force=true,oldest_timestamp=<hex>,commit_timestamp=<hex>".
	// Non-forced updates that move a timestamp backwards are ignored.
	SetTimestamp(cfg string) error

	// QueryTimestamp reads a global timestamp by name ("recovery",
	// "oldest_reader", "all_committed"). Returns ErrNotFound when the engine
	// has no value for the queried timestamp.
	QueryTimestamp(get string) (uint64, error)

	// Reconfigure applies a runtime configuration change, e.g.
	// "compatibility=(release=3.0)".
	Reconfigure(cfg string) error

	// RollbackToStable discards all updates with a commit timestamp newer
	// than the current stable timestamp. No session may be active.
	RollbackToStable() error

	// SupportsFeature checks if the engine implementation supports the
	// specified features. Multiple features can be checked at once using
	// the bitwise OR (|) operator.
	SupportsFeature(feature Feature) bool

	// Close shuts the connection down. Recognized config keys:
	// "leak_memory=true" (skip final cache teardown) and
	// "use_timestamp=false" (take an unstable final checkpoint).
	Close(cfg string) error
}

// Session is a single-threaded work context. Sessions are not safe for
// concurrent use.
type Session interface {
	// Create creates the object named by uri ("table:<ident>") with the given
	// config string.
	Create(uri, cfg string) error

	// Drop removes the object named by uri. Recognized config keys: "force"
	// (dropping a missing table is not an error) and "checkpoint_wait=false"
	// (fail with ErrBusy instead of waiting for a checkpoint to release the
	// table). Returns ErrBusy while the table has open cursors.
	Drop(uri, cfg string) error

	// Verify checks the integrity of the object named by uri. Returns
	// ErrBusy when the table is in use and ErrNotFound when its data file
	// is missing.
	Verify(uri string) error

	// Salvage rebuilds the object named by uri from whatever data survives
	// in its file.
	Salvage(uri string) error

	// Alter updates table metadata in place. "exclusive_refreshed=false"
	// skips taking exclusive access.
	Alter(uri, cfg string) error

	// Checkpoint persists a point-in-time snapshot. "use_timestamp=true"
	// bounds durable content by the stable timestamp; "use_timestamp=false"
	// takes a full (unstable) checkpoint.
	Checkpoint(cfg string) error

	// LogFlush forces the write-ahead log to storage. "sync=off" schedules
	// the flush without waiting.
	LogFlush(cfg string) error

	// OpenCursor opens a cursor on uri. Table URIs ("table:<ident>") position
	// over key/value pairs. "metadata:create" enumerates schema entries with
	// their create configs. "backup:" returns a cursor whose keys are the
	// files of a consistent backup snapshot; at most one backup cursor may be
	// open per connection (ErrBusy otherwise).
	OpenCursor(uri, cfg string) (Cursor, error)

	// Metadata returns the stored create config for uri.
	Metadata(uri string) (string, error)

	// BeginTransaction starts a transaction on this session.
	BeginTransaction(cfg string) error

	// CommitTransaction commits the open transaction.
	// "commit_timestamp=<hex>" assigns the transaction's commit timestamp.
	CommitTransaction(cfg string) error

	// RollbackTransaction aborts the open transaction.
	RollbackTransaction() error

	// Close closes the session and every cursor opened from it.
	Close() error
}

// Cursor provides positioned access to one object.
type Cursor interface {
	// Next advances to the next entry. Returns ErrNotFound past the end.
	Next() error
	// Key returns the key at the current position.
	Key() string
	// Value returns the value at the current position.
	Value() []byte
	// Search positions the cursor on an exact key. Returns ErrNotFound if
	// the key does not exist.
	Search(key string) error
	// Insert upserts a key/value pair through this cursor.
	Insert(key string, value []byte) error
	// Remove deletes a key through this cursor. Returns ErrNotFound if the
	// key does not exist.
	Remove(key string) error
	// URI returns the uri this cursor was opened on.
	URI() string
	// Close releases the cursor.
	Close() error
}

// Encryptor is the engine-side encryption extension contract. The concrete
// provider is the encryption keystore; the engine consumes it for page
// encryption and key lifecycle.
type Encryptor interface {
	// RandomBytes fills buf with pseudo-random bytes.
	RandomBytes(buf []byte)
	// IV fills buf with a fresh initialization vector.
	IV(buf []byte) error
	// KeyByID returns (creating if absent) the data key for the given id.
	// The empty id names the system-wide key.
	KeyByID(keyID string) ([]byte, error)
	// DropKeyID removes the data key for the given id.
	DropKeyID(keyID string) error
}

// --------------------------------------------------------------------------
// Implementation Registry
// --------------------------------------------------------------------------

// OpenFunc opens an engine instance rooted at path with the given config
// string.
type OpenFunc func(path, cfg string) (Connection, error)

var (
	registryMu sync.Mutex
	registry   = map[Implementation]OpenFunc{}

	encryptorMu sync.Mutex
	encryptors  = map[string]Encryptor{}
)

// Register makes an engine implementation available to Open. Intended to be
// called from implementation package init functions.
func Register(name Implementation, fn OpenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

// Open opens an engine instance by implementation name.
func Open(name Implementation, path, cfg string) (Connection, error) {
	registryMu.Lock()
	fn, ok := registry[name]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown engine implementation %q", name)
	}
	return fn(path, cfg)
}

// RegisterEncryptor publishes an encryption provider under a name that open
// configs can reference via "encryption=(provider=<name>,...)".
func RegisterEncryptor(name string, enc Encryptor) {
	encryptorMu.Lock()
	defer encryptorMu.Unlock()
	encryptors[name] = enc
}

// UnregisterEncryptor removes a previously registered provider.
func UnregisterEncryptor(name string) {
	encryptorMu.Lock()
	defer encryptorMu.Unlock()
	delete(encryptors, name)
}

// EncryptorByName looks up a registered provider. Used by engine
// implementations while applying their open config.
func EncryptorByName(name string) (Encryptor, bool) {
	encryptorMu.Lock()
	defer encryptorMu.Unlock()
	enc, ok := encryptors[name]
	return enc, ok
}
