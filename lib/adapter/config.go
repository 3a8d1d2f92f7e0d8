package adapter

import (
	"github.com/ValentinKolb/tidewater/lib/engine"
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// CipherMode selects the block cipher mode used by the encryption keystore
type CipherMode string

const (
	CipherAES256CBC CipherMode = "AES256-CBC"
	CipherAES256GCM CipherMode = "AES256-GCM"
)

// EncryptionConfig carries the encryption-at-rest knobs
type EncryptionConfig struct {
	// Enable turns data-at-rest encryption on. Requires a keystore.
	Enable bool
	// CipherMode is one of AES256-CBC (default) or AES256-GCM.
	CipherMode CipherMode
	// VaultRotateMasterKey requests a master key rotation during startup.
	// When set, startup terminates with keystore.ErrRotationFinished after
	// the rotation so the operator can inspect the result.
	VaultRotateMasterKey bool
	// MasterKey supplies the sealed master key material. In vault mode it is
	// fetched from the external secret store by the caller.
	MasterKey []byte
	// StoreMasterKey publishes a newly generated master key to the external
	// secret store during rotation. Nil outside vault mode.
	StoreMasterKey func(key []byte) error
}

// Config is the full configuration of the KV engine adapter. The field
// comments name the server parameter each field is bound to.
type Config struct {
	// Path is the engine root directory.
	Path string
	// EngineName selects the underlying engine implementation.
	EngineName engine.Implementation
	// CacheSizeMB sizes the engine cache.
	CacheSizeMB int

	// Durable enables journaling; Ephemeral marks an in-memory-style
	// deployment that never checkpoints; ReadOnly opens without any write
	// paths; Repair enables salvage behavior on corruption.
	Durable   bool
	Ephemeral bool
	ReadOnly  bool
	Repair    bool

	// SessionCloseIdleTimeSecs: wiredTigerSessionCloseIdleTimeSecs (>= 0).
	SessionCloseIdleTimeSecs int
	// SweepIntervalSecs is the sweeper wakeup cadence. The default of 10
	// matches production; tests shorten it.
	SweepIntervalSecs int
	// ConcurrentWriteTransactions: wiredTigerConcurrentWriteTransactions (>= 1).
	ConcurrentWriteTransactions int
	// ConcurrentReadTransactions: wiredTigerConcurrentReadTransactions (>= 1).
	ConcurrentReadTransactions int
	// CheckpointDelaySecs: checkpointDelaySecs.
	CheckpointDelaySecs int
	// JournalCommitIntervalMs: journalCommitIntervalMs (0 means the 100ms
	// default).
	JournalCommitIntervalMs int
	// EnableMajorityReadConcern: enableMajorityReadConcern. Enables stable
	// checkpointing and snapshot history retention.
	EnableMajorityReadConcern bool
	// DirectoryPerDB: directoryperdb. Influences legacy keystore migration.
	DirectoryPerDB bool

	// Encryption holds the encryption.* knobs.
	Encryption EncryptionConfig

	// Replication topology inputs consumed by the shutdown downgrade policy.
	Arbiter       bool
	UsingReplSets bool
	// FCVFullyDowngraded is nil while the feature compatibility document has
	// not been read, otherwise whether FCV is fully downgraded to the
	// previous major release.
	FCVFullyDowngraded *bool

	// ExtraOpenOptions is appended verbatim to the engine open config.
	ExtraOpenOptions string
	// RecordStoreOptions / IndexOptions are appended to every record store /
	// index create config.
	RecordStoreOptions string
	IndexOptions       string

	// RepairObserver is notified of every modification repair mode makes to
	// the dataset. Optional.
	RepairObserver func(description string)

	// LogLevel configures the package loggers (debug, info, warn, error).
	LogLevel string
}

// DefaultConfig returns the adapter defaults
func DefaultConfig(path string) Config {
	return Config{
		Path:                        path,
		EngineName:                  engine.ImplGrove,
		CacheSizeMB:                 1024,
		Durable:                     true,
		SessionCloseIdleTimeSecs:    300,
		SweepIntervalSecs:           10,
		ConcurrentWriteTransactions: 128,
		ConcurrentReadTransactions:  128,
		CheckpointDelaySecs:         60,
		JournalCommitIntervalMs:     0,
		EnableMajorityReadConcern:   true,
		Encryption: EncryptionConfig{
			CipherMode: CipherAES256CBC,
		},
		LogLevel: "info",
	}
}

// validate rejects parameter values the server parameter layer would refuse
func (c *Config) validate() error {
	if c.Path == "" {
		return NewError(ErrCInvalidOptions, "engine path must not be empty")
	}
	if c.SessionCloseIdleTimeSecs < 0 {
		return NewError(ErrCInvalidOptions, "wiredTigerSessionCloseIdleTimeSecs must be greater than or equal to 0")
	}
	if c.ConcurrentWriteTransactions < 1 || c.ConcurrentReadTransactions < 1 {
		return NewError(ErrCInvalidOptions, "concurrent transaction tickets must be greater than 0")
	}
	if c.ReadOnly && c.Durable {
		return NewError(ErrCInvalidOptions, "a read-only engine cannot be durable")
	}
	switch c.Encryption.CipherMode {
	case "", CipherAES256CBC, CipherAES256GCM:
	default:
		return Errorf(ErrCInvalidOptions, "unknown cipher mode %q", c.Encryption.CipherMode)
	}
	if c.SweepIntervalSecs <= 0 {
		c.SweepIntervalSecs = 10
	}
	if c.CheckpointDelaySecs <= 0 {
		c.CheckpointDelaySecs = 60
	}
	return nil
}
