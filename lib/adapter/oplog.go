package adapter

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/tidewater/lib/engine"
)

// --------------------------------------------------------------------------
// Oplog Manager
// --------------------------------------------------------------------------

// OplogManager tracks the oplog read timestamp the replication layer above
// publishes, and exposes the all-committed timestamp. It is reference
// counted through the engine's StartOplogManager/HaltOplogManager so the
// background machinery runs exactly while at least one oplog record store is
// open.
type OplogManager struct {
	mu      sync.Mutex
	running bool
	uri     string

	oplogReadTimestamp atomic.Uint64

	// triggerFlush is installed by the engine; it nudges the journal towards
	// durability when a replication batch completes.
	triggerFlush func()
}

// start begins tracking for the given oplog uri
func (m *OplogManager) start(uri string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	m.uri = uri
}

// halt stops tracking
func (m *OplogManager) halt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.uri = ""
	m.oplogReadTimestamp.Store(0)
}

// IsRunning reports whether an oplog record store is registered.
func (m *OplogManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetOplogReadTimestamp returns the current oplog read timestamp (0 = none).
func (m *OplogManager) GetOplogReadTimestamp() uint64 {
	return m.oplogReadTimestamp.Load()
}

// SetOplogReadTimestamp publishes the timestamp up to which oplog readers
// may read.
func (m *OplogManager) SetOplogReadTimestamp(ts uint64) {
	m.oplogReadTimestamp.Store(ts)
}

// TriggerJournalFlush nudges the journal towards durability without waiting.
func (m *OplogManager) TriggerJournalFlush() {
	if m.triggerFlush != nil {
		m.triggerFlush()
	}
}

// fetchAllCommitted queries the engine for the all-committed timestamp
func (m *OplogManager) fetchAllCommitted(conn engine.Connection) (uint64, error) {
	ts, err := conn.QueryTimestamp("all_committed")
	if err != nil {
		if engine.IsNotFound(err) {
			return 0, nil
		}
		return 0, WrapError(ErrCIOError, err, "cannot query all_committed timestamp")
	}
	return ts, nil
}
