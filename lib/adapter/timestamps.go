package adapter

import (
	"fmt"

	"github.com/ValentinKolb/tidewater/lib/engine"
)

// --------------------------------------------------------------------------
// Timestamp Coordinator
// --------------------------------------------------------------------------

// SetStableTimestamp publishes the stable timestamp to the engine and the
// checkpoint coordinator. Ignored while history is not kept or for a null
// timestamp.
func (e *KVEngine) SetStableTimestamp(ts uint64) {
	if !e.config.EnableMajorityReadConcern {
		return
	}
	if ts == 0 {
		return
	}

	// Timestamp-aware checkpoints only persist transactions committed at or
	// before the stable timestamp, so the engine must learn it before the
	// checkpoint coordinator does: the only transition the coordinator can
	// make on a fresh value is from "no checkpoints" to "stable
	// checkpoints", and by then the engine has the value.
	cfg := fmt.Sprintf("stable_timestamp=%s", engine.FormatTS(ts))
	if err := e.conn.SetTimestamp(cfg); err != nil {
		log.Panicf("cannot publish stable timestamp %d: %v", ts, err)
	}

	if e.checkpointer != nil {
		e.checkpointer.setStableTimestamp(ts)
	}

	// the engine may garbage-collect history older than the stable point
	e.SetOldestTimestamp(ts, false)
}

// SetOldestTimestamp publishes the oldest timestamp. Without force the value
// is lagged behind the oplog read timestamp and the local snapshot timestamp
// so in-flight readers keep their snapshots; with force the caller's value
// wins and the cached oldest may move backwards.
func (e *KVEngine) SetOldestTimestamp(ts uint64, force bool) {
	if ts == 0 {
		// nothing to set yet
		return
	}

	if oplogRead := e.oplogManager.GetOplogReadTimestamp(); !force && oplogRead != 0 && ts > oplogRead {
		// Oplog visibility trails the replication commit point; lagging to
		// the oplog read timestamp keeps every oplog reader serviceable.
		ts = oplogRead
	}
	if localSnapshot := e.sessionCache.SnapshotManager().LocalSnapshot(); !force && localSnapshot != 0 && ts > localSnapshot {
		// Secondary reads run at the local snapshot timestamp; advancing
		// oldest past it would fail them.
		ts = localSnapshot
	}

	var cfg string
	if force {
		cfg = fmt.Sprintf("force=true,oldest_timestamp=%s,commit_timestamp=%s",
			engine.FormatTS(ts), engine.FormatTS(ts))
	} else {
		cfg = fmt.Sprintf("oldest_timestamp=%s", engine.FormatTS(ts))
	}
	if err := e.conn.SetTimestamp(cfg); err != nil {
		log.Panicf("cannot publish oldest timestamp %d: %v", ts, err)
	}

	// the engine ignores backward motion unless forced; mirror that here
	if force {
		e.oldestTimestamp.Store(ts)
		log.Debugf("oldest_timestamp and commit_timestamp force set to %d", ts)
	} else {
		for {
			cur := e.oldestTimestamp.Load()
			if cur >= ts || e.oldestTimestamp.CompareAndSwap(cur, ts) {
				break
			}
		}
		log.Debugf("oldest_timestamp set to %d", ts)
	}
}

// SetInitialDataTimestamp records the timestamp at which the dataset became
// consistent. Values at or below 1 keep the checkpoint coordinator in
// unstable-checkpoint mode.
func (e *KVEngine) SetInitialDataTimestamp(ts uint64) {
	if e.checkpointer != nil {
		e.checkpointer.setInitialDataTimestamp(ts)
	}
}

// --------------------------------------------------------------------------
// Getters
// --------------------------------------------------------------------------

// GetStableTimestamp returns the current stable timestamp.
func (e *KVEngine) GetStableTimestamp() uint64 {
	if e.checkpointer == nil {
		return 0
	}
	return e.checkpointer.getStableTimestamp()
}

// GetOldestTimestamp returns the cached oldest timestamp.
func (e *KVEngine) GetOldestTimestamp() uint64 {
	return e.oldestTimestamp.Load()
}

// GetInitialDataTimestamp returns the initial data timestamp.
func (e *KVEngine) GetInitialDataTimestamp() uint64 {
	if e.checkpointer == nil {
		return 0
	}
	return e.checkpointer.getInitialDataTimestamp()
}

// GetAllCommittedTimestamp returns the engine's all-committed point.
func (e *KVEngine) GetAllCommittedTimestamp() (uint64, error) {
	return e.oplogManager.fetchAllCommitted(e.conn)
}

// GetOldestOpenReadTimestamp returns the minimum read timestamp of all open
// transactions, or zero when none are open.
func (e *KVEngine) GetOldestOpenReadTimestamp() uint64 {
	ts, err := e.conn.QueryTimestamp("oldest_reader")
	if err != nil {
		if engine.IsNotFound(err) {
			return 0
		}
		log.Panicf("cannot query oldest reader timestamp: %v", err)
	}
	return ts
}

// GetRecoveryTimestamp returns the point the last restart recovered to.
// The second return is false when the engine recovered to no timestamp.
func (e *KVEngine) GetRecoveryTimestamp() (uint64, bool) {
	if !e.SupportsRecoveryTimestamp() {
		log.Panicf("engine is configured to not support providing a recovery timestamp")
	}
	if e.recoveryTimestamp == 0 {
		return 0, false
	}
	return e.recoveryTimestamp, true
}

// GetLastStableCheckpointTimestamp returns the timestamp of the last stable
// checkpoint, falling back to the recovery timestamp right after startup.
func (e *KVEngine) GetLastStableCheckpointTimestamp() (uint64, bool) {
	if !e.SupportsRecoverToStableTimestamp() {
		log.Panicf("engine is configured to not support recover to a stable timestamp")
	}
	if e.checkpointer != nil {
		if ts := e.checkpointer.getLastStableCheckpointTimestamp(); ts != 0 {
			return ts, true
		}
	}
	if e.recoveryTimestamp != 0 {
		return e.recoveryTimestamp, true
	}
	return 0, false
}

// --------------------------------------------------------------------------
// Capability Probes
// --------------------------------------------------------------------------

// SupportsRecoverToStableTimestamp reports whether rollback to stable is
// available.
func (e *KVEngine) SupportsRecoverToStableTimestamp() bool {
	return !e.config.Ephemeral && e.config.EnableMajorityReadConcern
}

// SupportsRecoveryTimestamp reports whether the engine reports a recovery
// point after restart.
func (e *KVEngine) SupportsRecoveryTimestamp() bool {
	return !e.config.Ephemeral
}

// --------------------------------------------------------------------------
// Recover To Stable
// --------------------------------------------------------------------------

// RecoverToStableTimestamp rolls the data back to the last stable timestamp:
// buffered sizes are synced, the journal flusher and checkpoint threads stop,
// the engine discards newer updates, and both threads restart together with a
// fresh size storer. Returns the timestamp recovered to.
func (e *KVEngine) RecoverToStableTimestamp() (uint64, error) {
	if !e.SupportsRecoverToStableTimestamp() {
		log.Panicf("engine is configured to not support recover to a stable timestamp")
	}

	if !e.checkpointer.canRecoverToStableTimestamp() {
		stable := e.checkpointer.getStableTimestamp()
		initialData := e.checkpointer.getInitialDataTimestamp()
		return 0, Errorf(ErrCUnrecoverableRollback,
			"no stable timestamp available to recover to, initial data timestamp: %d, stable timestamp: %d",
			initialData, stable)
	}

	logRecovery.Debugf("recover to stable: syncing size storer to disk")
	if err := e.syncSizeInfo(true); err != nil {
		return 0, err
	}

	logRecovery.Debugf("recover to stable: shutting down journal and checkpoint threads")
	if e.flusher != nil {
		e.flusher.shutdown()
	}
	stableTimestamp := e.checkpointer.getStableTimestamp()
	initialDataTimestamp := e.checkpointer.getInitialDataTimestamp()
	e.checkpointer.shutdown()

	logRecovery.Infof("rolling back to the stable timestamp %d, initial data timestamp %d",
		stableTimestamp, initialDataTimestamp)
	if err := e.conn.RollbackToStable(); err != nil {
		return 0, WrapError(ErrCUnrecoverableRollback, err, "error rolling back to stable")
	}

	if e.flusher != nil {
		e.flusher = newJournalFlusher(e.sessionCache,
			func() int { return e.config.JournalCommitIntervalMs })
		e.flusher.start()
	}
	e.checkpointer = newCheckpointer(e.sessionCache, e.config.EnableMajorityReadConcern,
		func() int { return e.config.CheckpointDelaySecs })
	e.checkpointer.setInitialDataTimestamp(initialDataTimestamp)
	e.checkpointer.setStableTimestamp(stableTimestamp)
	e.checkpointer.start()

	e.sizeStorer = newSizeStorer(e.sessionCache, e.sizeStorerURI, e.config.ReadOnly)

	return stableTimestamp, nil
}

// --------------------------------------------------------------------------
// Oplog Coordination
// --------------------------------------------------------------------------

// StartOplogManager registers an oplog record store; the first registration
// starts tracking.
func (e *KVEngine) StartOplogManager(uri string) {
	e.oplogMu.Lock()
	defer e.oplogMu.Unlock()
	if e.oplogManagerCount == 0 {
		e.oplogManager.start(uri)
	}
	e.oplogManagerCount++
}

// HaltOplogManager drops one registration; the last one stops tracking.
func (e *KVEngine) HaltOplogManager() {
	e.oplogMu.Lock()
	defer e.oplogMu.Unlock()
	if e.oplogManagerCount == 0 {
		log.Panicf("HaltOplogManager called with no running oplog manager")
	}
	e.oplogManagerCount--
	if e.oplogManagerCount == 0 {
		e.oplogManager.halt()
	}
}

// OplogManager returns the shared oplog manager.
func (e *KVEngine) OplogManager() *OplogManager {
	return e.oplogManager
}

// ReplicationBatchIsComplete nudges the journal after a replication batch.
func (e *KVEngine) ReplicationBatchIsComplete() {
	e.oplogManager.TriggerJournalFlush()
}
