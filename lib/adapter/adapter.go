package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/tidewater/lib/engine"
	"github.com/ValentinKolb/tidewater/lib/keystore"
	"github.com/ValentinKolb/tidewater/lib/logging"
)

var (
	log         = logging.GetLogger("adapter")
	logRecovery = logging.GetLogger("recovery")
)

// encryptionProvider is the name the main engine resolves the keystore under
const encryptionProvider = "keystore"

// storageMetadataFile is the engine metadata document kept next to the data
// files and included in every backup
const storageMetadataFile = "storage.bson"

// --------------------------------------------------------------------------
// KVEngine
// --------------------------------------------------------------------------

// KVEngine is the adapter between the document database above and the
// embedded engine below. It owns the engine connection, the background
// services, the timestamp coordination and the ident lifecycle.
//
// Thread-safety: all exported methods are safe for concurrent use.
type KVEngine struct {
	config        Config
	canonicalName string
	path          string

	conn         engine.Connection
	sessionCache *SessionCache

	sweeper      *sessionSweeper
	flusher      *journalFlusher
	checkpointer *checkpointer

	sizeStorer            *sizeStorer
	sizeStorerURI         string
	sizeStorerSyncTracker periodicTracker

	dropQueue dropQueue

	oldestTimestamp   atomic.Uint64
	recoveryTimestamp uint64

	fileVersion fileVersion
	openConfig  string

	keystore *keystore.KeyDB

	oplogMu           sync.Mutex
	oplogManager      *OplogManager
	oplogManagerCount int

	writeTickets *TicketHolder
	readTickets  *TicketHolder

	backupMu      sync.Mutex
	backupSession *CachedSession
	backupCursor  engine.Cursor

	shutdownMu sync.Mutex
}

// New opens the engine at cfg.Path and starts the background services.
//
// When master key rotation was requested the returned error wraps
// keystore.ErrRotationFinished and the process must exit so the operator can
// inspect the result.
func New(cfg Config) (*KVEngine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &KVEngine{
		config:        cfg,
		canonicalName: string(cfg.EngineName),
		path:          cfg.Path,
		oplogManager:  &OplogManager{},
		writeTickets:  NewTicketHolder(cfg.ConcurrentWriteTransactions),
		readTickets:   NewTicketHolder(cfg.ConcurrentReadTransactions),
	}
	e.sizeStorerSyncTracker.interval = time.Minute

	journalPath := filepath.Join(cfg.Path, "journal")
	if cfg.Durable {
		if err := os.MkdirAll(journalPath, 0o755); err != nil {
			return nil, WrapError(ErrCIOError, err, "error creating journal dir "+journalPath)
		}
	}

	encryptionCfg := ""
	if cfg.Encryption.Enable {
		kdb, err := keystore.Setup(cfg.Path, keystore.Options{
			DirectoryPerDB:  cfg.DirectoryPerDB,
			CipherMode:      string(cfg.Encryption.CipherMode),
			MasterKey:       cfg.Encryption.MasterKey,
			StoreMasterKey:  cfg.Encryption.StoreMasterKey,
			RotateMasterKey: cfg.Encryption.VaultRotateMasterKey,
		})
		if err != nil {
			// a finished rotation terminates startup with the distinguished
			// error so the operator inspects the result
			return nil, err
		}
		e.keystore = kdb
		engine.RegisterEncryptor(encryptionProvider, kdb)
		encryptionCfg = fmt.Sprintf("encryption=(provider=%s,cipher=%s),",
			encryptionProvider, cfg.Encryption.CipherMode)
	}

	var ss strings.Builder
	ss.WriteString("create,")
	fmt.Fprintf(&ss, "cache_size=%dM,", cfg.CacheSizeMB)
	ss.WriteString("session_max=20000,")
	ss.WriteString("eviction=(threads_min=4,threads_max=4),")
	ss.WriteString("config_base=false,")
	ss.WriteString("statistics=(fast),")
	if !cfg.ReadOnly {
		ss.WriteString("log=(enabled=true,archive=true,path=journal),")
		ss.WriteString("file_manager=(close_idle_time=100000),")
	}
	ss.WriteString(encryptionCfg)
	ss.WriteString(cfg.ExtraOpenOptions)
	if cfg.ReadOnly {
		ss.WriteString(",readonly=true,")
	}
	if !cfg.Durable && !cfg.ReadOnly {
		// If we started without the journal but previously used it, open
		// once with the log enabled to run recovery, then drop the journal
		// and reopen without it.
		if _, err := os.Stat(journalPath); err == nil {
			config := ss.String()
			log.Infof("detected journal files, running recovery from last checkpoint")
			log.Infof("journal to nojournal transition config: %s", config)
			conn, err := engine.Open(cfg.EngineName, cfg.Path, config)
			if err != nil {
				e.closeKeystore()
				return nil, WrapError(ErrCIOError, err, "journal transition recovery failed")
			}
			if err := conn.Close(""); err != nil {
				e.closeKeystore()
				return nil, WrapError(ErrCIOError, err, "journal transition close failed")
			}
			if err := os.RemoveAll(journalPath); err != nil {
				e.closeKeystore()
				return nil, WrapError(ErrCIOError, err, "error removing journal dir "+journalPath)
			}
		}
		// later in the config string, so it overrides the earlier setting
		ss.WriteString(",log=(enabled=false),")
	}

	config := ss.String()
	log.Infof("engine open config: %s", config)
	if err := e.openEngine(config); err != nil {
		e.closeKeystore()
		return nil, err
	}
	e.openConfig = config

	if cfg.EnableMajorityReadConcern && !e.conn.SupportsFeature(engine.FeatureTimestamps) {
		e.conn.Close("")
		e.closeKeystore()
		return nil, NewError(ErrCInvalidOptions,
			"majority read concern requires an engine with timestamp support")
	}

	ts, err := e.conn.QueryTimestamp("recovery")
	if err != nil && !engine.IsNotFound(err) {
		return nil, WrapError(ErrCIOError, err, "cannot query recovery timestamp")
	}
	e.recoveryTimestamp = ts
	logRecovery.Infof("engine recovery timestamp: %d", ts)

	if err := e.writeStorageMetadata(); err != nil {
		return nil, err
	}

	e.sessionCache = NewSessionCache(e.conn)
	e.sessionCache.queuedDropURIs = e.dropQueue.snapshot
	if e.keystore != nil {
		e.sessionCache.keystoreCheckpoint = e.keystore.Checkpoint
	}
	e.oplogManager.triggerFlush = func() {
		cs, err := e.sessionCache.GetSession()
		if err != nil {
			return
		}
		defer e.sessionCache.ReleaseSession(cs)
		_ = cs.LogFlush("sync=off")
	}

	e.sweeper = newSessionSweeper(e.sessionCache,
		time.Duration(cfg.SweepIntervalSecs)*time.Second,
		func() int { return e.config.SessionCloseIdleTimeSecs })
	e.sweeper.start()

	if cfg.Durable && !cfg.Ephemeral {
		e.flusher = newJournalFlusher(e.sessionCache,
			func() int { return e.config.JournalCommitIntervalMs })
		e.flusher.start()
	}

	if !cfg.ReadOnly && !cfg.Ephemeral {
		e.checkpointer = newCheckpointer(e.sessionCache, cfg.EnableMajorityReadConcern,
			func() int { return e.config.CheckpointDelaySecs })
		if e.recoveryTimestamp != 0 {
			e.checkpointer.setInitialDataTimestamp(e.recoveryTimestamp)
			e.SetStableTimestamp(e.recoveryTimestamp)
		}
		e.checkpointer.start()
	}

	e.sizeStorerURI = e.uri(sizeStorerIdent)
	if err := e.setupSizeStorer(); err != nil {
		e.cleanupAfterFailedOpen()
		return nil, err
	}

	return e, nil
}

// closeKeystore tears the keystore down during failed opens
func (e *KVEngine) closeKeystore() {
	if e.keystore != nil {
		engine.UnregisterEncryptor(encryptionProvider)
		e.keystore.Close()
		e.keystore = nil
	}
}

func (e *KVEngine) cleanupAfterFailedOpen() {
	if e.sweeper != nil {
		e.sweeper.shutdown()
	}
	if e.flusher != nil {
		e.flusher.shutdown()
	}
	if e.checkpointer != nil {
		e.checkpointer.shutdown()
	}
	if e.sessionCache != nil {
		e.sessionCache.ShuttingDown()
	}
	if e.conn != nil {
		e.conn.Close("")
		e.conn = nil
	}
	e.closeKeystore()
}

// openEngine negotiates the file version by probing with successively lower
// require_min constraints, salvaging metadata in repair mode as a last
// resort.
func (e *KVEngine) openEngine(baseConfig string) error {
	var lastErr error
	for _, probe := range requireMinByVersion {
		cfg := fmt.Sprintf("%s,compatibility=(require_min=%q)", baseConfig, probe.requireMin)
		conn, err := engine.Open(e.config.EngineName, e.path, cfg)
		if err == nil {
			e.conn = conn
			e.fileVersion = fileVersion{startup: probe.version}
			return nil
		}
		lastErr = err
	}

	log.Warningf("failed to start up the engine under any compatibility version")

	if errors.Is(lastErr, engine.ErrTrySalvage) {
		log.Warningf("engine metadata corruption detected")
	}
	if !e.config.Repair {
		log.Panicf("unrecoverable engine error on open: %v", lastErr)
	}

	// in repair mode always attempt to salvage the metadata, regardless of
	// the error code
	log.Warningf("attempting to salvage engine metadata")
	cfg := baseConfig + ",salvage=true"
	conn, err := engine.Open(e.config.EngineName, e.path, cfg)
	if err != nil {
		log.Panicf("failed to salvage engine metadata: %v", err)
	}
	e.conn = conn
	e.fileVersion = fileVersion{startup: startupCurrent}
	if e.config.RepairObserver != nil {
		e.config.RepairObserver("engine metadata salvaged")
	}
	return nil
}

// writeStorageMetadata writes the storage.bson metadata document when absent
func (e *KVEngine) writeStorageMetadata() error {
	path := filepath.Join(e.path, storageMetadataFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	doc := map[string]interface{}{
		"storage": map[string]interface{}{
			"engine": e.canonicalName,
			"options": map[string]interface{}{
				"journal":        e.config.Durable,
				"directoryPerDB": e.config.DirectoryPerDB,
			},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return WrapError(ErrCInternalError, err, "cannot encode storage metadata")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return WrapError(ErrCIOError, err, "cannot write "+storageMetadataFile)
	}
	return nil
}

func (e *KVEngine) setupSizeStorer() error {
	cs, err := e.sessionCache.GetSession()
	if err != nil {
		return err
	}
	defer e.sessionCache.ReleaseSession(cs)

	if !e.config.ReadOnly && e.config.Repair && e.hasURI(e.sizeStorerURI) {
		log.Infof("repairing size cache")
		if err := e.salvageIfNeeded(e.sizeStorerURI); err != nil && !IsCode(err, ErrCDataModifiedByRepair) {
			return err
		}
	}
	if !e.config.ReadOnly {
		if err := cs.Create(e.sizeStorerURI, "key_format=u,value_format=u,log=(enabled=true)"); err != nil {
			return WrapError(ErrCIOError, err, "cannot create size storer")
		}
	}
	e.sizeStorer = newSizeStorer(e.sessionCache, e.sizeStorerURI, e.config.ReadOnly)
	return nil
}

// --------------------------------------------------------------------------
// Durability & Shutdown
// --------------------------------------------------------------------------

// syncSizeInfo flushes buffered size updates. Write conflicts are retried
// later; a full cache is only tolerated on non-durable deployments.
func (e *KVEngine) syncSizeInfo(sync bool) error {
	if e.sizeStorer == nil {
		return nil
	}
	err := e.sizeStorer.Flush(sync)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrRollback):
		// ignore, we'll try again later
		return nil
	case errors.Is(err, engine.ErrCacheFull):
		if !e.config.Durable {
			log.Errorf("size storer failed to sync cache, ignoring: %v", err)
			return nil
		}
		return WrapError(ErrCMemoryLimit, err, "size storer cache full")
	default:
		return err
	}
}

// FlushAllFiles forces all committed data to stable storage.
func (e *KVEngine) FlushAllFiles() error {
	log.Debugf("KVEngine::FlushAllFiles")
	if e.config.Ephemeral {
		return nil
	}
	if err := e.syncSizeInfo(false); err != nil {
		return err
	}
	// without a journal this has to be a full checkpoint
	return e.sessionCache.WaitUntilDurable(true, e.config.Durable)
}

// CleanShutdown stops the background services and closes the engine,
// downgrading the on-disk files when the version policy calls for it. Safe
// to call more than once.
func (e *KVEngine) CleanShutdown() error {
	e.shutdownMu.Lock()
	defer e.shutdownMu.Unlock()

	log.Infof("KVEngine shutting down")
	defer e.closeKeystore()

	if e.conn == nil {
		return nil
	}
	if !e.config.ReadOnly {
		if err := e.syncSizeInfo(true); err != nil {
			log.Warningf("size info sync failed during shutdown: %v", err)
		}
	}

	// these must be the last things we do before the connection close
	if e.sweeper != nil {
		log.Infof("shutting down session sweeper thread")
		e.sweeper.shutdown()
		log.Infof("finished shutting down session sweeper thread")
		e.sweeper = nil
	}
	if e.flusher != nil {
		e.flusher.shutdown()
		e.flusher = nil
	}
	if e.checkpointer != nil {
		e.checkpointer.shutdown()
		logRecovery.Debugf("shutdown timestamps, stable: %d, initial data: %d",
			e.checkpointer.getStableTimestamp(), e.checkpointer.getInitialDataTimestamp())
	}

	e.sizeStorer = nil
	e.sessionCache.ShuttingDown()

	// Leak memory for a faster shutdown, except when a leak checker is
	// watching.
	closeConfig := ""
	if !raceEnabled {
		closeConfig = "leak_memory=true,"
	}

	if !e.fileVersion.shouldDowngrade(&e.config, e.recoveryTimestamp != 0) {
		if e.config.EnableMajorityReadConcern {
			closeConfig += "use_timestamp=true,"
		} else {
			closeConfig += "use_timestamp=false,"
		}
		err := e.conn.Close(closeConfig)
		e.conn = nil
		if err != nil {
			return WrapError(ErrCIOError, err, "engine close failed")
		}
		return nil
	}

	log.Infof("downgrading engine data files")
	// Steps for downgrading:
	//
	// 1) Close with an unstable checkpoint, then reopen. This clears any
	//    leftover cursors that would get in the way of the downgrade.
	//
	// 2) Enable logging on all tables, reconfigure to the downgrade release,
	//    and close again.
	closeConfig += "use_timestamp=false,"
	if err := e.conn.Close(closeConfig); err != nil {
		e.conn = nil
		return WrapError(ErrCIOError, err, "engine close failed")
	}
	e.conn = nil

	conn, err := engine.Open(e.config.EngineName, e.path, e.openConfig)
	if err != nil {
		return WrapError(ErrCIOError, err, "reopen for downgrade failed")
	}
	s, err := conn.OpenSession()
	if err != nil {
		conn.Close("")
		return WrapError(ErrCIOError, err, "cannot open downgrade session")
	}

	cur, err := s.OpenCursor("metadata:create", "")
	if err != nil {
		s.Close()
		conn.Close("")
		return WrapError(ErrCIOError, err, "cannot enumerate engine metadata")
	}
	for cur.Next() == nil {
		key := cur.Key()
		typ, _, ok := strings.Cut(key, ":")
		if !ok || typ != "table" {
			continue
		}
		if err := s.Alter(key, "log=(enabled=true)"); err != nil {
			cur.Close()
			s.Close()
			conn.Close("")
			return WrapError(ErrCIOError, err, "cannot enable logging on "+key)
		}
	}
	cur.Close()
	s.Close()

	downgrade := e.fileVersion.downgradeString(&e.config)
	log.Infof("downgrade compatibility configuration: %s", downgrade)
	if err := conn.Reconfigure(downgrade); err != nil {
		conn.Close("")
		return WrapError(ErrCIOError, err, "downgrade reconfigure failed")
	}
	if err := conn.Close(closeConfig); err != nil {
		return WrapError(ErrCIOError, err, "downgrade close failed")
	}
	return nil
}

// --------------------------------------------------------------------------
// Backup Session Primitive
// --------------------------------------------------------------------------

// BeginBackup opens the process-exclusive backup cursor. The cursor pins a
// consistent set of files until EndBackup.
func (e *KVEngine) BeginBackup() error {
	e.backupMu.Lock()
	defer e.backupMu.Unlock()
	if e.backupSession != nil {
		return NewError(ErrCInternalError, "a backup is already in progress")
	}
	if e.config.Ephemeral {
		return nil
	}
	if !e.conn.SupportsFeature(engine.FeatureBackupCursor) {
		return NewError(ErrCInvalidOptions, "the engine does not support backup cursors")
	}

	s, err := e.conn.OpenSession()
	if err != nil {
		return WrapError(ErrCIOError, err, "cannot open backup session")
	}
	cs := &CachedSession{Session: s, cache: e.sessionCache, cursors: map[string][]engine.Cursor{}}
	cur, err := s.OpenCursor("backup:", "")
	if err != nil {
		s.Close()
		return WrapError(ErrCIOError, err, "cannot open backup cursor")
	}
	e.backupSession = cs
	e.backupCursor = cur
	return nil
}

// EndBackup releases the backup cursor.
func (e *KVEngine) EndBackup() {
	e.backupMu.Lock()
	defer e.backupMu.Unlock()
	if e.backupSession != nil {
		e.backupSession.close()
		e.backupSession = nil
		e.backupCursor = nil
	}
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Connection exposes the engine connection to the backup pipeline.
func (e *KVEngine) Connection() engine.Connection {
	return e.conn
}

// SessionCache returns the shared session cache.
func (e *KVEngine) SessionCache() *SessionCache {
	return e.sessionCache
}

// Keystore returns the encryption key store, or nil.
func (e *KVEngine) Keystore() *keystore.KeyDB {
	return e.keystore
}

// Path returns the engine root directory.
func (e *KVEngine) Path() string {
	return e.path
}

// CanonicalName returns the configured engine name.
func (e *KVEngine) CanonicalName() string {
	return e.canonicalName
}
