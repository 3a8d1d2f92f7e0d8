package adapter

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/tidewater/lib/engine"
	_ "github.com/ValentinKolb/tidewater/lib/engine/engines/grove"
)

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig(t.TempDir())
	cfg.CacheSizeMB = 16
	// ticks are driven manually in tests, keep the timer out of the way
	cfg.CheckpointDelaySecs = 3600
	cfg.SweepIntervalSecs = 1
	cfg.JournalCommitIntervalMs = 10
	return cfg
}

func openTestEngine(t *testing.T, cfg Config) *KVEngine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := e.CleanShutdown(); err != nil {
			t.Errorf("CleanShutdown failed: %v", err)
		}
	})
	return e
}

// put writes one key through a pooled session, committing at ts (0 = no
// timestamp)
func put(t *testing.T, e *KVEngine, ident, key, value string, ts uint64) {
	t.Helper()
	cs, err := e.sessionCache.GetSession()
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	defer e.sessionCache.ReleaseSession(cs)

	cur, err := cs.OpenCursor(e.uri(ident), "")
	if err != nil {
		t.Fatalf("OpenCursor failed: %v", err)
	}
	defer cur.Close()

	if ts > 0 {
		if err := cs.BeginTransaction(""); err != nil {
			t.Fatal(err)
		}
		if err := cur.Insert(key, []byte(value)); err != nil {
			t.Fatal(err)
		}
		if err := cs.CommitTransaction("commit_timestamp=" + engine.FormatTS(ts)); err != nil {
			t.Fatal(err)
		}
		return
	}
	if err := cur.Insert(key, []byte(value)); err != nil {
		t.Fatal(err)
	}
}

func hasKey(t *testing.T, e *KVEngine, ident, key string) bool {
	t.Helper()
	cs, err := e.sessionCache.GetSession()
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	defer e.sessionCache.ReleaseSession(cs)

	cur, err := cs.OpenCursor(e.uri(ident), "")
	if err != nil {
		t.Fatalf("OpenCursor failed: %v", err)
	}
	defer cur.Close()
	return cur.Search(key) == nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestOpenAndShutdownIdempotent(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	if e.HasIdent("nope") {
		t.Errorf("Expected no idents on a fresh engine")
	}
	if err := e.CleanShutdown(); err != nil {
		t.Fatalf("CleanShutdown failed: %v", err)
	}
	// the second shutdown is a no-op
	if err := e.CleanShutdown(); err != nil {
		t.Fatalf("Second CleanShutdown failed: %v", err)
	}
}

func TestCreateRecordStoreAndIntrospection(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	if err := e.CreateRecordStore("db.coll", "coll1", CollectionOptions{}); err != nil {
		t.Fatalf("CreateRecordStore failed: %v", err)
	}
	if err := e.CreateSortedIndex("db.coll", "index1", IndexDescriptor{Name: "a_1", Unique: true}); err != nil {
		t.Fatalf("CreateSortedIndex failed: %v", err)
	}

	if !e.HasIdent("coll1") || !e.HasIdent("index1") {
		t.Errorf("Expected created idents to exist")
	}
	if e.DataFilePathForIdent("coll1") == "" {
		t.Errorf("Expected a data file for coll1")
	}

	idents, err := e.GetAllIdents()
	if err != nil {
		t.Fatalf("GetAllIdents failed: %v", err)
	}
	if len(idents) != 2 {
		t.Errorf("Expected [coll1 index1] (sizeStorer excluded), got %v", idents)
	}
	for _, id := range idents {
		if id == sizeStorerIdent {
			t.Errorf("sizeStorer leaked into GetAllIdents")
		}
	}

	if _, err := e.GetIdentSize("coll1"); err != nil {
		t.Errorf("GetIdentSize failed: %v", err)
	}
}

func TestNestedIdentCreatesDirectories(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	if err := e.CreateRecordStore("mydb.c", "mydb/coll2", CollectionOptions{}); err != nil {
		t.Fatalf("CreateRecordStore with nested ident failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.path, "mydb", "coll2.wt")); err != nil {
		t.Errorf("Expected nested data file: %v", err)
	}
}

func TestInvalidCollectionConfigString(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	err := e.CreateRecordStore("db.c", "bad1", CollectionOptions{ConfigString: "block_compressor=(oops"})
	if !IsCode(err, ErrCInvalidOptions) {
		t.Errorf("Expected InvalidOptions for unbalanced config, got %v", err)
	}
}

// --------------------------------------------------------------------------
// Scenario: create, drop with busy reader, queued drain
// --------------------------------------------------------------------------

func TestDropBusyQueuedAndDrained(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	if err := e.CreateRecordStore("db.c1", "c1", CollectionOptions{}); err != nil {
		t.Fatal(err)
	}

	// a parallel reader holds a cursor on the table
	reader, err := e.sessionCache.GetSession()
	if err != nil {
		t.Fatal(err)
	}
	cur, err := reader.GetCachedCursor(e.uri("c1"))
	if err != nil {
		t.Fatal(err)
	}

	// the drop comes back OK, but the table survives in the queue
	if err := e.DropIdent("c1"); err != nil {
		t.Fatalf("DropIdent failed: %v", err)
	}
	if !e.HasIdent("c1") {
		t.Errorf("Expected c1 to still exist while queued")
	}
	if got := e.dropQueue.snapshot(); len(got) != 1 || got[0] != "table:c1" {
		t.Errorf("Expected [table:c1] queued, got %v", got)
	}

	// the drain cannot win while the reader holds its cursor
	e.DropSomeQueuedIdents()
	if !e.HasIdent("c1") {
		t.Errorf("Expected c1 to survive a drain under a live cursor")
	}

	// release the reader; the session cache sheds the cursor for the queued
	// drop on release
	reader.ReleaseCursor(cur)
	e.sessionCache.ReleaseSession(reader)

	e.DropSomeQueuedIdents()
	if e.dropQueue.size() != 0 {
		t.Errorf("Expected an empty queue after the drain, got %d entries", e.dropQueue.size())
	}
	if e.HasIdent("c1") {
		t.Errorf("Expected c1 to be gone after the drain")
	}
}

func TestHaveDropsQueuedThrottled(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	// first probe runs, second is inside the one second throttle
	e.dropQueue.pushBack("table:x")
	if !e.HaveDropsQueued() {
		t.Errorf("Expected queued drops to be reported")
	}
	if e.HaveDropsQueued() {
		t.Errorf("Expected the probe to be throttled")
	}
}

func TestDropMissingIdentIsOK(t *testing.T) {
	e := openTestEngine(t, testConfig(t))
	if err := e.DropIdent("never-existed"); err != nil {
		t.Errorf("Expected dropping a missing ident to succeed, got %v", err)
	}
}

// --------------------------------------------------------------------------
// Scenario: checkpoint decision table
// --------------------------------------------------------------------------

func TestCheckpointDecisionInitialSync(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	// initial data at the sentinel: full checkpoint, no stable publication
	e.SetInitialDataTimestamp(1)
	e.checkpointer.tick()
	if got := e.checkpointer.getLastStableCheckpointTimestamp(); got != 0 {
		t.Errorf("Expected lastStableCheckpoint=0 after an unstable tick, got %d", got)
	}
}

func TestCheckpointDecisionMajorityOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableMajorityReadConcern = false
	e := openTestEngine(t, cfg)

	// An initial data timestamp of at most 1 takes the unstable branch first.
	e.SetInitialDataTimestamp(100)
	e.checkpointer.tick()
	if got := e.checkpointer.getLastStableCheckpointTimestamp(); got != math.MaxUint64 {
		t.Errorf("Expected lastStableCheckpoint pinned to infinity, got %d", got)
	}
}

func TestCheckpointDecisionSkip(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	e.SetInitialDataTimestamp(100)
	e.SetStableTimestamp(50)
	e.checkpointer.tick()
	if got := e.checkpointer.getLastStableCheckpointTimestamp(); got != 0 {
		t.Errorf("Expected a skipped tick to publish nothing, got %d", got)
	}
}

func TestCheckpointDecisionStable(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	e.SetInitialDataTimestamp(100)
	// crossing initial data triggers the first stable checkpoint without
	// waiting out the tick timer
	e.SetStableTimestamp(150)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.checkpointer.getLastStableCheckpointTimestamp() == 150 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("first stable checkpoint was not taken, lastStableCheckpoint=%d",
		e.checkpointer.getLastStableCheckpointTimestamp())
}

func TestSetStableIdempotent(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	e.SetStableTimestamp(150)
	e.SetStableTimestamp(150)
	got, err := e.conn.QueryTimestamp("stable")
	if err != nil {
		t.Fatal(err)
	}
	if got != 150 {
		t.Errorf("Expected engine stable=150, got %d", got)
	}
	if e.GetStableTimestamp() != 150 {
		t.Errorf("Expected coordinator stable=150, got %d", e.GetStableTimestamp())
	}
}

// --------------------------------------------------------------------------
// Oldest timestamp lagging
// --------------------------------------------------------------------------

func TestOldestTimestampLagsReaders(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	// effective oldest is min(requested, oplog read, local snapshot)
	e.StartOplogManager(e.uri("oplog"))
	defer e.HaltOplogManager()
	e.oplogManager.SetOplogReadTimestamp(80)
	e.sessionCache.SnapshotManager().SetLocalSnapshot(90)

	e.SetOldestTimestamp(100, false)
	if got := e.GetOldestTimestamp(); got != 80 {
		t.Errorf("Expected oldest lagged to 80, got %d", got)
	}
	got, err := e.conn.QueryTimestamp("oldest")
	if err != nil {
		t.Fatal(err)
	}
	if got != 80 {
		t.Errorf("Expected engine oldest=80, got %d", got)
	}

	// non-forced backward motion is ignored
	e.oplogManager.SetOplogReadTimestamp(0)
	e.sessionCache.SnapshotManager().SetLocalSnapshot(0)
	e.SetOldestTimestamp(70, false)
	if got := e.GetOldestTimestamp(); got != 80 {
		t.Errorf("Expected oldest to stay at 80, got %d", got)
	}

	// forced motion must move the cached value backward
	e.SetOldestTimestamp(40, true)
	if got := e.GetOldestTimestamp(); got != 40 {
		t.Errorf("Expected forced oldest=40, got %d", got)
	}
}

// --------------------------------------------------------------------------
// Scenario: downgrade on shutdown
// --------------------------------------------------------------------------

func TestDowngradeOnShutdown(t *testing.T) {
	path := t.TempDir()

	// prepare a root that only opens at the previous release
	conn, err := engine.Open(engine.ImplGrove, path, "create")
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Reconfigure("compatibility=(release=3.0)"); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(""); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.Path = path
	fullyDowngraded := true
	cfg.FCVFullyDowngraded = &fullyDowngraded
	cfg.UsingReplSets = false

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if e.fileVersion.startup != startupPrev1 {
		t.Fatalf("Expected startup version prev1, got %v", e.fileVersion.startup)
	}

	if err := e.CreateRecordStore("db.c", "dg1", CollectionOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := e.CleanShutdown(); err != nil {
		t.Fatalf("CleanShutdown failed: %v", err)
	}

	// the downgraded root refuses the current release and accepts the
	// previous one, and logging was enabled on every table
	if _, err := engine.Open(engine.ImplGrove, path, `compatibility=(require_min="3.1.0")`); err == nil {
		t.Fatal("Expected the downgraded root to refuse require_min=3.1.0")
	}
	conn, err = engine.Open(engine.ImplGrove, path, `compatibility=(require_min="3.0.0")`)
	if err != nil {
		t.Fatalf("Open at the downgraded release failed: %v", err)
	}
	defer conn.Close("")

	s, err := conn.OpenSession()
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	meta, err := s.Metadata("table:dg1")
	if err != nil {
		t.Fatal(err)
	}
	if logSub := engine.Parse(meta).Sub("log"); !logSub.Bool("enabled", false) {
		t.Errorf("Expected logging enabled on dg1 after downgrade, metadata: %s", meta)
	}
}

// --------------------------------------------------------------------------
// Scenario: orphan recovery
// --------------------------------------------------------------------------

func TestRecoverOrphanedIdent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Repair = true
	var repairs []string
	cfg.RepairObserver = func(desc string) { repairs = append(repairs, desc) }
	e := openTestEngine(t, cfg)

	// build an orphan: a data file with no catalog entry
	if err := e.CreateRecordStore("db.src", "src1", CollectionOptions{}); err != nil {
		t.Fatal(err)
	}
	put(t, e, "src1", "k", "v", 0)
	if err := e.FlushAllFiles(); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(e.path, "src1.wt"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.path, "o1.wt"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	err = e.RecoverOrphanedIdent("db.o1", "o1", CollectionOptions{})
	if !IsCode(err, ErrCDataModifiedByRepair) {
		t.Fatalf("Expected DataModifiedByRepair, got %v", err)
	}

	if _, statErr := os.Stat(filepath.Join(e.path, "o1.wt.tmp")); !os.IsNotExist(statErr) {
		t.Errorf("Expected the temporary file to be gone")
	}
	if _, statErr := os.Stat(filepath.Join(e.path, "o1.wt")); statErr != nil {
		t.Errorf("Expected the data file to be back: %v", statErr)
	}
	if !e.HasIdent("o1") {
		t.Errorf("Expected o1 to be known after recovery")
	}
	if !hasKey(t, e, "o1", "k") {
		t.Errorf("Expected the orphan's data to be salvaged")
	}
	if len(repairs) == 0 {
		t.Errorf("Expected the repair observer to be notified")
	}
}

func TestRepairIdentRebuildsMissingFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Repair = true
	e := openTestEngine(t, cfg)

	if err := e.CreateRecordStore("db.c", "r1", CollectionOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(e.path, "r1.wt")); err != nil {
		t.Fatal(err)
	}

	err := e.RepairIdent("r1")
	if !IsCode(err, ErrCDataModifiedByRepair) {
		t.Fatalf("Expected DataModifiedByRepair for a missing data file, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(e.path, "r1.wt")); statErr != nil {
		t.Errorf("Expected the data file to be re-created: %v", statErr)
	}
}

// --------------------------------------------------------------------------
// Backup session primitive
// --------------------------------------------------------------------------

func TestBackupSessionExclusive(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	if err := e.BeginBackup(); err != nil {
		t.Fatalf("BeginBackup failed: %v", err)
	}
	if err := e.BeginBackup(); err == nil {
		t.Errorf("Expected the second BeginBackup to fail")
	}
	e.EndBackup()

	// begin/end/begin succeeds
	if err := e.BeginBackup(); err != nil {
		t.Fatalf("BeginBackup after EndBackup failed: %v", err)
	}
	e.EndBackup()
}

// --------------------------------------------------------------------------
// Recover to stable
// --------------------------------------------------------------------------

func TestRecoverToStableDiscardsNewerWrites(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	if err := e.CreateRecordStore("db.c", "rb1", CollectionOptions{}); err != nil {
		t.Fatal(err)
	}
	e.SetInitialDataTimestamp(100)
	e.SetStableTimestamp(150)
	put(t, e, "rb1", "keep", "1", 120)
	put(t, e, "rb1", "discard", "2", 200)

	ts, err := e.RecoverToStableTimestamp()
	if err != nil {
		t.Fatalf("RecoverToStableTimestamp failed: %v", err)
	}
	if ts != 150 {
		t.Errorf("Expected recovery to 150, got %d", ts)
	}
	if !hasKey(t, e, "rb1", "keep") {
		t.Errorf("Expected keep to survive")
	}
	if hasKey(t, e, "rb1", "discard") {
		t.Errorf("Expected discard to be rolled back")
	}
}

func TestRecoverToStableRefusedBehindInitialData(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	e.SetInitialDataTimestamp(100)
	e.SetStableTimestamp(50)
	_, err := e.RecoverToStableTimestamp()
	if !IsCode(err, ErrCUnrecoverableRollback) {
		t.Errorf("Expected UnrecoverableRollback, got %v", err)
	}
}

// --------------------------------------------------------------------------
// Restart & recovery timestamp
// --------------------------------------------------------------------------

func TestRecoveryTimestampSeedsRestart(t *testing.T) {
	cfg := testConfig(t)

	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.CreateRecordStore("db.c", "rt1", CollectionOptions{}); err != nil {
		t.Fatal(err)
	}
	e.SetInitialDataTimestamp(100)
	e.SetStableTimestamp(150)
	put(t, e, "rt1", "k", "v", 120)
	e.checkpointer.tick()
	if err := e.CleanShutdown(); err != nil {
		t.Fatal(err)
	}

	e2 := openTestEngine(t, cfg)
	ts, ok := e2.GetRecoveryTimestamp()
	if !ok || ts != 150 {
		t.Fatalf("Expected recovery timestamp 150, got %d (ok=%v)", ts, ok)
	}
	if got := e2.GetInitialDataTimestamp(); got != 150 {
		t.Errorf("Expected initial data seeded from recovery, got %d", got)
	}
	if got, ok := e2.GetLastStableCheckpointTimestamp(); !ok || got != 150 {
		t.Errorf("Expected last stable checkpoint to fall back to recovery, got %d (ok=%v)", got, ok)
	}
	if !hasKey(t, e2, "rt1", "k") {
		t.Errorf("Expected checkpointed data to survive restart")
	}
}

// --------------------------------------------------------------------------
// Stats
// --------------------------------------------------------------------------

func TestGlobalStats(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	e.writeTickets.Acquire()
	defer e.writeTickets.Release()

	stats := e.AppendGlobalStats()
	if stats.ConcurrentTransactions.Write.Out != 1 {
		t.Errorf("Expected 1 write ticket out, got %d", stats.ConcurrentTransactions.Write.Out)
	}
	if stats.ConcurrentTransactions.Write.TotalTickets != e.config.ConcurrentWriteTransactions {
		t.Errorf("Unexpected write ticket capacity %d", stats.ConcurrentTransactions.Write.TotalTickets)
	}
	if stats.ConcurrentTransactions.Read.Available != e.config.ConcurrentReadTransactions {
		t.Errorf("Unexpected read ticket availability %d", stats.ConcurrentTransactions.Read.Available)
	}

	var sb strings.Builder
	e.WriteMetrics(&sb)
	out := sb.String()
	for _, want := range []string{"tidewater_tickets", "tidewater_queued_drops", "tidewater_checkpoint_write_conflicts_total"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected metric %s in output", want)
		}
	}
}

// --------------------------------------------------------------------------
// Size storer
// --------------------------------------------------------------------------

func TestSizeStorerRoundTrip(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	e.sizeStorer.Store("coll1", 42, 4096)
	if err := e.syncSizeInfo(false); err != nil {
		t.Fatalf("syncSizeInfo failed: %v", err)
	}

	info, err := e.sizeStorer.Load("coll1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if info.NumRecords != 42 || info.DataSize != 4096 {
		t.Errorf("Expected {42 4096}, got %+v", info)
	}
	if _, err := e.sizeStorer.Load("unknown"); !IsCode(err, ErrCNotFound) {
		t.Errorf("Expected NotFound for unknown ident, got %v", err)
	}
}

// --------------------------------------------------------------------------
// Oplog manager refcounting
// --------------------------------------------------------------------------

func TestOplogManagerRefCounted(t *testing.T) {
	e := openTestEngine(t, testConfig(t))

	e.StartOplogManager(e.uri("oplog"))
	e.StartOplogManager(e.uri("oplog"))
	if !e.oplogManager.IsRunning() {
		t.Errorf("Expected the oplog manager to be running")
	}
	e.HaltOplogManager()
	if !e.oplogManager.IsRunning() {
		t.Errorf("Expected the oplog manager to keep running with one registration left")
	}
	e.HaltOplogManager()
	if e.oplogManager.IsRunning() {
		t.Errorf("Expected the oplog manager to stop on the last halt")
	}
}

// --------------------------------------------------------------------------
// Encryption integration
// --------------------------------------------------------------------------

func TestEncryptedEngineRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encryption.Enable = true
	cfg.Encryption.MasterKey = []byte("0123456789abcdef0123456789abcdef")

	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if e.Keystore() == nil {
		t.Fatal("Expected a keystore")
	}
	if err := e.CreateRecordStore("db.c", "enc1", CollectionOptions{}); err != nil {
		t.Fatal(err)
	}
	put(t, e, "enc1", "secret", "value", 0)
	if err := e.CleanShutdown(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Path, "key.db")); err != nil {
		t.Fatalf("Expected key.db to exist: %v", err)
	}

	e2 := openTestEngine(t, cfg)
	if !hasKey(t, e2, "enc1", "secret") {
		t.Errorf("Expected encrypted data to be readable after restart")
	}
}

func TestKeystoreDropDatabaseBestEffort(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encryption.Enable = true
	cfg.Encryption.MasterKey = []byte("0123456789abcdef0123456789abcdef")
	e := openTestEngine(t, cfg)

	if _, err := e.Keystore().KeyByID("mydb"); err != nil {
		t.Fatal(err)
	}
	// never errors, even for unknown databases
	e.KeystoreDropDatabase("mydb")
	e.KeystoreDropDatabase("neverexisted")
}

// --------------------------------------------------------------------------
// Journal transition
// --------------------------------------------------------------------------

func TestJournalToNoJournalTransition(t *testing.T) {
	cfg := testConfig(t)

	e, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.CreateRecordStore("db.c", "j1", CollectionOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := e.CleanShutdown(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Path, "journal")); err != nil {
		t.Fatalf("Expected a journal directory: %v", err)
	}

	cfg.Durable = false
	e2 := openTestEngine(t, cfg)
	if _, err := os.Stat(filepath.Join(cfg.Path, "journal")); !os.IsNotExist(err) {
		t.Errorf("Expected the journal directory to be removed after the transition")
	}
	if !e2.HasIdent("j1") {
		t.Errorf("Expected data to survive the journal transition")
	}
}

// --------------------------------------------------------------------------
// Config validation
// --------------------------------------------------------------------------

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"EmptyPath", func(c *Config) { c.Path = "" }},
		{"NegativeIdleSecs", func(c *Config) { c.SessionCloseIdleTimeSecs = -1 }},
		{"ZeroTickets", func(c *Config) { c.ConcurrentWriteTransactions = 0 }},
		{"ReadOnlyDurable", func(c *Config) { c.ReadOnly = true }},
		{"BadCipher", func(c *Config) { c.Encryption.CipherMode = "ROT13" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig(fmt.Sprintf("%s/x", t.TempDir()))
			tc.mutate(&cfg)
			if _, err := New(cfg); !IsCode(err, ErrCInvalidOptions) {
				t.Errorf("Expected InvalidOptions, got %v", err)
			}
		})
	}
}
