// Package enginetest provides a standardized test suite for engine
// implementations that satisfy the engine.Connection interface.
package enginetest

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ValentinKolb/tidewater/lib/engine"
)

// Factory opens a fresh engine instance in its own directory and returns the
// connection together with its root path. The suite closes the connection
// itself unless a subtest already did.
type Factory func(t *testing.T, cfg string) (engine.Connection, string)

// RunEngineTests runs a conformance test suite for an engine implementation.
func RunEngineTests(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("CreateDropCursor", func(t *testing.T) {
			testCreateDropCursor(t, factory)
		})

		t.Run("DropBusy", func(t *testing.T) {
			testDropBusy(t, factory)
		})

		t.Run("MetadataCursor", func(t *testing.T) {
			testMetadataCursor(t, factory)
		})

		t.Run("StableCheckpointBound", func(t *testing.T) {
			testStableCheckpointBound(t, factory)
		})

		t.Run("BackupCursorExclusive", func(t *testing.T) {
			testBackupCursorExclusive(t, factory)
		})

		t.Run("TimestampMonotonicity", func(t *testing.T) {
			testTimestampMonotonicity(t, factory)
		})

		t.Run("RollbackToStable", func(t *testing.T) {
			testRollbackToStable(t, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func mustSession(t *testing.T, conn engine.Connection) engine.Session {
	t.Helper()
	s, err := conn.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	return s
}

func mustCreate(t *testing.T, s engine.Session, uri string) {
	t.Helper()
	if err := s.Create(uri, "key_format=u,value_format=u"); err != nil {
		t.Fatalf("Create(%s) failed: %v", uri, err)
	}
}

func put(t *testing.T, s engine.Session, uri, key, value string, ts uint64) {
	t.Helper()
	cur, err := s.OpenCursor(uri, "")
	if err != nil {
		t.Fatalf("OpenCursor(%s) failed: %v", uri, err)
	}
	defer cur.Close()

	if ts > 0 {
		if err := s.BeginTransaction(""); err != nil {
			t.Fatalf("BeginTransaction failed: %v", err)
		}
		if err := cur.Insert(key, []byte(value)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		cfg := fmt.Sprintf("commit_timestamp=%s", engine.FormatTS(ts))
		if err := s.CommitTransaction(cfg); err != nil {
			t.Fatalf("CommitTransaction failed: %v", err)
		}
		return
	}
	if err := cur.Insert(key, []byte(value)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testCreateDropCursor(t *testing.T, factory Factory) {
	conn, _ := factory(t, "create")
	defer conn.Close("")

	s := mustSession(t, conn)
	defer s.Close()

	mustCreate(t, s, "table:coll1")
	put(t, s, "table:coll1", "k1", "v1", 0)
	put(t, s, "table:coll1", "k2", "v2", 0)

	cur, err := s.OpenCursor("table:coll1", "")
	if err != nil {
		t.Fatalf("OpenCursor failed: %v", err)
	}
	var keys []string
	for cur.Next() == nil {
		keys = append(keys, cur.Key())
	}
	if len(keys) != 2 || keys[0] != "k1" || keys[1] != "k2" {
		t.Errorf("Expected keys [k1 k2], got %v", keys)
	}
	if err := cur.Search("k2"); err != nil {
		t.Errorf("Search(k2) failed: %v", err)
	}
	if !bytes.Equal(cur.Value(), []byte("v2")) {
		t.Errorf("Expected value v2, got %s", cur.Value())
	}
	cur.Close()

	if err := s.Drop("table:coll1", "force"); err != nil {
		t.Errorf("Drop failed: %v", err)
	}
	if _, err := s.OpenCursor("table:coll1", ""); !engine.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound on dropped table, got %v", err)
	}

	// force makes dropping a missing table a no-op
	if err := s.Drop("table:coll1", "force"); err != nil {
		t.Errorf("Forced drop of missing table failed: %v", err)
	}
	if err := s.Drop("table:coll1", ""); !engine.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound on unforced drop, got %v", err)
	}
}

func testDropBusy(t *testing.T, factory Factory) {
	conn, _ := factory(t, "create")
	defer conn.Close("")

	s := mustSession(t, conn)
	defer s.Close()
	mustCreate(t, s, "table:busy")

	reader := mustSession(t, conn)
	cur, err := reader.OpenCursor("table:busy", "")
	if err != nil {
		t.Fatalf("OpenCursor failed: %v", err)
	}

	if err := s.Drop("table:busy", "force,checkpoint_wait=false"); !engine.IsBusy(err) {
		t.Errorf("Expected ErrBusy while a cursor is open, got %v", err)
	}

	cur.Close()
	reader.Close()

	if err := s.Drop("table:busy", "force,checkpoint_wait=false"); err != nil {
		t.Errorf("Drop after cursor close failed: %v", err)
	}
}

func testMetadataCursor(t *testing.T, factory Factory) {
	conn, _ := factory(t, "create")
	defer conn.Close("")

	s := mustSession(t, conn)
	defer s.Close()
	mustCreate(t, s, "table:a")
	mustCreate(t, s, "table:b")

	cur, err := s.OpenCursor("metadata:create", "")
	if err != nil {
		t.Fatalf("OpenCursor(metadata:create) failed: %v", err)
	}
	defer cur.Close()

	var uris []string
	for cur.Next() == nil {
		uris = append(uris, cur.Key())
	}
	if len(uris) != 2 || uris[0] != "table:a" || uris[1] != "table:b" {
		t.Errorf("Expected [table:a table:b], got %v", uris)
	}

	if err := cur.Search("table:a"); err != nil {
		t.Errorf("Search(table:a) failed: %v", err)
	}
	if err := cur.Search("table:missing"); !engine.IsNotFound(err) {
		t.Errorf("Expected ErrNotFound for missing uri, got %v", err)
	}
}

func testStableCheckpointBound(t *testing.T, factory Factory) {
	conn, _ := factory(t, "create")
	defer conn.Close("use_timestamp=false")

	s := mustSession(t, conn)
	defer s.Close()
	mustCreate(t, s, "table:ts")

	put(t, s, "table:ts", "old", "1", 100)
	put(t, s, "table:ts", "new", "2", 200)

	cfg := "stable_timestamp=" + engine.FormatTS(150)
	if err := conn.SetTimestamp(cfg); err != nil {
		t.Fatalf("SetTimestamp failed: %v", err)
	}
	if err := s.Checkpoint("use_timestamp=true"); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	got, err := conn.QueryTimestamp("all_committed")
	if err != nil {
		t.Fatalf("QueryTimestamp(all_committed) failed: %v", err)
	}
	if got != 200 {
		t.Errorf("Expected all_committed=200, got %d", got)
	}
	// What a fresh instance sees of this checkpoint is implementation
	// territory; grove's own tests reopen the root and assert the bound.
}

func testBackupCursorExclusive(t *testing.T, factory Factory) {
	conn, _ := factory(t, "create")
	defer conn.Close("")

	s := mustSession(t, conn)
	defer s.Close()
	mustCreate(t, s, "table:bk")

	cur, err := s.OpenCursor("backup:", "")
	if err != nil {
		t.Fatalf("OpenCursor(backup:) failed: %v", err)
	}

	s2 := mustSession(t, conn)
	if _, err := s2.OpenCursor("backup:", ""); !engine.IsBusy(err) {
		t.Errorf("Expected ErrBusy for second backup cursor, got %v", err)
	}
	s2.Close()

	var files []string
	for cur.Next() == nil {
		files = append(files, cur.Key())
	}
	found := false
	for _, f := range files {
		if f == "bk.wt" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected bk.wt in backup file list, got %v", files)
	}
	cur.Close()

	// the cursor slot frees up on close
	s3 := mustSession(t, conn)
	defer s3.Close()
	cur2, err := s3.OpenCursor("backup:", "")
	if err != nil {
		t.Errorf("Reopening backup cursor failed: %v", err)
	} else {
		cur2.Close()
	}
}

func testTimestampMonotonicity(t *testing.T, factory Factory) {
	conn, _ := factory(t, "create")
	defer conn.Close("")

	set := func(ts uint64) {
		if err := conn.SetTimestamp("stable_timestamp=" + engine.FormatTS(ts)); err != nil {
			t.Fatalf("SetTimestamp failed: %v", err)
		}
	}
	set(100)
	set(50) // backward, must be ignored
	got, err := conn.QueryTimestamp("stable")
	if err != nil {
		t.Fatalf("QueryTimestamp failed: %v", err)
	}
	if got != 100 {
		t.Errorf("Expected stable=100 after backward set, got %d", got)
	}

	// forced oldest motion is allowed backwards
	if err := conn.SetTimestamp("oldest_timestamp=" + engine.FormatTS(90)); err != nil {
		t.Fatalf("SetTimestamp(oldest) failed: %v", err)
	}
	if err := conn.SetTimestamp("force=true,oldest_timestamp=" + engine.FormatTS(40)); err != nil {
		t.Fatalf("Forced SetTimestamp(oldest) failed: %v", err)
	}
	got, err = conn.QueryTimestamp("oldest")
	if err != nil {
		t.Fatalf("QueryTimestamp(oldest) failed: %v", err)
	}
	if got != 40 {
		t.Errorf("Expected oldest=40 after forced set, got %d", got)
	}
}

func testRollbackToStable(t *testing.T, factory Factory) {
	conn, _ := factory(t, "create")
	defer conn.Close("")

	s := mustSession(t, conn)
	mustCreate(t, s, "table:rb")
	put(t, s, "table:rb", "keep", "1", 100)
	put(t, s, "table:rb", "discard", "2", 200)
	s.Close()

	if err := conn.SetTimestamp("stable_timestamp=" + engine.FormatTS(150)); err != nil {
		t.Fatalf("SetTimestamp failed: %v", err)
	}
	if err := conn.RollbackToStable(); err != nil {
		t.Fatalf("RollbackToStable failed: %v", err)
	}

	s2 := mustSession(t, conn)
	defer s2.Close()
	cur, err := s2.OpenCursor("table:rb", "")
	if err != nil {
		t.Fatalf("OpenCursor failed: %v", err)
	}
	defer cur.Close()
	if err := cur.Search("keep"); err != nil {
		t.Errorf("Expected keep to survive rollback: %v", err)
	}
	if err := cur.Search("discard"); !engine.IsNotFound(err) {
		t.Errorf("Expected discard to be rolled back, got %v", err)
	}
}
