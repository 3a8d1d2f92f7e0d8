package grove

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/tidewater/lib/engine"
	"github.com/ValentinKolb/tidewater/lib/engine/enginetest"
)

func TestGroveConformance(t *testing.T) {
	enginetest.RunEngineTests(t, "grove", func(t *testing.T, cfg string) (engine.Connection, string) {
		path := t.TempDir()
		conn, err := Open(path, cfg)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		return conn, path
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func openTest(t *testing.T, path, cfg string) engine.Connection {
	t.Helper()
	conn, err := Open(path, cfg)
	if err != nil {
		t.Fatalf("Open(%s) failed: %v", cfg, err)
	}
	return conn
}

func session(t *testing.T, conn engine.Connection) engine.Session {
	t.Helper()
	s, err := conn.OpenSession()
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	return s
}

func insert(t *testing.T, s engine.Session, uri, key, value string, ts uint64) {
	t.Helper()
	cur, err := s.OpenCursor(uri, "")
	if err != nil {
		t.Fatalf("OpenCursor failed: %v", err)
	}
	defer cur.Close()
	if ts > 0 {
		if err := s.BeginTransaction(""); err != nil {
			t.Fatal(err)
		}
		if err := cur.Insert(key, []byte(value)); err != nil {
			t.Fatal(err)
		}
		if err := s.CommitTransaction("commit_timestamp=" + engine.FormatTS(ts)); err != nil {
			t.Fatal(err)
		}
		return
	}
	if err := cur.Insert(key, []byte(value)); err != nil {
		t.Fatal(err)
	}
}

func lookup(t *testing.T, conn engine.Connection, uri, key string) ([]byte, bool) {
	t.Helper()
	s := session(t, conn)
	defer s.Close()
	cur, err := s.OpenCursor(uri, "")
	if err != nil {
		t.Fatalf("OpenCursor failed: %v", err)
	}
	defer cur.Close()
	if err := cur.Search(key); err != nil {
		return nil, false
	}
	return cur.Value(), true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func TestStableCheckpointExcludesNewerUpdates(t *testing.T) {
	path := t.TempDir()

	conn := openTest(t, path, "create")
	s := session(t, conn)
	if err := s.Create("table:c", ""); err != nil {
		t.Fatal(err)
	}
	insert(t, s, "table:c", "old", "1", 100)
	insert(t, s, "table:c", "new", "2", 200)

	if err := conn.SetTimestamp("stable_timestamp=" + engine.FormatTS(150)); err != nil {
		t.Fatal(err)
	}
	if err := s.Checkpoint("use_timestamp=true"); err != nil {
		t.Fatal(err)
	}
	s.Close()
	// Skip the close-time checkpoint by reading the files a fresh instance
	// would see right now.
	reopened := openTest(t, path, "")
	if _, ok := lookup(t, reopened, "table:c", "old"); !ok {
		t.Errorf("Expected old to be in the stable checkpoint")
	}
	if _, ok := lookup(t, reopened, "table:c", "new"); ok {
		t.Errorf("Expected new to be excluded from the stable checkpoint")
	}
	got, err := reopened.QueryTimestamp("recovery")
	if err != nil {
		t.Fatal(err)
	}
	if got != 150 {
		t.Errorf("Expected recovery timestamp 150, got %d", got)
	}
	reopened.Close("")
	conn.Close("use_timestamp=true")
}

func TestJournalReplayAfterCrash(t *testing.T) {
	path := t.TempDir()

	conn := openTest(t, path, "create,log=(enabled=true)")
	s := session(t, conn)
	if err := s.Create("table:j", ""); err != nil {
		t.Fatal(err)
	}
	insert(t, s, "table:j", "k", "v", 0)
	if err := s.LogFlush("sync=on"); err != nil {
		t.Fatal(err)
	}
	s.Close()
	// No Close: simulate a crash. The snapshot on disk is empty, only the
	// journal holds the insert.

	reopened := openTest(t, path, "log=(enabled=true)")
	if v, ok := lookup(t, reopened, "table:j", "k"); !ok || !bytes.Equal(v, []byte("v")) {
		t.Errorf("Expected journal replay to restore k=v, got %q (found=%v)", v, ok)
	}
	if err := reopened.Close(""); err != nil {
		t.Fatal(err)
	}
}

func TestRequireMinNegotiation(t *testing.T) {
	path := t.TempDir()

	conn := openTest(t, path, "create")
	if err := conn.Reconfigure("compatibility=(release=3.0)"); err != nil {
		t.Fatal(err)
	}
	if err := conn.Close(""); err != nil {
		t.Fatal(err)
	}

	// The downgraded root refuses the current require_min and accepts the
	// previous one.
	if _, err := Open(path, `compatibility=(require_min="3.1.0")`); err == nil {
		t.Fatal("Expected open with require_min=3.1.0 to fail on a 3.0 root")
	}
	conn = openTest(t, path, `compatibility=(require_min="3.0.0")`)
	conn.Close("")
}

func TestMetadataSalvage(t *testing.T) {
	path := t.TempDir()

	conn := openTest(t, path, "create")
	s := session(t, conn)
	if err := s.Create("table:sv", ""); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if err := conn.Close(""); err != nil {
		t.Fatal(err)
	}

	// garble the schema file
	if err := os.WriteFile(filepath.Join(path, metaFileName), []byte("not a meta file"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, ""); err == nil {
		t.Fatal("Expected open on corrupt metadata to fail")
	}
	conn = openTest(t, path, "salvage=true")
	defer conn.Close("")

	s = session(t, conn)
	defer s.Close()
	if _, err := s.Metadata("table:sv"); err != nil {
		t.Errorf("Expected salvaged schema to know table:sv: %v", err)
	}
}

// fixedEncryptor is a deterministic engine.Encryptor for tests
type fixedEncryptor struct {
	key []byte
}

func (f *fixedEncryptor) RandomBytes(buf []byte) { _, _ = rand.Read(buf) }
func (f *fixedEncryptor) IV(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}
func (f *fixedEncryptor) KeyByID(keyID string) ([]byte, error) { return f.key, nil }
func (f *fixedEncryptor) DropKeyID(keyID string) error         { return nil }

func TestEncryptedSnapshots(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	engine.RegisterEncryptor("testenc", &fixedEncryptor{key: key})
	defer engine.UnregisterEncryptor("testenc")

	path := t.TempDir()
	cfg := "create,encryption=(provider=testenc,cipher=AES256-CBC)"

	conn := openTest(t, path, cfg)
	s := session(t, conn)
	if err := s.Create("table:enc", ""); err != nil {
		t.Fatal(err)
	}
	insert(t, s, "table:enc", "secret", "payload-bytes", 0)
	s.Close()
	if err := conn.Close(""); err != nil {
		t.Fatal(err)
	}

	// ciphertext on disk
	raw, err := os.ReadFile(filepath.Join(path, "enc.wt"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("payload-bytes")) {
		t.Error("Expected snapshot content to be encrypted")
	}

	// decryptable on reopen
	conn = openTest(t, path, "encryption=(provider=testenc,cipher=AES256-CBC)")
	defer conn.Close("")
	if v, ok := lookup(t, conn, "table:enc", "secret"); !ok || !bytes.Equal(v, []byte("payload-bytes")) {
		t.Errorf("Expected decrypted payload, got %q (found=%v)", v, ok)
	}
}

func TestNestedIdentFiles(t *testing.T) {
	path := t.TempDir()
	conn := openTest(t, path, "create")
	defer conn.Close("")

	// the caller pre-creates nested directories, as the adapter does
	if err := os.MkdirAll(filepath.Join(path, "mydb"), 0o755); err != nil {
		t.Fatal(err)
	}
	s := session(t, conn)
	defer s.Close()
	if err := s.Create("table:mydb/coll", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(path, "mydb", "coll.wt")); err != nil {
		t.Errorf("Expected nested data file to exist: %v", err)
	}
}

func TestSalvageKeepsDecodableRecords(t *testing.T) {
	path := t.TempDir()
	conn := openTest(t, path, "create")
	s := session(t, conn)
	if err := s.Create("table:chip", ""); err != nil {
		t.Fatal(err)
	}
	insert(t, s, "table:chip", "a", "1", 0)
	insert(t, s, "table:chip", "b", "2", 0)
	if err := s.Checkpoint("use_timestamp=false"); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if err := conn.Close(""); err != nil {
		t.Fatal(err)
	}

	// chop the tail off the data file
	file := filepath.Join(path, "chip.wt")
	raw, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(file, raw[:len(raw)-5], 0o644); err != nil {
		t.Fatal(err)
	}

	conn = openTest(t, path, "salvage=true")
	defer conn.Close("")
	s = session(t, conn)
	defer s.Close()
	if err := s.Verify("table:chip"); err == nil {
		t.Fatal("Expected verify to fail on the truncated file")
	}
	if err := s.Salvage("table:chip"); err != nil {
		t.Fatalf("Salvage failed: %v", err)
	}
	if err := s.Verify("table:chip"); err != nil {
		t.Errorf("Expected verify to pass after salvage: %v", err)
	}
	if _, ok := lookup(t, conn, "table:chip", "a"); !ok {
		t.Errorf("Expected record a to survive salvage")
	}
}
