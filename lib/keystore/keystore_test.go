package keystore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

func setup(t *testing.T, base string, opts Options) *KeyDB {
	t.Helper()
	kdb, err := Setup(base, opts)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	t.Cleanup(func() { kdb.Close() })
	return kdb
}

func TestBootstrapAndKeyRoundTrip(t *testing.T) {
	base := t.TempDir()

	kdb := setup(t, base, Options{CipherMode: "AES256-CBC", MasterKey: testMasterKey})
	if kdb.Dir() != filepath.Join(base, KeyDBDir) {
		t.Errorf("Unexpected key store dir %s", kdb.Dir())
	}

	key1, err := kdb.KeyByID("db1")
	if err != nil {
		t.Fatalf("KeyByID failed: %v", err)
	}
	if len(key1) != 32 {
		t.Errorf("Expected a 256 bit key, got %d bytes", len(key1))
	}
	// same id, same key
	again, err := kdb.KeyByID("db1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key1, again) {
		t.Errorf("Expected a stable key per id")
	}
	// ids get distinct keys
	key2, err := kdb.KeyByID("db2")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(key1, key2) {
		t.Errorf("Expected distinct keys per id")
	}
	if err := kdb.Close(); err != nil {
		t.Fatal(err)
	}

	// keys survive a reopen under the same master key
	kdb2 := setup(t, base, Options{CipherMode: "AES256-CBC", MasterKey: testMasterKey})
	got, err := kdb2.KeyByID("db1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key1, got) {
		t.Errorf("Expected db1 key to survive reopen")
	}
}

func TestDropKeyID(t *testing.T) {
	kdb := setup(t, t.TempDir(), Options{CipherMode: "AES256-GCM", MasterKey: testMasterKey})

	before, err := kdb.KeyByID("gone")
	if err != nil {
		t.Fatal(err)
	}
	if err := kdb.DropKeyID("gone"); err != nil {
		t.Fatalf("DropKeyID failed: %v", err)
	}
	// a fresh key is generated on the next lookup
	after, err := kdb.KeyByID("gone")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before, after) {
		t.Errorf("Expected a new key after the old one was dropped")
	}
	// unknown ids are not an error
	if err := kdb.DropKeyID("never-existed"); err != nil {
		t.Errorf("DropKeyID of unknown id failed: %v", err)
	}
}

func TestLegacyMigrationRename(t *testing.T) {
	base := t.TempDir()

	// seed a legacy keydb directory by creating a store there
	legacy := filepath.Join(base, legacyDir)
	if err := os.Rename(setupLegacyStore(t, base), legacy); err != nil {
		t.Fatal(err)
	}

	kdb := setup(t, base, Options{CipherMode: "AES256-CBC", MasterKey: testMasterKey})
	if _, err := os.Stat(filepath.Join(base, legacyDir)); !os.IsNotExist(err) {
		t.Errorf("Expected the legacy directory to be renamed away")
	}
	got, err := kdb.KeyByID("legacydb")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 32 {
		t.Errorf("Expected the migrated key store to serve keys")
	}
}

// setupLegacyStore builds a key store in a scratch directory and returns its
// path
func setupLegacyStore(t *testing.T, base string) string {
	t.Helper()
	scratch := filepath.Join(base, "scratch")
	kdb, err := newKeyDB(scratch, "AES256-CBC", testMasterKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := kdb.KeyByID("legacydb"); err != nil {
		t.Fatal(err)
	}
	if err := kdb.Close(); err != nil {
		t.Fatal(err)
	}
	return scratch
}

func TestLegacyMigrationFilterCopy(t *testing.T) {
	base := t.TempDir()

	legacy := filepath.Join(base, legacyDir)
	if err := os.Rename(setupLegacyStore(t, base), legacy); err != nil {
		t.Fatal(err)
	}
	// user data mixed into the legacy directory must stay behind
	if err := os.WriteFile(filepath.Join(legacy, "collection-2-123.wt"), []byte("user data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(legacy, "index"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(legacy, "index", "1.wt"), []byte("user index"), 0o644); err != nil {
		t.Fatal(err)
	}

	kdb := setup(t, base, Options{
		CipherMode:     "AES256-CBC",
		MasterKey:      testMasterKey,
		DirectoryPerDB: true,
	})

	// the key material moved
	if _, err := kdb.KeyByID("legacydb"); err != nil {
		t.Fatal(err)
	}
	// the data files stayed
	if _, err := os.Stat(filepath.Join(legacy, "collection-2-123.wt")); err != nil {
		t.Errorf("Expected collection data to stay in the legacy directory: %v", err)
	}
	if _, err := os.Stat(filepath.Join(legacy, "index", "1.wt")); err != nil {
		t.Errorf("Expected index data to stay in the legacy directory: %v", err)
	}
	// no key store files remain next to them
	if _, err := os.Stat(filepath.Join(legacy, "grove.meta")); !os.IsNotExist(err) {
		t.Errorf("Expected key store files to be moved out of the legacy directory")
	}
}

func TestMasterKeyRotation(t *testing.T) {
	base := t.TempDir()

	kdb := setup(t, base, Options{CipherMode: "AES256-CBC", MasterKey: testMasterKey})
	dbKey, err := kdb.KeyByID("db1")
	if err != nil {
		t.Fatal(err)
	}
	if err := kdb.Close(); err != nil {
		t.Fatal(err)
	}

	var newMaster []byte
	_, err = Setup(base, Options{
		CipherMode:      "AES256-CBC",
		MasterKey:       testMasterKey,
		RotateMasterKey: true,
		StoreMasterKey: func(key []byte) error {
			newMaster = append([]byte(nil), key...)
			return nil
		},
	})
	if !errors.Is(err, ErrRotationFinished) {
		t.Fatalf("Expected ErrRotationFinished, got %v", err)
	}
	if len(newMaster) != 32 {
		t.Fatalf("Expected the new master key to be published to the secret store")
	}
	if bytes.Equal(newMaster, testMasterKey) {
		t.Errorf("Expected a fresh master key")
	}

	// filesystem: new store in place, previous store kept, no transient dir
	if _, err := os.Stat(filepath.Join(base, KeyDBDir)); err != nil {
		t.Errorf("Expected key.db after rotation: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, BackupDir)); err != nil {
		t.Errorf("Expected key.db.rotated after rotation: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, RotationDir)); !os.IsNotExist(err) {
		t.Errorf("Expected the rotation directory to be gone")
	}

	// restarting without the flag under the new master key serves the old
	// database key
	kdb2 := setup(t, base, Options{CipherMode: "AES256-CBC", MasterKey: newMaster})
	got, err := kdb2.KeyByID("db1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, dbKey) {
		t.Errorf("Expected the database key to survive rotation")
	}
}

func TestRotationRefusedWithLeftoverDirectory(t *testing.T) {
	base := t.TempDir()

	kdb := setup(t, base, Options{CipherMode: "AES256-CBC", MasterKey: testMasterKey})
	if err := kdb.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(base, RotationDir), 0o700); err != nil {
		t.Fatal(err)
	}

	_, err := Setup(base, Options{
		CipherMode:      "AES256-CBC",
		MasterKey:       testMasterKey,
		RotateMasterKey: true,
		StoreMasterKey:  func([]byte) error { return nil },
	})
	if err == nil || errors.Is(err, ErrRotationFinished) {
		t.Fatalf("Expected rotation to refuse a leftover rotation directory, got %v", err)
	}
}
