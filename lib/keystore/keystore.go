package keystore

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/pkg/errors"

	"github.com/ValentinKolb/tidewater/lib/engine"
	_ "github.com/ValentinKolb/tidewater/lib/engine/engines/grove"
	"github.com/ValentinKolb/tidewater/lib/logging"
	"github.com/puzpuzpuz/xsync/v3"
)

var log = logging.GetLogger("keystore")

// --------------------------------------------------------------------------
// Constants & Errors
// --------------------------------------------------------------------------

const (
	// KeyDBDir is the key store directory under the engine root
	KeyDBDir = "key.db"
	// RotationDir is the transient directory used while rotating the master key
	RotationDir = "key.db.rotation"
	// BackupDir keeps the previous key store after a finished rotation
	BackupDir = "key.db.rotated"

	// legacyDir is the pre-key.db layout migrated on first start
	legacyDir = "keydb"

	// keysURI is the single table holding the data keys
	keysURI = "table:keys"

	keyLenBytes = 32
)

// ErrRotationFinished is returned after a successful master key rotation.
// The process must not continue into normal startup; the operator inspects
// the result and restarts without the rotation flag.
var ErrRotationFinished = errors.New("master key rotation finished successfully")

// Options configures key store setup
type Options struct {
	// DirectoryPerDB selects the filter-copy legacy migration (user data may
	// live inside the legacy directory).
	DirectoryPerDB bool
	// CipherMode is recorded in the store and reported to the engine
	// extension config (AES256-CBC or AES256-GCM).
	CipherMode string
	// MasterKey seals the key store. When nil a fresh key is generated.
	MasterKey []byte
	// StoreMasterKey publishes a newly generated master key to the external
	// secret store. Required for rotation.
	StoreMasterKey func(key []byte) error
	// RotateMasterKey requests a master key rotation during setup.
	RotateMasterKey bool
}

// --------------------------------------------------------------------------
// KeyDB
// --------------------------------------------------------------------------

// KeyDB is an open key store. It implements engine.Encryptor for the main
// engine.
type KeyDB struct {
	dir       string
	cipher    string
	masterKey []byte

	provider string // registered name of the internal master-key encryptor
	conn     engine.Connection
	keys     *xsync.MapOf[string, []byte]
	genMu    sync.Mutex // serializes data key generation
}

// masterEncryptor seals the key store itself with the master key
type masterEncryptor struct {
	key []byte
}

func (m *masterEncryptor) RandomBytes(buf []byte)            { _, _ = rand.Read(buf) }
func (m *masterEncryptor) IV(buf []byte) error               { _, err := rand.Read(buf); return err }
func (m *masterEncryptor) KeyByID(string) ([]byte, error)    { return m.key, nil }
func (m *masterEncryptor) DropKeyID(string) error            { return nil }

// newKeyDB opens (creating if needed) the key store in dir
func newKeyDB(dir, cipher string, masterKey []byte) (*KeyDB, error) {
	if masterKey == nil {
		masterKey = make([]byte, keyLenBytes)
		if _, err := rand.Read(masterKey); err != nil {
			return nil, err
		}
	}
	if len(masterKey) != keyLenBytes {
		return nil, fmt.Errorf("keystore: master key must be %d bytes, got %d", keyLenBytes, len(masterKey))
	}

	k := &KeyDB{
		dir:       dir,
		cipher:    cipher,
		masterKey: masterKey,
		provider:  "keystore-master:" + dir,
		keys:      xsync.NewMapOf[string, []byte](),
	}
	engine.RegisterEncryptor(k.provider, &masterEncryptor{key: masterKey})

	cfg := fmt.Sprintf("create,log=(enabled=true,path=journal),encryption=(provider=%s,cipher=%s)", k.provider, cipher)
	conn, err := engine.Open(engine.ImplGrove, dir, cfg)
	if err != nil {
		engine.UnregisterEncryptor(k.provider)
		return nil, err
	}
	k.conn = conn

	if err := k.load(); err != nil {
		k.Close()
		return nil, err
	}
	return k, nil
}

// load reads all data keys into the cache
func (k *KeyDB) load() error {
	s, err := k.conn.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Create(keysURI, "key_format=u,value_format=u"); err != nil {
		return err
	}
	cur, err := s.OpenCursor(keysURI, "")
	if err != nil {
		return err
	}
	defer cur.Close()

	for cur.Next() == nil {
		k.keys.Store(cur.Key(), append([]byte(nil), cur.Value()...))
	}
	return nil
}

// Dir returns the key store directory.
func (k *KeyDB) Dir() string {
	return k.dir
}

// CipherMode returns the configured cipher mode.
func (k *KeyDB) CipherMode() string {
	return k.cipher
}

// Connection exposes the underlying engine connection for checkpointing and
// hot backup.
func (k *KeyDB) Connection() engine.Connection {
	return k.conn
}

// Checkpoint takes an unstable checkpoint of the key store.
func (k *KeyDB) Checkpoint() error {
	s, err := k.conn.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Checkpoint("use_timestamp=false")
}

// Close shuts the key store down and unregisters its internal encryptor.
func (k *KeyDB) Close() error {
	engine.UnregisterEncryptor(k.provider)
	if k.conn == nil {
		return nil
	}
	err := k.conn.Close("")
	k.conn = nil
	return err
}

// --------------------------------------------------------------------------
// engine.Encryptor (the extension ABI the engine consumes)
// --------------------------------------------------------------------------

// RandomBytes fills buf with pseudo-random bytes.
func (k *KeyDB) RandomBytes(buf []byte) {
	_, _ = rand.Read(buf)
}

// IV fills buf with a fresh initialization vector.
func (k *KeyDB) IV(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

// KeyByID returns the data key for keyID, creating and persisting a fresh
// one when absent. The empty id names the system-wide key.
func (k *KeyDB) KeyByID(keyID string) ([]byte, error) {
	if key, ok := k.keys.Load(keyID); ok {
		return key, nil
	}

	// two concurrent misses must not persist two different keys
	k.genMu.Lock()
	defer k.genMu.Unlock()
	if key, ok := k.keys.Load(keyID); ok {
		return key, nil
	}

	key := make([]byte, keyLenBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := k.putKey(keyID, key); err != nil {
		return nil, err
	}
	k.keys.Store(keyID, key)
	return key, nil
}

// DropKeyID deletes the data key for keyID. Unknown ids are not an error.
func (k *KeyDB) DropKeyID(keyID string) error {
	k.keys.Delete(keyID)

	s, err := k.conn.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()
	cur, err := s.OpenCursor(keysURI, "")
	if err != nil {
		return err
	}
	defer cur.Close()
	if err := cur.Remove(keyID); err != nil && !engine.IsNotFound(err) {
		return err
	}
	return nil
}

func (k *KeyDB) putKey(keyID string, key []byte) error {
	s, err := k.conn.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()
	cur, err := s.OpenCursor(keysURI, "")
	if err != nil {
		return err
	}
	defer cur.Close()
	if err := cur.Insert(keyID, key); err != nil {
		return err
	}
	// a key that is not durable yet must never encrypt data
	return s.LogFlush("sync=on")
}

// clone copies every data key of src into k
func (k *KeyDB) clone(src *KeyDB) error {
	var cloneErr error
	src.keys.Range(func(keyID string, key []byte) bool {
		if err := k.putKey(keyID, key); err != nil {
			cloneErr = err
			return false
		}
		k.keys.Store(keyID, key)
		return true
	})
	return cloneErr
}

// storeMasterKey publishes the master key to the external secret store
func (k *KeyDB) storeMasterKey(store func([]byte) error) error {
	if store == nil {
		return errors.New("keystore: no secret store configured for master key rotation")
	}
	return store(k.masterKey)
}

// --------------------------------------------------------------------------
// Setup (bootstrap, migration, rotation)
// --------------------------------------------------------------------------

// Setup bootstraps the key store under the engine root at basePath: legacy
// migration, initialization and, when requested, master key rotation. A
// finished rotation returns ErrRotationFinished.
func Setup(basePath string, opts Options) (*KeyDB, error) {
	keyDBPath := filepath.Join(basePath, KeyDBDir)

	justCreated := false
	if _, err := os.Stat(keyDBPath); os.IsNotExist(err) {
		legacyPath := filepath.Join(basePath, legacyDir)
		if _, err := os.Stat(legacyPath); os.IsNotExist(err) {
			if err := os.MkdirAll(keyDBPath, 0o700); err != nil {
				return nil, errors.Wrapf(err, "keystore: error creating key store dir %s", keyDBPath)
			}
			justCreated = true
		} else if !opts.DirectoryPerDB {
			// no directoryperdb - the legacy directory holds only key
			// material, a rename is enough
			if err := os.Rename(legacyPath, keyDBPath); err != nil {
				return nil, errors.Wrapf(err, "keystore: error renaming %s to %s", legacyPath, keyDBPath)
			}
		} else {
			// directoryperdb - the legacy directory may double as the data
			// directory of a database named "keydb"; move everything except
			// collection/index data files
			if err := migrateLegacyPerDB(legacyPath, keyDBPath); err != nil {
				return nil, errors.Wrapf(err, "keystore: error moving key store files from %s to %s", legacyPath, keyDBPath)
			}
		}
	}

	kdb, err := newKeyDB(keyDBPath, opts.CipherMode, opts.MasterKey)
	if err != nil {
		if justCreated {
			os.RemoveAll(keyDBPath)
		}
		return nil, err
	}

	if !opts.RotateMasterKey {
		return kdb, nil
	}

	rotationPath := filepath.Join(basePath, RotationDir)
	if _, err := os.Stat(rotationPath); err == nil {
		kdb.Close()
		return nil, fmt.Errorf("keystore: cannot do master key rotation: rotation directory %q already exists", rotationPath)
	}
	if err := os.MkdirAll(rotationPath, 0o700); err != nil {
		kdb.Close()
		return nil, errors.Wrapf(err, "keystore: error creating rotation directory %s", rotationPath)
	}

	rotated, err := newKeyDB(rotationPath, opts.CipherMode, nil)
	if err != nil {
		kdb.Close()
		return nil, err
	}
	if err := rotated.clone(kdb); err != nil {
		rotated.Close()
		kdb.Close()
		return nil, err
	}
	if err := rotated.storeMasterKey(opts.StoreMasterKey); err != nil {
		rotated.Close()
		kdb.Close()
		return nil, err
	}

	// close both instances and swap the directories
	if err := rotated.Close(); err != nil {
		kdb.Close()
		return nil, err
	}
	if err := kdb.Close(); err != nil {
		return nil, err
	}
	backupPath := filepath.Join(basePath, BackupDir)
	if err := os.RemoveAll(backupPath); err != nil {
		return nil, err
	}
	if err := os.Rename(keyDBPath, backupPath); err != nil {
		return nil, err
	}
	if err := os.Rename(rotationPath, keyDBPath); err != nil {
		return nil, err
	}

	log.Infof("master key rotation complete, previous key store kept in %s", backupPath)
	return nil, ErrRotationFinished
}

// dataFilePattern matches collection/index data files that must stay behind
// during a directoryperdb legacy migration
var dataFilePattern = regexp.MustCompile(`/(collection|index)[-/][^/]*\.wt$`)

// migrateLegacyPerDB copies everything except collection/index data files
// from the legacy directory, then removes the copied originals and any
// directories left empty.
func migrateLegacyPerDB(from, to string) error {
	var (
		copied    []string
		emptyDirs []string
	)
	if err := copyKeyDBFiles(from, to, &emptyDirs, &copied); err != nil {
		return err
	}
	for _, file := range copied {
		if err := os.Remove(file); err != nil {
			return err
		}
	}
	for _, dir := range emptyDirs {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func copyKeyDBFiles(from, to string, emptyDirs *[]string, copied *[]string) error {
	ents, err := os.ReadDir(from)
	if err != nil {
		return err
	}

	empty := true
	madeTo := false
	for _, ent := range ents {
		src := filepath.Join(from, ent.Name())
		if ent.IsDir() {
			if err := copyKeyDBFiles(src, filepath.Join(to, ent.Name()), emptyDirs, copied); err != nil {
				return err
			}
			// a subdirectory that kept data files keeps its parent too
			if len(*emptyDirs) == 0 || (*emptyDirs)[len(*emptyDirs)-1] != src {
				empty = false
			}
			continue
		}
		if dataFilePattern.MatchString(filepath.ToSlash(src)) {
			empty = false
			continue
		}
		if !madeTo {
			madeTo = true
			if err := os.MkdirAll(to, 0o700); err != nil {
				return err
			}
		}
		if err := copyFile(src, filepath.Join(to, ent.Name())); err != nil {
			return err
		}
		*copied = append(*copied, src)
	}

	if empty {
		*emptyDirs = append(*emptyDirs, from)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}
