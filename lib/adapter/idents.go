package adapter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ValentinKolb/tidewater/lib/engine"
)

// --------------------------------------------------------------------------
// Construction Contracts
// --------------------------------------------------------------------------

// CollectionOptions is the subset of catalog collection options the adapter
// consumes while composing a record store create config.
type CollectionOptions struct {
	Capped        bool
	CappedSize    int64
	CappedMaxDocs int64
	// ConfigString is appended verbatim to the create config
	// (storageEngine.<name>.configString from the catalog).
	ConfigString string
}

// IndexDescriptor is the subset of an index descriptor the adapter consumes
// while composing a sorted index create config.
type IndexDescriptor struct {
	Name   string
	Unique bool
	// ConfigString is appended verbatim to the create config.
	ConfigString string
}

// --------------------------------------------------------------------------
// Identifier & Path Utilities
// --------------------------------------------------------------------------

// uri maps an ident to its engine URI
func (e *KVEngine) uri(ident string) string {
	return "table:" + ident
}

// identFromTableURI strips the "table:" prefix of a uri produced by uri()
func identFromTableURI(uri string) string {
	return strings.TrimPrefix(uri, "table:")
}

// ensureIdentPath creates the nested directories implied by a '/'-separated
// ident, so the engine's create call finds them in place.
func (e *KVEngine) ensureIdentPath(ident string) error {
	start := 0
	for {
		idx := strings.IndexByte(ident[start:], '/')
		if idx < 0 {
			return nil
		}
		dir := ident[:start+idx]
		subdir := filepath.Join(e.path, filepath.FromSlash(dir))
		if _, err := os.Stat(subdir); os.IsNotExist(err) {
			log.Debugf("creating subdirectory: %s", dir)
			if err := os.Mkdir(subdir, 0o755); err != nil && !os.IsExist(err) {
				return WrapError(ErrCIOError, err, "error creating path "+subdir)
			}
		}
		start += idx + 1
	}
}

// DataFilePathForIdent returns the data file path for an ident, or "" when
// the file does not exist.
func (e *KVEngine) DataFilePathForIdent(ident string) string {
	identPath := filepath.Join(e.path, filepath.FromSlash(ident)+".wt")
	if _, err := os.Stat(identPath); err != nil {
		return ""
	}
	return identPath
}

// --------------------------------------------------------------------------
// Create
// --------------------------------------------------------------------------

// generateRecordStoreConfig composes the engine create config for a record
// store.
func (e *KVEngine) generateRecordStoreConfig(ns string, options CollectionOptions) (string, error) {
	var ss strings.Builder
	ss.WriteString("key_format=u,value_format=u,")
	fmt.Fprintf(&ss, "app_metadata=(formatVersion=1,ns=%q),", ns)
	fmt.Fprintf(&ss, "log=(enabled=%t),", !e.config.EnableMajorityReadConcern)
	if options.Capped {
		size := options.CappedSize
		if size <= 0 {
			size = 4096
		}
		fmt.Fprintf(&ss, "app_metadata=(capped=true,cappedSize=%d,cappedMaxDocs=%d),",
			size, options.CappedMaxDocs)
	}
	ss.WriteString(e.config.RecordStoreOptions)
	if options.ConfigString != "" {
		if err := validateConfigString(options.ConfigString); err != nil {
			return "", err
		}
		ss.WriteString(options.ConfigString)
	}
	return ss.String(), nil
}

// validateConfigString rejects caller-supplied config fragments the engine
// could not parse back
func validateConfigString(cfg string) error {
	depth := 0
	for i := 0; i < len(cfg); i++ {
		switch cfg[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return Errorf(ErrCInvalidOptions, "unbalanced parentheses in config string %q", cfg)
			}
		}
	}
	if depth != 0 {
		return Errorf(ErrCInvalidOptions, "unbalanced parentheses in config string %q", cfg)
	}
	return nil
}

// CreateRecordStore creates the table backing a collection record store.
func (e *KVEngine) CreateRecordStore(ns, ident string, options CollectionOptions) error {
	if err := e.ensureIdentPath(ident); err != nil {
		return err
	}
	config, err := e.generateRecordStoreConfig(ns, options)
	if err != nil {
		return err
	}

	uri := e.uri(ident)
	log.Debugf("KVEngine::CreateRecordStore ns: %s uri: %s config: %s", ns, uri, config)

	cs, err := e.sessionCache.GetSession()
	if err != nil {
		return err
	}
	defer e.sessionCache.ReleaseSession(cs)
	if err := cs.Create(uri, config); err != nil {
		if errors.Is(err, engine.ErrInvalid) {
			return WrapError(ErrCInvalidOptions, err, "invalid record store config")
		}
		return WrapError(ErrCIOError, err, "cannot create "+uri)
	}
	return nil
}

// CreateSortedIndex creates the table backing a sorted index.
func (e *KVEngine) CreateSortedIndex(ns, ident string, desc IndexDescriptor) error {
	if err := e.ensureIdentPath(ident); err != nil {
		return err
	}

	var ss strings.Builder
	ss.WriteString("key_format=u,value_format=u,")
	fmt.Fprintf(&ss, "app_metadata=(formatVersion=2,name=%q,unique=%t,ns=%q),",
		desc.Name, desc.Unique, ns)
	ss.WriteString(e.config.IndexOptions)
	if desc.ConfigString != "" {
		if err := validateConfigString(desc.ConfigString); err != nil {
			return err
		}
		ss.WriteString(desc.ConfigString)
	}

	uri := e.uri(ident)
	log.Debugf("KVEngine::CreateSortedIndex ident: %s config: %s", ident, ss.String())

	cs, err := e.sessionCache.GetSession()
	if err != nil {
		return err
	}
	defer e.sessionCache.ReleaseSession(cs)
	if err := cs.Create(uri, ss.String()); err != nil {
		if errors.Is(err, engine.ErrInvalid) {
			return WrapError(ErrCInvalidOptions, err, "invalid index config")
		}
		return WrapError(ErrCIOError, err, "cannot create "+uri)
	}
	return nil
}

// AlterIdentMetadata updates an ident's stored metadata without taking
// exclusive access.
func (e *KVEngine) AlterIdentMetadata(ident string, desc IndexDescriptor) error {
	cs, err := e.sessionCache.GetSession()
	if err != nil {
		return err
	}
	defer e.sessionCache.ReleaseSession(cs)

	alter := fmt.Sprintf("app_metadata=(formatVersion=2,name=%q,unique=%t),exclusive_refreshed=false,",
		desc.Name, desc.Unique)
	if err := cs.Alter(e.uri(ident), alter); err != nil {
		return WrapError(ErrCIOError, err, "cannot alter "+e.uri(ident))
	}
	return nil
}

// OkToRename is called by the catalog before renaming a collection; sizes
// are flushed so the new namespace starts from persisted values.
func (e *KVEngine) OkToRename() error {
	return e.syncSizeInfo(false)
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// hasURI reports whether the engine metadata knows the uri
func (e *KVEngine) hasURI(uri string) bool {
	cs, err := e.sessionCache.GetSession()
	if err != nil {
		return false
	}
	defer e.sessionCache.ReleaseSession(cs)

	cur, err := cs.OpenCursor("metadata:create", "")
	if err != nil {
		return false
	}
	defer cur.Close()
	return cur.Search(uri) == nil
}

// HasIdent reports whether the ident exists.
func (e *KVEngine) HasIdent(ident string) bool {
	return e.hasURI(e.uri(ident))
}

// GetAllIdents enumerates every table ident except the size storer.
func (e *KVEngine) GetAllIdents() ([]string, error) {
	cs, err := e.sessionCache.GetSession()
	if err != nil {
		return nil, err
	}
	defer e.sessionCache.ReleaseSession(cs)

	cur, err := cs.OpenCursor("metadata:create", "")
	if err != nil {
		return nil, WrapError(ErrCIOError, err, "cannot enumerate engine metadata")
	}
	defer cur.Close()

	var all []string
	for cur.Next() == nil {
		typ, ident, ok := strings.Cut(cur.Key(), ":")
		if !ok || typ != "table" {
			continue
		}
		if ident == sizeStorerIdent {
			continue
		}
		all = append(all, ident)
	}
	return all, nil
}

// GetIdentSize returns the data file size of an ident in bytes.
func (e *KVEngine) GetIdentSize(ident string) (int64, error) {
	path := e.DataFilePathForIdent(ident)
	if path == "" {
		return 0, Errorf(ErrCNotFound, "no data file for ident %s", ident)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, WrapError(ErrCIOError, err, "cannot stat "+path)
	}
	return info.Size(), nil
}

// --------------------------------------------------------------------------
// Drop
// --------------------------------------------------------------------------

// DropIdent drops a table. A busy drop is queued for retry and reported as
// success; a missing table is success.
func (e *KVEngine) DropIdent(ident string) error {
	uri := e.uri(ident)
	e.sessionCache.CloseAllCursors(uri)

	cs, err := e.sessionCache.GetSession()
	if err != nil {
		return err
	}
	defer e.sessionCache.ReleaseSession(cs)

	err = cs.Drop(uri, "force,checkpoint_wait=false")
	log.Debugf("drop of %s result: %v", uri, err)
	switch {
	case err == nil:
		return nil
	case engine.IsBusy(err):
		// expected while cursors are open elsewhere, queue it up
		e.dropQueue.pushFront(uri)
		e.sessionCache.CloseCursorsForQueuedDrops()
		return nil
	case engine.IsNotFound(err):
		return nil
	default:
		log.Panicf("drop of %s failed: %v", uri, err)
		return nil
	}
}

// HaveDropsQueued reports whether a drain pass is worthwhile. The probe is
// throttled to once per second and piggybacks the periodic best-effort size
// storer sync.
func (e *KVEngine) HaveDropsQueued() bool {
	if !e.config.ReadOnly && e.sizeStorerSyncTracker.intervalHasElapsed() {
		e.sizeStorerSyncTracker.resetLastTime()
		if err := e.syncSizeInfo(false); err != nil {
			log.Warningf("size info sync failed: %v", err)
		}
	}

	if !e.dropQueue.shouldCheck() {
		return false
	}
	return e.dropQueue.hasQueued()
}

// DropSomeQueuedIdents attempts a bounded number of queued drops. Busy
// tables go to the back of the queue so the rest still get their chance.
func (e *KVEngine) DropSomeQueuedIdents() {
	numInQueue := e.dropQueue.size()

	numToDelete := 10
	if tenPercent := numInQueue / 10; tenPercent > numToDelete {
		numToDelete = tenPercent
	}

	cs, err := e.sessionCache.GetSession()
	if err != nil {
		return
	}
	defer e.sessionCache.ReleaseSession(cs)

	log.Debugf("drop queue is %d entries, attempting to drop %d tables", numInQueue, numToDelete)
	for i := 0; i < numToDelete; i++ {
		uri, ok := e.dropQueue.popFront()
		if !ok {
			break
		}
		err := cs.Drop(uri, "force,checkpoint_wait=false")
		log.Debugf("queued drop of %s result: %v", uri, err)
		switch {
		case err == nil || engine.IsNotFound(err):
		case engine.IsBusy(err):
			e.dropQueue.pushBack(uri)
		default:
			log.Panicf("queued drop of %s failed: %v", uri, err)
		}
	}
}

// KeystoreDropDatabase removes the encryption key of a dropped database.
// Best effort: by the time this runs the rest of the database is gone, so a
// failure is only logged.
func (e *KVEngine) KeystoreDropDatabase(db string) {
	if e.keystore == nil {
		return
	}
	if err := e.keystore.DropKeyID(db); err != nil {
		log.Errorf("failed to delete encryption key for db: %s: %v", db, err)
	}
}

// --------------------------------------------------------------------------
// Repair
// --------------------------------------------------------------------------

// RepairIdent verifies and, when needed, salvages or rebuilds an ident.
func (e *KVEngine) RepairIdent(ident string) error {
	uri := e.uri(ident)
	e.sessionCache.CloseAllCursors(uri)
	if e.config.Ephemeral {
		return nil
	}
	if err := e.ensureIdentPath(ident); err != nil {
		return err
	}
	return e.salvageIfNeeded(uri)
}

// salvageIfNeeded verifies the uri and escalates verify failures to salvage,
// and salvage failures to a rebuild.
func (e *KVEngine) salvageIfNeeded(uri string) error {
	cs, err := e.sessionCache.GetSession()
	if err != nil {
		return err
	}
	defer e.sessionCache.ReleaseSession(cs)

	err = cs.Verify(uri)
	switch {
	case err == nil:
		log.Infof("verify succeeded on uri %s, not salvaging", uri)
		return nil
	case engine.IsBusy(err):
		// verify and salvage can race against concurrent access; the table
		// is in use, so no repair is necessary unless other errors show up
		log.Errorf("verify on %s failed with a busy error, the table is in use, no repair necessary", uri)
		return nil
	case engine.IsNotFound(err):
		log.Warningf("data file is missing for %s, attempting to drop and re-create the table", uri)
		return e.rebuildIdent(cs, uri)
	}

	log.Infof("verify failed on uri %s, running a salvage operation", uri)
	if err := cs.Salvage(uri); err == nil {
		if e.config.RepairObserver != nil {
			e.config.RepairObserver("salvaged data for " + uri)
		}
		return Errorf(ErrCDataModifiedByRepair, "salvaged data for %s", uri)
	}
	log.Warningf("salvage failed for uri %s, the file will be moved out of the way and a new ident created", uri)

	return e.rebuildIdent(cs, uri)
}

// rebuildIdent moves the data file aside with a .corrupt suffix and
// re-creates the table from its stored metadata.
func (e *KVEngine) rebuildIdent(cs *CachedSession, uri string) error {
	if !e.config.Repair {
		return Errorf(ErrCInternalError, "cannot rebuild %s outside repair mode", uri)
	}
	ident := identFromTableURI(uri)

	if filePath := e.DataFilePathForIdent(ident); filePath != "" {
		corruptFile := filePath + ".corrupt"
		log.Warningf("moving data file %s to backup as %s", filePath, corruptFile)
		if err := fsyncRename(filePath, corruptFile); err != nil {
			return err
		}
	}

	log.Warningf("rebuilding ident %s", ident)

	// reads only the metadata, not the moved data file
	metadata, err := cs.Metadata(uri)
	if err != nil {
		log.Errorf("failed to get metadata for %s", uri)
		return WrapError(ErrCIOError, err, "cannot read metadata for "+uri)
	}
	if err := cs.Drop(uri, "force"); err != nil {
		log.Errorf("failed to drop %s", uri)
		return WrapError(ErrCIOError, err, "cannot drop "+uri)
	}
	if err := cs.Create(uri, metadata); err != nil {
		log.Errorf("failed to create %s with config: %s", uri, metadata)
		return WrapError(ErrCIOError, err, "cannot re-create "+uri)
	}
	log.Infof("successfully re-created %s", uri)
	if e.config.RepairObserver != nil {
		e.config.RepairObserver("re-created empty data file for " + uri)
	}
	return Errorf(ErrCDataModifiedByRepair, "re-created empty data file for %s", uri)
}

// RecoverOrphanedIdent adopts a data file that has no catalog entry: the
// file is moved aside, a fresh record store is created under the same ident,
// and the original file is moved back and salvaged.
func (e *KVEngine) RecoverOrphanedIdent(ns, ident string, options CollectionOptions) error {
	if !e.config.Repair {
		return Errorf(ErrCInternalError, "orphan recovery requires repair mode")
	}

	identFilePath := e.DataFilePathForIdent(ident)
	if identFilePath == "" {
		return Errorf(ErrCNotFound, "data file for ident %s not found", ident)
	}

	tmpFile := identFilePath + ".tmp"
	log.Infof("renaming data file %s to temporary file %s", identFilePath, tmpFile)
	if err := fsyncRename(identFilePath, tmpFile); err != nil {
		return err
	}

	log.Infof("creating new record store for collection %s", ns)
	if err := e.CreateRecordStore(ns, ident, options); err != nil {
		return err
	}

	log.Infof("moving orphaned data file back as %s", identFilePath)
	if err := os.Remove(identFilePath); err != nil {
		return WrapError(ErrCIOError, err, "error deleting empty data file")
	}
	if err := fsyncParentDirectory(identFilePath); err != nil {
		return err
	}
	if err := fsyncRename(tmpFile, identFilePath); err != nil {
		return err
	}

	log.Infof("salvaging ident %s", ident)
	cs, err := e.sessionCache.GetSession()
	if err != nil {
		return err
	}
	defer e.sessionCache.ReleaseSession(cs)

	if err := cs.Salvage(e.uri(ident)); err != nil {
		log.Warningf("could not salvage data, rebuilding ident: %v", err)
		return e.rebuildIdent(cs, e.uri(ident))
	}
	if e.config.RepairObserver != nil {
		e.config.RepairObserver("salvaged data for ident " + ident)
	}
	return Errorf(ErrCDataModifiedByRepair, "salvaged data for ident %s", ident)
}

// --------------------------------------------------------------------------
// Filesystem Helpers
// --------------------------------------------------------------------------

// fsyncRename renames a file and syncs the parent directories so the rename
// survives a crash
func fsyncRename(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		return WrapError(ErrCIOError, err, fmt.Sprintf("cannot rename %s to %s", from, to))
	}
	if err := fsyncParentDirectory(to); err != nil {
		return err
	}
	if filepath.Dir(from) != filepath.Dir(to) {
		return fsyncParentDirectory(from)
	}
	return nil
}

func fsyncParentDirectory(path string) error {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return WrapError(ErrCIOError, err, "cannot open parent directory of "+path)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return WrapError(ErrCIOError, err, "cannot fsync parent directory of "+path)
	}
	return nil
}
