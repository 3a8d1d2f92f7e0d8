package backup

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ValentinKolb/tidewater/lib/adapter"
	"github.com/ValentinKolb/tidewater/lib/engine"
	"github.com/ValentinKolb/tidewater/lib/keystore"
	"github.com/ValentinKolb/tidewater/lib/logging"
)

var log = logging.GetLogger("backup")

// storageMetadataFile is copied into every backup unconditionally
const storageMetadataFile = "storage.bson"

// journalDirName is where engines keep write-ahead log files
const journalDirName = "journal"

// --------------------------------------------------------------------------
// Manifest
// --------------------------------------------------------------------------

// FileEntry is one file of the backup manifest. Size is the length declared
// by the backup cursor; the copy transfers exactly this many bytes.
type FileEntry struct {
	Src  string
	Dst  string
	Size int64
}

// engineBackup pins one engine's backup snapshot open
type engineBackup struct {
	srcRoot string
	dstRoot string
	session engine.Session
	cursor  engine.Cursor
}

func (b *engineBackup) close() {
	if b.cursor != nil {
		b.cursor.Close()
	}
	if b.session != nil {
		b.session.Close()
	}
}

// openEngineBackup flushes the engine's log and opens its backup cursor
func openEngineBackup(conn engine.Connection, srcRoot, dstRoot string) (*engineBackup, error) {
	s, err := conn.OpenSession()
	if err != nil {
		return nil, adapter.WrapError(adapter.ErrCIOError, err, "cannot open backup session")
	}
	if err := s.LogFlush("sync=off"); err != nil {
		s.Close()
		return nil, adapter.WrapError(adapter.ErrCIOError, err, "log flush failed")
	}
	cur, err := s.OpenCursor("backup:", "")
	if err != nil {
		s.Close()
		return nil, adapter.WrapError(adapter.ErrCIOError, err, "cannot open backup cursor")
	}
	return &engineBackup{srcRoot: srcRoot, dstRoot: dstRoot, session: s, cursor: cur}, nil
}

// populate opens backup cursors across the main engine and the key store and
// builds the file manifest. The caller must invoke the returned release
// function once the copy is done (or failed).
func populate(kv *adapter.KVEngine, destRoot string, barrier sync.Locker) ([]FileEntry, func(), error) {
	var backups []*engineBackup
	release := func() {
		for _, b := range backups {
			b.close()
		}
	}

	// Prevent writes between the two backup cursors, so the main engine and
	// the key store yield one consistent snapshot.
	kdb := kv.Keystore()
	if kdb != nil && barrier != nil {
		barrier.Lock()
		defer barrier.Unlock()
	}

	main, err := openEngineBackup(kv.Connection(), kv.Path(), destRoot)
	if err != nil {
		return nil, nil, err
	}
	backups = append(backups, main)

	if kdb != nil {
		kb, err := openEngineBackup(kdb.Connection(),
			filepath.Join(kv.Path(), keystore.KeyDBDir),
			filepath.Join(destRoot, keystore.KeyDBDir))
		if err != nil {
			release()
			return nil, nil, err
		}
		backups = append(backups, kb)
	}

	var files []FileEntry
	for _, b := range backups {
		for b.cursor.Next() == nil {
			filename := b.cursor.Key()
			srcFile := filepath.Join(b.srcRoot, filename)
			dstFile := filepath.Join(b.dstRoot, filename)

			info, err := os.Stat(srcFile)
			if err != nil {
				// journal files are reported by bare name but live in the
				// journal subdirectory
				srcFile = filepath.Join(b.srcRoot, journalDirName, filename)
				dstFile = filepath.Join(b.dstRoot, journalDirName, filename)
				if info, err = os.Stat(srcFile); err != nil {
					release()
					return nil, nil, adapter.Errorf(adapter.ErrCInvalidPath,
						"cannot find source file for backup: %s, source path: %s", filename, b.srcRoot)
				}
			}
			files = append(files, FileEntry{Src: srcFile, Dst: dstFile, Size: info.Size()})
		}
	}

	// the storage engine metadata travels with every backup
	srcMeta := filepath.Join(kv.Path(), storageMetadataFile)
	info, err := os.Stat(srcMeta)
	if err != nil {
		release()
		return nil, nil, adapter.Errorf(adapter.ErrCInvalidPath,
			"cannot find %s under %s", storageMetadataFile, kv.Path())
	}
	files = append(files, FileEntry{
		Src:  srcMeta,
		Dst:  filepath.Join(destRoot, storageMetadataFile),
		Size: info.Size(),
	})

	return files, release, nil
}
