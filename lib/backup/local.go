package backup

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ValentinKolb/tidewater/lib/adapter"
)

// --------------------------------------------------------------------------
// Local Destination
// --------------------------------------------------------------------------

// Local copies a hot backup of the engine (and key store) into destPath.
// The destination directory must exist. barrier, when non-nil, is held while
// the backup cursors are opened; pass the server's global write barrier when
// a key store participates.
func Local(kv *adapter.KVEngine, destPath string, barrier sync.Locker) error {
	files, release, err := populate(kv, destPath, barrier)
	if err != nil {
		return err
	}
	defer release()

	existDirs := map[string]struct{}{destPath: {}}

	for _, file := range files {
		destDir := filepath.Dir(file.Dst)
		if _, ok := existDirs[destDir]; !ok {
			if err := os.MkdirAll(destDir, 0o755); err != nil {
				return adapter.WrapError(adapter.ErrCInvalidPath, err, "cannot create "+destDir)
			}
			existDirs[destDir] = struct{}{}
		}
		if err := copyFileSize(file.Src, file.Dst, file.Size); err != nil {
			return err
		}
		log.Debugf("copied %s (%d bytes)", file.Dst, file.Size)
	}
	return nil
}

// copyFileSize copies exactly size bytes. A plain file copy would race the
// engine appending to the source during the backup; the cursor-declared size
// is the snapshot boundary.
func copyFileSize(src, dst string, size int64) error {
	in, err := os.Open(src)
	if err != nil {
		return adapter.WrapError(adapter.ErrCInvalidPath, err, "cannot open backup source "+src)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return adapter.WrapError(adapter.ErrCInvalidPath, err, "cannot create backup file "+dst)
	}
	defer out.Close()

	if _, err := io.CopyN(out, in, size); err != nil {
		return adapter.WrapError(adapter.ErrCInternalError, err, "error copying "+src)
	}
	return out.Sync()
}
