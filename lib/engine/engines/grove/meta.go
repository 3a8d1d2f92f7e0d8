package grove

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ValentinKolb/tidewater/lib/engine"
)

// --------------------------------------------------------------------------
// Schema Metadata
// --------------------------------------------------------------------------

// grove.meta is a line-oriented file:
//
//	grove 1
//	release=3.1
//	recovery=<16 hex digits>
//	table:<ident>\t<create config>
//
// It is rewritten atomically on every checkpoint and on reconfigure.
const (
	metaFileName   = "grove.meta"
	metaHeaderLine = "grove 1"
)

// Format releases this build can open. currentRelease is written for newly
// created roots; reconfigure(compatibility=(release=...)) lowers the recorded
// value.
const (
	currentRelease = "3.1"
)

var knownReleases = map[string]int{"2.9": 0, "3.0": 1, "3.1": 2}

type metaState struct {
	release  string
	recovery uint64
	tables   map[string]string // ident -> create config
}

func metaPath(root string) string {
	return filepath.Join(root, metaFileName)
}

// loadMeta reads grove.meta. It returns engine.ErrNotFound when the file is
// absent and engine.ErrTrySalvage when it exists but cannot be parsed.
func loadMeta(root string) (*metaState, error) {
	f, err := os.Open(metaPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, engine.ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	st := &metaState{release: currentRelease, tables: map[string]string{}}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() || sc.Text() != metaHeaderLine {
		return nil, engine.ErrTrySalvage
	}
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "release="):
			st.release = strings.TrimPrefix(line, "release=")
			if _, ok := knownReleases[st.release]; !ok {
				return nil, engine.ErrTrySalvage
			}
		case strings.HasPrefix(line, "recovery="):
			ts, err := engine.ParseTS(strings.TrimPrefix(line, "recovery="))
			if err != nil {
				return nil, engine.ErrTrySalvage
			}
			st.recovery = ts
		case strings.HasPrefix(line, "table:"):
			rest := strings.TrimPrefix(line, "table:")
			ident, config, ok := strings.Cut(rest, "\t")
			if !ok || ident == "" {
				return nil, engine.ErrTrySalvage
			}
			st.tables[ident] = config
		case line == "":
			// ignore
		default:
			return nil, engine.ErrTrySalvage
		}
	}
	if err := sc.Err(); err != nil {
		return nil, engine.ErrTrySalvage
	}
	return st, nil
}

// store rewrites grove.meta atomically
func (st *metaState) store(root string) error {
	tmp := metaPath(root) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, metaHeaderLine)
	fmt.Fprintf(w, "release=%s\n", st.release)
	fmt.Fprintf(w, "recovery=%s\n", engine.FormatTS(st.recovery))

	idents := make([]string, 0, len(st.tables))
	for ident := range st.tables {
		idents = append(idents, ident)
	}
	sort.Strings(idents)
	for _, ident := range idents {
		fmt.Fprintf(w, "table:%s\t%s\n", ident, st.tables[ident])
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, metaPath(root))
}

// salvageMeta reconstructs a schema by scanning the root for data files. Used
// when grove.meta is unreadable and the open config carries salvage=true.
func salvageMeta(root string) (*metaState, error) {
	st := &metaState{release: currentRelease, tables: map[string]string{}}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == journalDirName && filepath.Dir(path) == root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(info.Name(), ".wt") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		ident := strings.TrimSuffix(filepath.ToSlash(rel), ".wt")
		st.tables[ident] = "key_format=u,value_format=u"
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// checkRequireMin compares the on-disk release against a
// compatibility=(require_min="X.Y.Z") constraint.
func checkRequireMin(diskRelease, requireMin string) error {
	if requireMin == "" {
		return nil
	}
	// require_min carries a patch component ("3.1.0"); the release index only
	// cares about major.minor.
	parts := strings.SplitN(requireMin, ".", 3)
	if len(parts) < 2 {
		return engine.ErrInvalid
	}
	min := parts[0] + "." + parts[1]
	minIdx, ok := knownReleases[min]
	if !ok {
		return engine.ErrInvalid
	}
	diskIdx, ok := knownReleases[diskRelease]
	if !ok {
		return engine.ErrTrySalvage
	}
	if diskIdx < minIdx {
		return fmt.Errorf("%w: on-disk release %s is older than required minimum %s",
			engine.ErrInvalid, diskRelease, requireMin)
	}
	return nil
}
