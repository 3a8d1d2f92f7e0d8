package grove

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/ValentinKolb/tidewater/lib/engine"
)

// --------------------------------------------------------------------------
// Table State
// --------------------------------------------------------------------------

// entry is one committed key/value pair. Timestamp zero means the update was
// not timestamped and is always durable.
type entry struct {
	value []byte
	ts    uint64
}

// table is the in-memory state of one named table
type table struct {
	ident      string
	config     string
	entries    map[string]entry
	cursors    int  // open cursor refcount, drop returns ErrBusy while > 0
	dirty      bool // snapshot file is stale
	logEnabled bool
}

func newTable(ident, config string) *table {
	return &table{
		ident:      ident,
		config:     config,
		entries:    map[string]entry{},
		logEnabled: engine.Parse(config).Sub("log").Bool("enabled", true),
	}
}

// sortedKeys returns the table's keys in cursor iteration order
func (t *table) sortedKeys() []string {
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --------------------------------------------------------------------------
// Snapshot File Format
// --------------------------------------------------------------------------

// Snapshot files start with a fixed header followed by length-prefixed
// entries. When encryption is on, everything after the header is an IV plus
// an AES-CTR stream of the same entry encoding.
const (
	snapshotMagic   = "GROVE\x00"
	snapshotVersion = byte(1)

	flagEncrypted = byte(1 << 0)
)

// writeSnapshot writes the table's entries with commit timestamp <= bound to
// its data file, atomically. Pass ^uint64(0) as bound for a full snapshot.
func (t *table) writeSnapshot(path string, bound uint64, crypto *cryptoCtx) error {
	tmp := path + ".ckpt"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err := writeEntries(f, t.entries, bound, crypto); err != nil {
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
	return os.Rename(tmp, path)
}

func writeEntries(f *os.File, entries map[string]entry, bound uint64, crypto *cryptoCtx) error {
	var flags byte
	if crypto != nil {
		flags |= flagEncrypted
	}

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(snapshotMagic); err != nil {
		return err
	}
	if err := w.WriteByte(snapshotVersion); err != nil {
		return err
	}
	if err := w.WriteByte(flags); err != nil {
		return err
	}

	var out io.Writer = w
	if crypto != nil {
		iv, stream, err := crypto.newStream()
		if err != nil {
			return err
		}
		if _, err := w.Write(iv); err != nil {
			return err
		}
		out = &cipher.StreamWriter{S: stream, W: w}
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		e := entries[k]
		if e.ts > bound {
			continue
		}
		if err := writeRecord(out, k, e.value, e.ts); err != nil {
			return err
		}
	}
	return w.Flush()
}

// readSnapshot loads a table data file. With bestEffort set, a truncated or
// garbled tail is tolerated and the entries decoded so far are returned.
func readSnapshot(path string, crypto *cryptoCtx, bestEffort bool) (map[string]entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header := make([]byte, len(snapshotMagic)+2)
	if _, err := io.ReadFull(r, header); err != nil {
		if bestEffort {
			return map[string]entry{}, nil
		}
		return nil, fmt.Errorf("grove: bad snapshot header in %s: %w", path, err)
	}
	if string(header[:len(snapshotMagic)]) != snapshotMagic {
		if bestEffort {
			return map[string]entry{}, nil
		}
		return nil, fmt.Errorf("grove: %s is not a grove data file", path)
	}
	flags := header[len(snapshotMagic)+1]

	var in io.Reader = r
	if flags&flagEncrypted != 0 {
		if crypto == nil {
			return nil, fmt.Errorf("grove: %s is encrypted but no encryption is configured", path)
		}
		iv := make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(r, iv); err != nil {
			return nil, fmt.Errorf("grove: bad iv in %s: %w", path, err)
		}
		stream, err := crypto.stream(iv)
		if err != nil {
			return nil, err
		}
		in = &cipher.StreamReader{S: stream, R: r}
	}

	entries := map[string]entry{}
	for {
		key, value, ts, err := readRecord(in)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			if bestEffort {
				return entries, nil
			}
			return nil, fmt.Errorf("grove: corrupt record in %s: %w", path, err)
		}
		entries[key] = entry{value: value, ts: ts}
	}
}

// --------------------------------------------------------------------------
// Record Encoding (shared by snapshots and the journal)
// --------------------------------------------------------------------------

const maxRecordLen = 64 << 20

func writeRecord(w io.Writer, key string, value []byte, ts uint64) error {
	var hdr [20]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(key)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(value)))
	binary.LittleEndian.PutUint64(hdr[8:], ts)
	binary.LittleEndian.PutUint32(hdr[16:], 0) // reserved
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, key); err != nil {
		return err
	}
	_, err := w.Write(value)
	return err
}

func readRecord(r io.Reader) (key string, value []byte, ts uint64, err error) {
	var hdr [20]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return
	}
	klen := binary.LittleEndian.Uint32(hdr[0:])
	vlen := binary.LittleEndian.Uint32(hdr[4:])
	ts = binary.LittleEndian.Uint64(hdr[8:])
	if klen > maxRecordLen || vlen > maxRecordLen {
		err = fmt.Errorf("grove: implausible record lengths %d/%d", klen, vlen)
		return
	}
	buf := make([]byte, int(klen)+int(vlen))
	if _, err = io.ReadFull(r, buf); err != nil {
		return
	}
	key = string(buf[:klen])
	value = buf[klen:]
	return
}

// --------------------------------------------------------------------------
// Encryption Context
// --------------------------------------------------------------------------

// cryptoCtx wraps the registered engine.Encryptor with the resolved data key
type cryptoCtx struct {
	enc engine.Encryptor
	key []byte
}

func newCryptoCtx(enc engine.Encryptor) (*cryptoCtx, error) {
	key, err := enc.KeyByID("")
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("grove: expected a 256 bit data key, got %d bytes", len(key)*8)
	}
	return &cryptoCtx{enc: enc, key: key}, nil
}

// newStream returns a fresh IV and the corresponding AES-CTR stream
func (c *cryptoCtx) newStream() ([]byte, cipher.Stream, error) {
	iv := make([]byte, aes.BlockSize)
	if err := c.enc.IV(iv); err != nil {
		return nil, nil, err
	}
	stream, err := c.stream(iv)
	if err != nil {
		return nil, nil, err
	}
	return iv, stream, nil
}

func (c *cryptoCtx) stream(iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

// dataFilePath maps an ident to its file under the engine root
func dataFilePath(root, ident string) string {
	return filepath.Join(root, ident+".wt")
}
