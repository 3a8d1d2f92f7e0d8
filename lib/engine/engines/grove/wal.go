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
	"strings"
)

// --------------------------------------------------------------------------
// Write-Ahead Log
// --------------------------------------------------------------------------

// Journal segments live under <root>/journal and are named
// groveLog.0000000001 upwards, one active segment per connection. Each
// record carries the operation, the table ident and, for writes, the
// key/value/timestamp payload. A record that cannot be fully read terminates
// replay; everything before it is kept.
const (
	journalDirName  = "journal"
	logFilePrefix   = "groveLog."
	logSeqWidth     = 10
	walOpPut        = byte(1)
	walOpRemove     = byte(2)
	walOpCreate     = byte(3)
	walOpDrop       = byte(4)
)

// walRecord is one replayable journal entry
type walRecord struct {
	op    byte
	ident string
	key   string
	value []byte
	ts    uint64
}

type wal struct {
	dir    string
	seq    uint64
	f      *os.File
	w      *bufio.Writer
	crypto *cryptoCtx
}

func journalDir(root string) string {
	return filepath.Join(root, journalDirName)
}

func segmentName(seq uint64) string {
	return fmt.Sprintf("%s%0*d", logFilePrefix, logSeqWidth, seq)
}

// listSegments returns the bare names of all journal segments in order
func listSegments(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasPrefix(e.Name(), logFilePrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// openWAL starts a fresh segment after the highest existing one
func openWAL(root string, crypto *cryptoCtx) (*wal, error) {
	dir := journalDir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	names, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	seq := uint64(1)
	if len(names) > 0 {
		last := strings.TrimPrefix(names[len(names)-1], logFilePrefix)
		if n, err := parseUint(last); err == nil {
			seq = n + 1
		}
	}
	f, err := os.Create(filepath.Join(dir, segmentName(seq)))
	if err != nil {
		return nil, err
	}
	return &wal{dir: dir, seq: seq, f: f, w: bufio.NewWriter(f), crypto: crypto}, nil
}

func parseUint(s string) (uint64, error) {
	var n uint64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// append writes one record to the active segment. The payload is encrypted
// per record when an encryption context is present; framing stays in the
// clear so replay can skip over a record it cannot decrypt.
func (l *wal) append(rec walRecord) error {
	payload := encodeWALPayload(rec)

	var iv []byte
	if l.crypto != nil {
		var stream cipher.Stream
		var err error
		iv, stream, err = l.crypto.newStream()
		if err != nil {
			return err
		}
		stream.XORKeyStream(payload, payload)
	}

	var hdr [5]byte
	hdr[0] = rec.op
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(iv)+len(payload)))
	if _, err := l.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := l.w.Write(iv); err != nil {
		return err
	}
	_, err := l.w.Write(payload)
	return err
}

// flush pushes buffered records to the OS; with sync it also fsyncs
func (l *wal) flush(sync bool) error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	if sync {
		return l.f.Sync()
	}
	return nil
}

func (l *wal) close() error {
	if err := l.flush(true); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func encodeWALPayload(rec walRecord) []byte {
	buf := make([]byte, 0, 20+len(rec.ident)+len(rec.key)+len(rec.value))
	var n [8]byte
	binary.LittleEndian.PutUint32(n[:4], uint32(len(rec.ident)))
	buf = append(buf, n[:4]...)
	buf = append(buf, rec.ident...)
	binary.LittleEndian.PutUint32(n[:4], uint32(len(rec.key)))
	buf = append(buf, n[:4]...)
	buf = append(buf, rec.key...)
	binary.LittleEndian.PutUint32(n[:4], uint32(len(rec.value)))
	buf = append(buf, n[:4]...)
	buf = append(buf, rec.value...)
	binary.LittleEndian.PutUint64(n[:], rec.ts)
	buf = append(buf, n[:]...)
	return buf
}

func decodeWALPayload(op byte, payload []byte) (walRecord, error) {
	rec := walRecord{op: op}
	next := func(n int) ([]byte, error) {
		if len(payload) < n {
			return nil, io.ErrUnexpectedEOF
		}
		b := payload[:n]
		payload = payload[n:]
		return b, nil
	}
	readStr := func() (string, error) {
		lb, err := next(4)
		if err != nil {
			return "", err
		}
		sb, err := next(int(binary.LittleEndian.Uint32(lb)))
		if err != nil {
			return "", err
		}
		return string(sb), nil
	}

	var err error
	if rec.ident, err = readStr(); err != nil {
		return rec, err
	}
	if rec.key, err = readStr(); err != nil {
		return rec, err
	}
	var v string
	if v, err = readStr(); err != nil {
		return rec, err
	}
	rec.value = []byte(v)
	tb, err := next(8)
	if err != nil {
		return rec, err
	}
	rec.ts = binary.LittleEndian.Uint64(tb)
	return rec, nil
}

// replay feeds every decodable record of every segment, in order, to apply.
// A garbled tail ends replay without error.
func replayWAL(root string, crypto *cryptoCtx, apply func(walRecord)) error {
	dir := journalDir(root)
	names, err := listSegments(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := replaySegment(filepath.Join(dir, name), crypto, apply); err != nil {
			return err
		}
	}
	return nil
}

func replaySegment(path string, crypto *cryptoCtx, apply func(walRecord)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [5]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil // end of segment (or torn header)
		}
		op := hdr[0]
		size := binary.LittleEndian.Uint32(hdr[1:])
		if size > maxRecordLen {
			return nil
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil // torn record, stop here
		}
		if crypto != nil {
			if len(body) < aes.BlockSize {
				continue
			}
			stream, err := crypto.stream(body[:aes.BlockSize])
			if err != nil {
				return err
			}
			body = body[aes.BlockSize:]
			stream.XORKeyStream(body, body)
		}
		rec, err := decodeWALPayload(op, body)
		if err != nil {
			continue // undecodable record, skip
		}
		apply(rec)
	}
}
