package grove

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ValentinKolb/tidewater/lib/engine"
)

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

const tableURIPrefix = "table:"

// identFromURI strips the "table:" prefix
func identFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, tableURIPrefix) {
		return "", fmt.Errorf("%w: unsupported uri %q", engine.ErrInvalid, uri)
	}
	return uri[len(tableURIPrefix):], nil
}

// sessionImpl implements engine.Session. Not safe for concurrent use.
type sessionImpl struct {
	conn    *connImpl
	txn     []walRecord
	inTxn   bool
	cursors []*cursorImpl
	closed  bool
}

func (s *sessionImpl) Create(uri, cfg string) error {
	ident, err := identFromURI(uri)
	if err != nil {
		return err
	}
	return s.conn.create(ident, cfg)
}

func (s *sessionImpl) Drop(uri, cfg string) error {
	ident, err := identFromURI(uri)
	if err != nil {
		return err
	}
	conf := engine.Parse(cfg)
	return s.conn.drop(ident, conf.Bool("force", false))
}

func (s *sessionImpl) Verify(uri string) error {
	ident, err := identFromURI(uri)
	if err != nil {
		return err
	}
	return s.conn.verify(ident)
}

func (s *sessionImpl) Salvage(uri string) error {
	ident, err := identFromURI(uri)
	if err != nil {
		return err
	}
	return s.conn.salvage(ident)
}

func (s *sessionImpl) Alter(uri, cfg string) error {
	ident, err := identFromURI(uri)
	if err != nil {
		return err
	}
	return s.conn.alter(ident, cfg)
}

func (s *sessionImpl) Checkpoint(cfg string) error {
	conf := engine.Parse(cfg)
	return s.conn.checkpoint(conf.Bool("use_timestamp", true))
}

func (s *sessionImpl) LogFlush(cfg string) error {
	conf := engine.Parse(cfg)
	return s.conn.logFlush(conf.Str("sync", "on") != "off")
}

func (s *sessionImpl) Metadata(uri string) (string, error) {
	ident, err := identFromURI(uri)
	if err != nil {
		return "", err
	}
	return s.conn.metadata(ident)
}

func (s *sessionImpl) BeginTransaction(cfg string) error {
	if s.inTxn {
		return fmt.Errorf("%w: transaction already running", engine.ErrInvalid)
	}
	s.inTxn = true
	s.txn = s.txn[:0]
	return nil
}

func (s *sessionImpl) CommitTransaction(cfg string) error {
	if !s.inTxn {
		return fmt.Errorf("%w: no transaction running", engine.ErrInvalid)
	}
	conf := engine.Parse(cfg)
	var ts uint64
	if v, ok := conf["commit_timestamp"]; ok {
		parsed, err := engine.ParseTS(v)
		if err != nil {
			return engine.ErrInvalid
		}
		ts = parsed
	}
	ops := s.txn
	s.inTxn = false
	s.txn = nil
	return s.conn.applyWrites(ops, ts)
}

func (s *sessionImpl) RollbackTransaction() error {
	if !s.inTxn {
		return fmt.Errorf("%w: no transaction running", engine.ErrInvalid)
	}
	s.inTxn = false
	s.txn = nil
	return nil
}

func (s *sessionImpl) OpenCursor(uri, cfg string) (engine.Cursor, error) {
	switch {
	case uri == "metadata:create":
		return s.openMetadataCursor()
	case uri == "backup:":
		return s.openBackupCursor()
	case strings.HasPrefix(uri, tableURIPrefix):
		return s.openTableCursor(uri)
	default:
		return nil, fmt.Errorf("%w: unsupported cursor uri %q", engine.ErrInvalid, uri)
	}
}

func (s *sessionImpl) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for _, cur := range s.cursors {
		cur.Close()
	}
	s.cursors = nil
	if s.inTxn {
		s.inTxn = false
		s.txn = nil
	}
	return nil
}

// --------------------------------------------------------------------------
// Cursors
// --------------------------------------------------------------------------

type cursorKind int

const (
	cursorTable cursorKind = iota
	cursorMetadata
	cursorBackup
)

// cursorImpl implements engine.Cursor over a stable snapshot of keys taken
// at open time
type cursorImpl struct {
	session *sessionImpl
	kind    cursorKind
	uri     string
	ident   string // table cursors only

	keys   []string
	values map[string][]byte
	pos    int // index of the next key; pos-1 is the current position
	closed bool
}

func (s *sessionImpl) openTableCursor(uri string) (engine.Cursor, error) {
	ident, err := identFromURI(uri)
	if err != nil {
		return nil, err
	}
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	t, ok := s.conn.tables[ident]
	if !ok {
		return nil, engine.ErrNotFound
	}
	values := make(map[string][]byte, len(t.entries))
	for k, e := range t.entries {
		values[k] = e.value
	}
	t.cursors++
	cur := &cursorImpl{
		session: s,
		kind:    cursorTable,
		uri:     uri,
		ident:   ident,
		keys:    t.sortedKeys(),
		values:  values,
	}
	s.cursors = append(s.cursors, cur)
	return cur, nil
}

func (s *sessionImpl) openMetadataCursor() (engine.Cursor, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	values := map[string][]byte{}
	for ident, conf := range s.conn.meta.tables {
		values[tableURIPrefix+ident] = []byte(conf)
	}
	cur := &cursorImpl{
		session: s,
		kind:    cursorMetadata,
		uri:     "metadata:create",
		values:  values,
	}
	for k := range values {
		cur.keys = append(cur.keys, k)
	}
	sort.Strings(cur.keys)
	s.cursors = append(s.cursors, cur)
	return cur, nil
}

func (s *sessionImpl) openBackupCursor() (engine.Cursor, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.conn.backupOpen {
		return nil, engine.ErrBusy
	}

	cur := &cursorImpl{
		session: s,
		kind:    cursorBackup,
		uri:     "backup:",
		values:  map[string][]byte{},
	}
	cur.keys = append(cur.keys, metaFileName)
	for ident := range s.conn.meta.tables {
		cur.keys = append(cur.keys, ident+".wt")
	}
	if s.conn.wal != nil {
		segments, err := listSegments(s.conn.wal.dir)
		if err != nil {
			return nil, err
		}
		cur.keys = append(cur.keys, segments...)
	}
	sort.Strings(cur.keys)

	s.conn.backupOpen = true
	s.cursors = append(s.cursors, cur)
	return cur, nil
}

func (c *cursorImpl) Next() error {
	if c.closed {
		return engine.ErrInvalid
	}
	if c.pos >= len(c.keys) {
		return engine.ErrNotFound
	}
	c.pos++
	return nil
}

func (c *cursorImpl) Key() string {
	if c.pos == 0 || c.pos > len(c.keys) {
		return ""
	}
	return c.keys[c.pos-1]
}

func (c *cursorImpl) Value() []byte {
	return c.values[c.Key()]
}

func (c *cursorImpl) Search(key string) error {
	if c.closed {
		return engine.ErrInvalid
	}
	for i, k := range c.keys {
		if k == key {
			c.pos = i + 1
			return nil
		}
	}
	return engine.ErrNotFound
}

func (c *cursorImpl) Insert(key string, value []byte) error {
	if c.kind != cursorTable {
		return engine.ErrInvalid
	}
	op := walRecord{op: walOpPut, ident: c.ident, key: key, value: append([]byte(nil), value...)}
	if c.session.inTxn {
		c.session.txn = append(c.session.txn, op)
		return nil
	}
	return c.session.conn.applyWrites([]walRecord{op}, 0)
}

func (c *cursorImpl) Remove(key string) error {
	if c.kind != cursorTable {
		return engine.ErrInvalid
	}
	op := walRecord{op: walOpRemove, ident: c.ident, key: key}
	if c.session.inTxn {
		c.session.txn = append(c.session.txn, op)
		return nil
	}
	return c.session.conn.applyWrites([]walRecord{op}, 0)
}

func (c *cursorImpl) URI() string {
	return c.uri
}

func (c *cursorImpl) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	conn := c.session.conn
	conn.mu.Lock()
	defer conn.mu.Unlock()
	switch c.kind {
	case cursorTable:
		if t, ok := conn.tables[c.ident]; ok && t.cursors > 0 {
			t.cursors--
		}
	case cursorBackup:
		conn.backupOpen = false
	}
	return nil
}
