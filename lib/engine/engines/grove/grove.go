package grove

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ValentinKolb/tidewater/lib/engine"
	"github.com/ValentinKolb/tidewater/lib/logging"
)

var log = logging.GetLogger("engine")

func init() {
	engine.Register(engine.ImplGrove, Open)
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// connImpl implements engine.Connection
type connImpl struct {
	path string

	mu     sync.Mutex
	meta   *metaState
	tables map[string]*table
	wal    *wal // nil when journaling is disabled
	crypto *cryptoCtx

	logEnabled bool
	readonly   bool

	stable       uint64
	oldest       uint64
	allCommitted uint64
	recovery     uint64

	backupOpen bool
	closed     bool
}

// Open opens (or with "create" in the config, creates) a grove root.
// Recognized config keys: create, readonly, log=(enabled=...),
// compatibility=(require_min="X.Y.Z"), salvage, and
// encryption=(provider=...,cipher=...). Unknown keys are accepted and
// ignored, which keeps tuning options like cache_size portable.
func Open(path, cfg string) (engine.Connection, error) {
	conf := engine.Parse(cfg)

	c := &connImpl{
		path:       path,
		tables:     map[string]*table{},
		logEnabled: conf.Sub("log").Bool("enabled", false),
		readonly:   conf.Bool("readonly", false),
	}

	if encConf := conf.Sub("encryption"); len(encConf) > 0 {
		provider := encConf.Str("provider", "")
		enc, ok := engine.EncryptorByName(provider)
		if !ok {
			return nil, fmt.Errorf("%w: unknown encryption provider %q", engine.ErrInvalid, provider)
		}
		crypto, err := newCryptoCtx(enc)
		if err != nil {
			return nil, err
		}
		c.crypto = crypto
	}

	meta, err := loadMeta(path)
	switch {
	case err == nil:
	case engine.IsNotFound(err):
		if !conf.Bool("create", false) {
			return nil, err
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
		meta = &metaState{release: currentRelease, tables: map[string]string{}}
		if err := meta.store(path); err != nil {
			return nil, err
		}
	default:
		if !conf.Bool("salvage", false) {
			return nil, err
		}
		log.Warningf("salvaging schema metadata for %s", path)
		meta, err = salvageMeta(path)
		if err != nil {
			return nil, err
		}
		if err := meta.store(path); err != nil {
			return nil, err
		}
	}

	requireMin := conf.Sub("compatibility").Str("require_min", "")
	if err := checkRequireMin(meta.release, requireMin); err != nil {
		return nil, err
	}

	c.meta = meta
	c.recovery = meta.recovery

	for ident, tblConf := range meta.tables {
		t := newTable(ident, tblConf)
		entries, err := readSnapshot(dataFilePath(path, ident), c.crypto, false)
		if err != nil {
			if os.IsNotExist(err) {
				// Data file is gone; verify/salvage on this table will report
				// it. The schema entry stays.
				c.tables[ident] = t
				continue
			}
			return nil, err
		}
		t.entries = entries
		for _, e := range entries {
			if e.ts > c.allCommitted {
				c.allCommitted = e.ts
			}
		}
		c.tables[ident] = t
	}

	if c.logEnabled {
		if err := replayWAL(path, c.crypto, c.applyReplay); err != nil {
			return nil, err
		}
		w, err := openWAL(path, c.crypto)
		if err != nil {
			return nil, err
		}
		c.wal = w
	}

	c.stable = c.recovery
	return c, nil
}

// applyReplay applies one journal record during open
func (c *connImpl) applyReplay(rec walRecord) {
	switch rec.op {
	case walOpCreate:
		if _, ok := c.tables[rec.ident]; !ok {
			c.tables[rec.ident] = newTable(rec.ident, rec.key)
			c.meta.tables[rec.ident] = rec.key
		}
	case walOpDrop:
		delete(c.tables, rec.ident)
		delete(c.meta.tables, rec.ident)
	case walOpPut:
		if t, ok := c.tables[rec.ident]; ok {
			t.entries[rec.key] = entry{value: rec.value, ts: rec.ts}
			t.dirty = true
			if rec.ts > c.allCommitted {
				c.allCommitted = rec.ts
			}
		}
	case walOpRemove:
		if t, ok := c.tables[rec.ident]; ok {
			delete(t.entries, rec.key)
			t.dirty = true
		}
	}
}

// --------------------------------------------------------------------------
// engine.Connection Methods
// --------------------------------------------------------------------------

func (c *connImpl) OpenSession() (engine.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, engine.ErrShutdown
	}
	return &sessionImpl{conn: c}, nil
}

func (c *connImpl) SetTimestamp(cfg string) error {
	conf := engine.Parse(cfg)
	force := conf.Bool("force", false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrShutdown
	}

	if v, ok := conf["stable_timestamp"]; ok {
		ts, err := engine.ParseTS(v)
		if err != nil {
			return engine.ErrInvalid
		}
		// non-forced backward motion of stable is not applied
		if force || ts >= c.stable {
			c.stable = ts
		}
	}
	if v, ok := conf["oldest_timestamp"]; ok {
		ts, err := engine.ParseTS(v)
		if err != nil {
			return engine.ErrInvalid
		}
		if c.stable > 0 && ts > c.stable {
			ts = c.stable
		}
		if force || ts > c.oldest {
			c.oldest = ts
		}
	}
	// commit_timestamp (force mode) and durable_timestamp carry no extra
	// state in this engine.
	return nil
}

func (c *connImpl) QueryTimestamp(get string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch get {
	case "recovery":
		return c.recovery, nil
	case "all_committed":
		if c.allCommitted == 0 {
			return 0, engine.ErrNotFound
		}
		return c.allCommitted, nil
	case "oldest":
		return c.oldest, nil
	case "stable":
		return c.stable, nil
	case "oldest_reader":
		// no tracked read transactions
		return 0, engine.ErrNotFound
	default:
		return 0, fmt.Errorf("%w: unknown timestamp %q", engine.ErrInvalid, get)
	}
}

func (c *connImpl) Reconfigure(cfg string) error {
	conf := engine.Parse(cfg)
	compat := conf.Sub("compatibility")
	release := compat.Str("release", "")
	if release == "" {
		return nil
	}
	if parts := strings.SplitN(release, ".", 3); len(parts) == 3 {
		release = parts[0] + "." + parts[1]
	}
	if _, ok := knownReleases[release]; !ok {
		return fmt.Errorf("%w: unknown release %q", engine.ErrInvalid, release)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrShutdown
	}
	c.meta.release = release
	return c.meta.store(c.path)
}

func (c *connImpl) RollbackToStable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrShutdown
	}
	for _, t := range c.tables {
		if t.cursors > 0 {
			return engine.ErrBusy
		}
	}
	for _, t := range c.tables {
		for k, e := range t.entries {
			if e.ts > c.stable {
				delete(t.entries, k)
				t.dirty = true
			}
		}
	}
	if c.allCommitted > c.stable {
		c.allCommitted = c.stable
	}
	return nil
}

func (c *connImpl) SupportsFeature(feature engine.Feature) bool {
	supported := engine.FeatureTimestamps | engine.FeatureBackupCursor |
		engine.FeatureSalvage | engine.FeatureEncryption | engine.FeatureJournal
	return supported&feature == feature
}

func (c *connImpl) Close(cfg string) error {
	conf := engine.Parse(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	// leak_memory skips no teardown here; the final checkpoint is what
	// matters for durability.
	if !c.readonly {
		if err := c.checkpointLocked(conf.Bool("use_timestamp", true)); err != nil {
			return err
		}
	}
	if c.wal != nil {
		if err := c.wal.close(); err != nil {
			return err
		}
		c.wal = nil
	}
	c.closed = true
	return nil
}

// --------------------------------------------------------------------------
// Internal Operations (called from sessions under no lock)
// --------------------------------------------------------------------------

func (c *connImpl) checkpoint(useTimestamp bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrShutdown
	}
	return c.checkpointLocked(useTimestamp)
}

func (c *connImpl) checkpointLocked(useTimestamp bool) error {
	bound := ^uint64(0)
	stableCheckpoint := useTimestamp && c.stable > 0
	if stableCheckpoint {
		bound = c.stable
	}

	for ident, t := range c.tables {
		if err := t.writeSnapshot(dataFilePath(c.path, ident), bound, c.crypto); err != nil {
			return err
		}
		t.dirty = false
	}

	if stableCheckpoint {
		c.meta.recovery = c.stable
	} else {
		c.meta.recovery = 0
	}
	if err := c.meta.store(c.path); err != nil {
		return err
	}

	if c.wal != nil {
		if err := c.wal.flush(true); err != nil {
			return err
		}
		// Segments may only be reclaimed once everything they hold is in the
		// snapshots, which a stable checkpoint does not guarantee.
		if c.allCommitted <= bound {
			c.archiveSegmentsLocked()
		}
	}
	return nil
}

// archiveSegmentsLocked removes journal segments older than the active one.
// Archiving pauses while a backup cursor is open so the frozen file list
// stays copyable.
func (c *connImpl) archiveSegmentsLocked() {
	if c.backupOpen || c.wal == nil {
		return
	}
	names, err := listSegments(c.wal.dir)
	if err != nil {
		return
	}
	active := segmentName(c.wal.seq)
	for _, name := range names {
		if name < active {
			os.Remove(filepath.Join(c.wal.dir, name))
		}
	}
}

func (c *connImpl) logFlush(sync bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrShutdown
	}
	if c.wal == nil {
		return nil
	}
	return c.wal.flush(sync)
}

func (c *connImpl) create(ident, tblConf string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrShutdown
	}
	if _, ok := c.tables[ident]; ok {
		return nil
	}
	t := newTable(ident, tblConf)
	if err := t.writeSnapshot(dataFilePath(c.path, ident), ^uint64(0), c.crypto); err != nil {
		return err
	}
	c.tables[ident] = t
	c.meta.tables[ident] = tblConf
	if err := c.meta.store(c.path); err != nil {
		return err
	}
	if c.wal != nil {
		return c.wal.append(walRecord{op: walOpCreate, ident: ident, key: tblConf})
	}
	return nil
}

func (c *connImpl) drop(ident string, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrShutdown
	}
	t, ok := c.tables[ident]
	if !ok {
		if force {
			return nil
		}
		return engine.ErrNotFound
	}
	if t.cursors > 0 {
		return engine.ErrBusy
	}
	delete(c.tables, ident)
	delete(c.meta.tables, ident)
	if err := c.meta.store(c.path); err != nil {
		return err
	}
	if err := os.Remove(dataFilePath(c.path, ident)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if c.wal != nil {
		return c.wal.append(walRecord{op: walOpDrop, ident: ident})
	}
	return nil
}

func (c *connImpl) verify(ident string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[ident]
	if !ok {
		return engine.ErrNotFound
	}
	if t.cursors > 0 {
		return engine.ErrBusy
	}
	if _, err := os.Stat(dataFilePath(c.path, ident)); err != nil {
		if os.IsNotExist(err) {
			return engine.ErrNotFound
		}
		return err
	}
	if _, err := readSnapshot(dataFilePath(c.path, ident), c.crypto, false); err != nil {
		return fmt.Errorf("grove: verify of table:%s failed: %w", ident, err)
	}
	return nil
}

func (c *connImpl) salvage(ident string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[ident]
	if !ok {
		return engine.ErrNotFound
	}
	if t.cursors > 0 {
		return engine.ErrBusy
	}
	path := dataFilePath(c.path, ident)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return engine.ErrNotFound
		}
		return err
	}
	entries, err := readSnapshot(path, c.crypto, true)
	if err != nil {
		return err
	}
	t.entries = entries
	t.dirty = true
	return t.writeSnapshot(path, ^uint64(0), c.crypto)
}

func (c *connImpl) alter(ident, cfg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[ident]
	if !ok {
		return engine.ErrNotFound
	}
	// config strings are last-setting-wins, so appending is a merge
	merged := t.config + "," + cfg
	t.config = merged
	t.logEnabled = engine.Parse(merged).Sub("log").Bool("enabled", t.logEnabled)
	c.meta.tables[ident] = merged
	return c.meta.store(c.path)
}

func (c *connImpl) metadata(ident string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conf, ok := c.meta.tables[ident]
	if !ok {
		return "", engine.ErrNotFound
	}
	return conf, nil
}

// applyWrites commits a batch of put/remove operations at the given commit
// timestamp
func (c *connImpl) applyWrites(ops []walRecord, ts uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrShutdown
	}
	for i := range ops {
		ops[i].ts = ts
		t, ok := c.tables[ops[i].ident]
		if !ok {
			return engine.ErrNotFound
		}
		switch ops[i].op {
		case walOpPut:
			t.entries[ops[i].key] = entry{value: ops[i].value, ts: ts}
		case walOpRemove:
			if _, ok := t.entries[ops[i].key]; !ok {
				return engine.ErrNotFound
			}
			delete(t.entries, ops[i].key)
		}
		t.dirty = true
		if c.wal != nil && t.logEnabled {
			if err := c.wal.append(ops[i]); err != nil {
				return err
			}
		}
	}
	if ts > c.allCommitted {
		c.allCommitted = ts
	}
	return nil
}
