package adapter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/tidewater/lib/engine"
)

// --------------------------------------------------------------------------
// Snapshot Manager
// --------------------------------------------------------------------------

// SnapshotManager publishes the local snapshot timestamp used to lag the
// oldest timestamp for secondary reads. Zero means no local snapshot.
type SnapshotManager struct {
	localSnapshot atomic.Uint64
}

// SetLocalSnapshot publishes the timestamp of the latest local snapshot.
func (m *SnapshotManager) SetLocalSnapshot(ts uint64) {
	m.localSnapshot.Store(ts)
}

// LocalSnapshot returns the current local snapshot timestamp (0 = none).
func (m *SnapshotManager) LocalSnapshot() uint64 {
	return m.localSnapshot.Load()
}

// --------------------------------------------------------------------------
// Cached Session
// --------------------------------------------------------------------------

// CachedSession wraps an engine session with a per-URI cache of released
// cursors. Not safe for concurrent use; one goroutine owns a session between
// GetSession and ReleaseSession.
type CachedSession struct {
	engine.Session
	cache    *SessionCache
	cursors  map[string][]engine.Cursor
	lastUsed time.Time
}

// GetCachedCursor returns a cached cursor for uri, or opens a fresh one.
func (cs *CachedSession) GetCachedCursor(uri string) (engine.Cursor, error) {
	if cached := cs.cursors[uri]; len(cached) > 0 {
		cur := cached[len(cached)-1]
		cs.cursors[uri] = cached[:len(cached)-1]
		return cur, nil
	}
	return cs.Session.OpenCursor(uri, "")
}

// ReleaseCursor returns a cursor to this session's cache.
func (cs *CachedSession) ReleaseCursor(cur engine.Cursor) {
	cs.cursors[cur.URI()] = append(cs.cursors[cur.URI()], cur)
}

// CloseAllCursors closes cached cursors for uri; the empty string closes all.
func (cs *CachedSession) CloseAllCursors(uri string) {
	if uri == "" {
		for u, cached := range cs.cursors {
			for _, cur := range cached {
				cur.Close()
			}
			delete(cs.cursors, u)
		}
		return
	}
	for _, cur := range cs.cursors[uri] {
		cur.Close()
	}
	delete(cs.cursors, uri)
}

// close tears the session and its cached cursors down
func (cs *CachedSession) close() {
	cs.CloseAllCursors("")
	cs.Session.Close()
}

// --------------------------------------------------------------------------
// Session Cache
// --------------------------------------------------------------------------

// SessionCache pools engine sessions and owns the durability entry point the
// background services call into. It also carries the snapshot manager and,
// for the checkpoint coordinator, knows how to reach the keystore through
// its owner.
type SessionCache struct {
	conn engine.Connection

	mu   sync.Mutex
	idle []*CachedSession

	shuttingDown atomic.Bool
	snapshot     SnapshotManager

	// keystoreCheckpoint is installed by the owning engine when a keystore
	// exists; the checkpoint coordinator calls it after every main-engine
	// checkpoint.
	keystoreCheckpoint func() error
	// queuedDropURIs reports the URIs currently parked in the deferred-drop
	// queue; installed by the owning engine.
	queuedDropURIs func() []string
}

// NewSessionCache creates a session cache for the given connection
func NewSessionCache(conn engine.Connection) *SessionCache {
	return &SessionCache{conn: conn}
}

// GetSession returns an idle session or opens a new one.
func (c *SessionCache) GetSession() (*CachedSession, error) {
	if c.shuttingDown.Load() {
		return nil, NewError(ErrCShutdownInProgress, "session cache is shutting down")
	}
	c.mu.Lock()
	if n := len(c.idle); n > 0 {
		cs := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return cs, nil
	}
	c.mu.Unlock()

	s, err := c.conn.OpenSession()
	if err != nil {
		return nil, WrapError(ErrCIOError, err, "cannot open engine session")
	}
	return &CachedSession{Session: s, cache: c, cursors: map[string][]engine.Cursor{}}, nil
}

// ReleaseSession returns a session to the idle pool. During shutdown the
// session is closed instead.
func (c *SessionCache) ReleaseSession(cs *CachedSession) {
	if c.shuttingDown.Load() {
		cs.close()
		return
	}
	// cursors on tables with a pending drop must not return to the cache,
	// they would keep the drop failing busy forever
	if c.queuedDropURIs != nil {
		for _, uri := range c.queuedDropURIs() {
			cs.CloseAllCursors(uri)
		}
	}
	cs.lastUsed = time.Now()
	c.mu.Lock()
	c.idle = append(c.idle, cs)
	c.mu.Unlock()
}

// CloseExpiredIdleSessions closes every pooled session idle for longer than
// idleMillis.
func (c *SessionCache) CloseExpiredIdleSessions(idleMillis int64) {
	cutoff := time.Now().Add(-time.Duration(idleMillis) * time.Millisecond)

	c.mu.Lock()
	kept := c.idle[:0]
	var expired []*CachedSession
	for _, cs := range c.idle {
		if cs.lastUsed.Before(cutoff) {
			expired = append(expired, cs)
		} else {
			kept = append(kept, cs)
		}
	}
	c.idle = kept
	c.mu.Unlock()

	for _, cs := range expired {
		cs.close()
	}
}

// CloseAllCursors closes cached cursors for uri across all pooled sessions.
func (c *SessionCache) CloseAllCursors(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cs := range c.idle {
		cs.CloseAllCursors(uri)
	}
}

// CloseCursorsForQueuedDrops closes cached cursors referring to any URI in
// the deferred-drop queue.
func (c *SessionCache) CloseCursorsForQueuedDrops() {
	if c.queuedDropURIs == nil {
		return
	}
	for _, uri := range c.queuedDropURIs() {
		c.CloseAllCursors(uri)
	}
}

// WaitUntilDurable makes committed data durable. With forceCheckpoint a
// checkpoint is taken (stable when stableCheckpoint is set), otherwise the
// journal is flushed.
func (c *SessionCache) WaitUntilDurable(forceCheckpoint, stableCheckpoint bool) error {
	if c.shuttingDown.Load() {
		return NewError(ErrCShutdownInProgress, "session cache is shutting down")
	}
	cs, err := c.GetSession()
	if err != nil {
		return err
	}
	defer c.ReleaseSession(cs)

	if forceCheckpoint {
		cfg := "use_timestamp=false"
		if stableCheckpoint {
			cfg = "use_timestamp=true"
		}
		if err := cs.Checkpoint(cfg); err != nil {
			return WrapError(ErrCIOError, err, "checkpoint failed")
		}
		return nil
	}
	if err := cs.LogFlush("sync=on"); err != nil {
		return WrapError(ErrCIOError, err, "log flush failed")
	}
	return nil
}

// SnapshotManager returns the snapshot introspection handle.
func (c *SessionCache) SnapshotManager() *SnapshotManager {
	return &c.snapshot
}

// CheckpointKeystore runs an unstable checkpoint of the keystore, when one
// exists.
func (c *SessionCache) CheckpointKeystore() error {
	if c.keystoreCheckpoint == nil {
		return nil
	}
	return c.keystoreCheckpoint()
}

// ShuttingDown flips the cache into shutdown mode and closes pooled
// sessions. Subsequent GetSession and WaitUntilDurable calls fail with
// ShutdownInProgress.
func (c *SessionCache) ShuttingDown() {
	c.shuttingDown.Store(true)

	c.mu.Lock()
	idle := c.idle
	c.idle = nil
	c.mu.Unlock()

	for _, cs := range idle {
		cs.close()
	}
}
