package adapter

import (
	"encoding/json"
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// Size Storer
// --------------------------------------------------------------------------

// sizeStorerIdent is the reserved ident backing collection size metadata
const sizeStorerIdent = "sizeStorer"

// sizeInfo is the persisted per-ident record count and byte size
type sizeInfo struct {
	NumRecords int64 `json:"numRecords"`
	DataSize   int64 `json:"dataSize"`
}

// sizeStorer buffers size updates in memory and flushes them to the
// sizeStorer table on demand
type sizeStorer struct {
	cache    *SessionCache
	uri      string
	readOnly bool

	mu    sync.Mutex
	dirty map[string]sizeInfo
}

func newSizeStorer(cache *SessionCache, uri string, readOnly bool) *sizeStorer {
	return &sizeStorer{
		cache:    cache,
		uri:      uri,
		readOnly: readOnly,
		dirty:    map[string]sizeInfo{},
	}
}

// Store buffers the latest size info for an ident.
func (s *sizeStorer) Store(ident string, numRecords, dataSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[ident] = sizeInfo{NumRecords: numRecords, DataSize: dataSize}
}

// Load reads the persisted size info for an ident, preferring buffered
// updates.
func (s *sizeStorer) Load(ident string) (sizeInfo, error) {
	s.mu.Lock()
	if info, ok := s.dirty[ident]; ok {
		s.mu.Unlock()
		return info, nil
	}
	s.mu.Unlock()

	cs, err := s.cache.GetSession()
	if err != nil {
		return sizeInfo{}, err
	}
	defer s.cache.ReleaseSession(cs)

	cur, err := cs.OpenCursor(s.uri, "")
	if err != nil {
		return sizeInfo{}, WrapError(ErrCIOError, err, "cannot open size storer cursor")
	}
	defer cur.Close()

	if err := cur.Search(ident); err != nil {
		return sizeInfo{}, WrapError(ErrCNotFound, err, "no size info for "+ident)
	}
	var info sizeInfo
	if err := json.Unmarshal(cur.Value(), &info); err != nil {
		return sizeInfo{}, WrapError(ErrCIOError, err, "corrupt size info for "+ident)
	}
	return info, nil
}

// Flush writes all buffered updates to the engine. The sync flag is accepted
// for interface parity with durable flushes; the write itself is already
// synchronous.
func (s *sizeStorer) Flush(sync bool) error {
	if s.readOnly {
		return nil
	}
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	pending := s.dirty
	s.dirty = map[string]sizeInfo{}
	s.mu.Unlock()

	restore := func() {
		s.mu.Lock()
		for ident, info := range pending {
			if _, ok := s.dirty[ident]; !ok {
				s.dirty[ident] = info
			}
		}
		s.mu.Unlock()
	}

	cs, err := s.cache.GetSession()
	if err != nil {
		restore()
		return err
	}
	defer s.cache.ReleaseSession(cs)

	cur, err := cs.OpenCursor(s.uri, "")
	if err != nil {
		restore()
		return WrapError(ErrCIOError, err, "cannot open size storer cursor")
	}
	defer cur.Close()

	for ident, info := range pending {
		raw, err := json.Marshal(info)
		if err != nil {
			restore()
			return WrapError(ErrCInternalError, err, "cannot encode size info")
		}
		if err := cur.Insert(ident, raw); err != nil {
			restore()
			return WrapError(ErrCIOError, err, "cannot write size info")
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Sync Tracker
// --------------------------------------------------------------------------

// periodicTracker rate-limits best-effort size storer syncs
type periodicTracker struct {
	mu       sync.Mutex
	last     time.Time
	interval time.Duration
}

func (t *periodicTracker) intervalHasElapsed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.last) >= t.interval
}

func (t *periodicTracker) resetLastTime() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = time.Now()
}
