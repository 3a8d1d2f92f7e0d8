package adapter

import (
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// Journal Flusher
// --------------------------------------------------------------------------

// kDefaultJournalDelayMillis is used when journalCommitIntervalMs is unset
const kDefaultJournalDelayMillis = 100

// journalFlusher drives periodic durability calls on the engine
type journalFlusher struct {
	cache      *SessionCache
	intervalMs func() int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newJournalFlusher(cache *SessionCache, intervalMs func() int) *journalFlusher {
	return &journalFlusher{
		cache:      cache,
		intervalMs: intervalMs,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (f *journalFlusher) start() {
	go f.run()
}

func (f *journalFlusher) run() {
	log.Debugf("starting journal flusher thread")
	defer close(f.done)

	for {
		if err := f.cache.WaitUntilDurable(false, false); err != nil {
			// the session cache raises ShutdownInProgress while the engine
			// shuts down; anything else is a lost-durability bug
			if !IsCode(err, ErrCShutdownInProgress) {
				log.Panicf("journal flusher failed: %v", err)
			}
		}

		ms := f.intervalMs()
		if ms == 0 {
			ms = kDefaultJournalDelayMillis
		}

		select {
		case <-f.stop:
			log.Debugf("stopping journal flusher thread")
			return
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
	}
}

func (f *journalFlusher) shutdown() {
	f.stopOnce.Do(func() {
		close(f.stop)
	})
	<-f.done
}
