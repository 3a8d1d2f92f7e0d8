package adapter

import (
	"sync"
	"time"
)

// --------------------------------------------------------------------------
// Idle Session Sweeper
// --------------------------------------------------------------------------

// sessionSweeper periodically asks the session cache to close sessions that
// have been idle for longer than the configured threshold.
type sessionSweeper struct {
	cache    *SessionCache
	idleSecs func() int
	interval time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSessionSweeper(cache *SessionCache, interval time.Duration, idleSecs func() int) *sessionSweeper {
	return &sessionSweeper{
		cache:    cache,
		idleSecs: idleSecs,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *sessionSweeper) start() {
	go s.run()
}

func (s *sessionSweeper) run() {
	log.Debugf("starting idle session sweeper thread")
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			log.Debugf("stopping idle session sweeper thread")
			return
		case <-time.After(s.interval):
		}
		s.cache.CloseExpiredIdleSessions(int64(s.idleSecs()) * 1000)
	}
}

// shutdown wakes the sweeper early and waits for it to exit. Safe to call
// more than once; never deadlocks with an in-progress sweep because the sweep
// itself runs outside the select.
func (s *sessionSweeper) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}
