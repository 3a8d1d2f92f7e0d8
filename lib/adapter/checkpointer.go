package adapter

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/ValentinKolb/tidewater/lib/engine"
)

// --------------------------------------------------------------------------
// Checkpoint Coordinator
// --------------------------------------------------------------------------

var (
	checkpointWriteConflicts = metrics.NewCounter("tidewater_checkpoint_write_conflicts_total")
	checkpointsStable        = metrics.NewCounter(`tidewater_checkpoints_total{kind="stable"}`)
	checkpointsUnstable      = metrics.NewCounter(`tidewater_checkpoints_total{kind="unstable"}`)
	checkpointsSkipped       = metrics.NewCounter(`tidewater_checkpoints_total{kind="skipped"}`)
)

// checkpointer owns the three logical clocks and decides, once per tick,
// between taking no checkpoint, an unstable checkpoint, or a stable
// checkpoint bound to the current stable timestamp.
type checkpointer struct {
	cache           *SessionCache
	keepDataHistory bool
	delaySecs       func() int

	stableTimestamp       atomic.Uint64
	initialDataTimestamp  atomic.Uint64
	lastStableCheckpoint  atomic.Uint64

	// firstMu guards firstStableCheckpointTaken, which transitions exactly
	// once per process lifetime.
	firstMu                    sync.Mutex
	firstStableCheckpointTaken bool

	// stop and wake are distinct signals: stop ends the loop, wake forces an
	// early tick (the first stable crossing). Conflating them would lose
	// wake-ups.
	stop     chan struct{}
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newCheckpointer(cache *SessionCache, keepDataHistory bool, delaySecs func() int) *checkpointer {
	return &checkpointer{
		cache:           cache,
		keepDataHistory: keepDataHistory,
		delaySecs:       delaySecs,
		stop:            make(chan struct{}),
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
}

func (c *checkpointer) start() {
	go c.run()
}

func (c *checkpointer) run() {
	logRecovery.Debugf("starting checkpoint thread")
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			logRecovery.Debugf("stopping checkpoint thread")
			return
		case <-time.After(time.Duration(c.delaySecs()) * time.Second):
		case <-c.wake:
		}
		c.tick()
	}
}

// tick performs one checkpoint decision.
//
// Four cases:
//
// First, the initial data timestamp is the sentinel (<= 1): there is no
// consistent view of the data (initial sync), take a full checkpoint.
//
// Second, majority read concern is off: no stable timestamp is tracked, take
// a full checkpoint and pin the last-stable-checkpoint marker to infinity so
// oplog truncation is driven purely by size.
//
// Third, stable < initial data: the data on disk is prone to being rolled
// back, skip and hope stable catches up.
//
// Fourth, stable >= initial data: steady state, take a stable checkpoint.
func (c *checkpointer) tick() {
	stable := c.stableTimestamp.Load()
	initialData := c.initialDataTimestamp.Load()

	var err error
	switch {
	case initialData <= 1:
		if err = c.checkpoint(false); err == nil {
			checkpointsUnstable.Inc()
		}
	case !c.keepDataHistory:
		if err = c.checkpoint(false); err == nil {
			c.lastStableCheckpoint.Store(math.MaxUint64)
			checkpointsUnstable.Inc()
		}
	case stable < initialData:
		logRecovery.Debugf("stable timestamp %d is behind the initial data timestamp %d, skipping a checkpoint",
			stable, initialData)
		checkpointsSkipped.Inc()
	default:
		logRecovery.Debugf("performing stable checkpoint, stable timestamp: %d", stable)
		err = c.checkpoint(true)
		if err == nil {
			// publish the checkpoint time after the checkpoint is durable
			c.lastStableCheckpoint.Store(stable)
			checkpointsStable.Inc()
		}
	}

	if err == nil {
		err = c.cache.CheckpointKeystore()
	}

	switch {
	case err == nil:
	case errors.Is(err, engine.ErrRollback):
		// retried on the next tick; surfaced through the conflict counter as
		// well as the log
		checkpointWriteConflicts.Inc()
		log.Warningf("checkpoint encountered a write conflict: %v", err)
	case IsCode(err, ErrCShutdownInProgress) || errors.Is(err, engine.ErrShutdown):
		// swallowed, the loop exits via the stop channel
	default:
		log.Panicf("checkpoint failed: %v", err)
	}
}

func (c *checkpointer) checkpoint(stable bool) error {
	cs, err := c.cache.GetSession()
	if err != nil {
		return err
	}
	defer c.cache.ReleaseSession(cs)

	cfg := "use_timestamp=false"
	if stable {
		cfg = "use_timestamp=true"
	}
	return cs.Checkpoint(cfg)
}

// --------------------------------------------------------------------------
// Timestamp Cells
// --------------------------------------------------------------------------

// setStableTimestamp records the new stable timestamp and, on the first
// crossing of the initial data timestamp, wakes the loop early so the first
// stable checkpoint is not delayed by a full tick.
func (c *checkpointer) setStableTimestamp(ts uint64) {
	prev := c.stableTimestamp.Swap(ts)

	c.firstMu.Lock()
	defer c.firstMu.Unlock()
	if c.firstStableCheckpointTaken {
		return
	}
	initialData := c.initialDataTimestamp.Load()
	if prev < initialData && ts >= initialData {
		c.firstStableCheckpointTaken = true
		log.Infof("triggering the first stable checkpoint, initial data: %d, prev stable: %d, curr stable: %d",
			initialData, prev, ts)
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func (c *checkpointer) setInitialDataTimestamp(ts uint64) {
	logRecovery.Debugf("setting initial data timestamp, value: %d", ts)
	c.initialDataTimestamp.Store(ts)
}

func (c *checkpointer) getStableTimestamp() uint64 {
	return c.stableTimestamp.Load()
}

func (c *checkpointer) getInitialDataTimestamp() uint64 {
	return c.initialDataTimestamp.Load()
}

func (c *checkpointer) getLastStableCheckpointTimestamp() uint64 {
	return c.lastStableCheckpoint.Load()
}

// canRecoverToStableTimestamp reports whether a rollback to stable would
// land on consistent data. Illegal to call while the dataset is incomplete.
func (c *checkpointer) canRecoverToStableTimestamp() bool {
	initialData := c.initialDataTimestamp.Load()
	if initialData <= 1 {
		log.Panicf("canRecoverToStableTimestamp called with incomplete dataset (initial data: %d)", initialData)
	}
	return c.stableTimestamp.Load() >= initialData
}

func (c *checkpointer) shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}
