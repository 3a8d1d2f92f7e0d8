package adapter

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// --------------------------------------------------------------------------
// Statistics & Introspection
// --------------------------------------------------------------------------

// TicketStats is a snapshot of one ticket holder
type TicketStats struct {
	Out          int `json:"out"`
	Available    int `json:"available"`
	TotalTickets int `json:"totalTickets"`
}

// GlobalStats is the adapter's server-status document
type GlobalStats struct {
	ConcurrentTransactions struct {
		Write TicketStats `json:"write"`
		Read  TicketStats `json:"read"`
	} `json:"concurrentTransactions"`
	RecoveryTimestamp        uint64 `json:"recoveryTimestamp"`
	LastStableCheckpoint     uint64 `json:"lastStableCheckpoint"`
	OldestOpenReadTimestamp  uint64 `json:"oldestOpenReadTimestamp"`
	AllCommittedTimestamp    uint64 `json:"allCommittedTimestamp"`
	QueuedDrops              int    `json:"queuedDrops"`
}

// WriteTickets returns the write-transaction throttle.
func (e *KVEngine) WriteTickets() *TicketHolder {
	return e.writeTickets
}

// ReadTickets returns the read-transaction throttle.
func (e *KVEngine) ReadTickets() *TicketHolder {
	return e.readTickets
}

// AppendGlobalStats collects the adapter statistics.
func (e *KVEngine) AppendGlobalStats() GlobalStats {
	var s GlobalStats
	s.ConcurrentTransactions.Write = TicketStats{
		Out:          e.writeTickets.Used(),
		Available:    e.writeTickets.Available(),
		TotalTickets: e.writeTickets.Capacity(),
	}
	s.ConcurrentTransactions.Read = TicketStats{
		Out:          e.readTickets.Used(),
		Available:    e.readTickets.Available(),
		TotalTickets: e.readTickets.Capacity(),
	}
	s.RecoveryTimestamp = e.recoveryTimestamp
	if e.checkpointer != nil {
		s.LastStableCheckpoint = e.checkpointer.getLastStableCheckpointTimestamp()
	}
	s.OldestOpenReadTimestamp = e.GetOldestOpenReadTimestamp()
	if ts, err := e.GetAllCommittedTimestamp(); err == nil {
		s.AllCommittedTimestamp = ts
	}
	s.QueuedDrops = e.dropQueue.size()
	return s
}

// WriteMetrics writes the adapter metrics in Prometheus text format,
// together with the process-wide counters.
func (e *KVEngine) WriteMetrics(w io.Writer) {
	set := metrics.NewSet()
	set.NewGauge(`tidewater_tickets{kind="write",state="used"}`, func() float64 {
		return float64(e.writeTickets.Used())
	})
	set.NewGauge(`tidewater_tickets{kind="write",state="available"}`, func() float64 {
		return float64(e.writeTickets.Available())
	})
	set.NewGauge(`tidewater_tickets{kind="write",state="capacity"}`, func() float64 {
		return float64(e.writeTickets.Capacity())
	})
	set.NewGauge(`tidewater_tickets{kind="read",state="used"}`, func() float64 {
		return float64(e.readTickets.Used())
	})
	set.NewGauge(`tidewater_tickets{kind="read",state="available"}`, func() float64 {
		return float64(e.readTickets.Available())
	})
	set.NewGauge(`tidewater_tickets{kind="read",state="capacity"}`, func() float64 {
		return float64(e.readTickets.Capacity())
	})
	set.NewGauge("tidewater_queued_drops", func() float64 {
		return float64(e.dropQueue.size())
	})
	set.NewGauge("tidewater_recovery_timestamp", func() float64 {
		return float64(e.recoveryTimestamp)
	})
	set.WritePrometheus(w)
	metrics.WritePrometheus(w, false)
}
