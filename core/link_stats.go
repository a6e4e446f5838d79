package core

import (
	"fmt"
	"sync"
	"time"
)

// delayEMAAlpha weights the newest delivered delay in the running average.
const delayEMAAlpha = 0.1

// LinkOutcome is the fate of one ingested envelope.
type LinkOutcome string

const (
	LinkDelivered     LinkOutcome = "delivered"
	LinkDropped       LinkOutcome = "dropped"
	LinkDiscarded     LinkOutcome = "discarded"
	LinkUndeliverable LinkOutcome = "undeliverable"
)

// LinkEvent is emitted once per envelope when its outcome is known.
type LinkEvent struct {
	Seq            uint64
	Epoch          uint64
	Bytes          int
	ScheduledDelay time.Duration
	// ActualDelay is zero for dropped and discarded envelopes.
	ActualDelay time.Duration
	Outcome     LinkOutcome
}

// LinkObserver consumes per-envelope events. Implementations must be safe
// for concurrent use and must not block.
type LinkObserver interface {
	ObserveLink(LinkEvent)
}

// LinkObserverFunc adapts a function to LinkObserver.
type LinkObserverFunc func(LinkEvent)

// ObserveLink calls f(ev).
func (f LinkObserverFunc) ObserveLink(ev LinkEvent) { f(ev) }

// linkStats tracks in-memory counters for simulator activity.
type linkStats struct {
	mu sync.Mutex

	since         time.Time
	ingested      uint64
	forwarded     uint64
	dropped       uint64
	discarded     uint64
	undeliverable uint64
	totalBytes    uint64
	avgDelay      float64 // seconds, EMA over delivered envelopes
	haveDelay     bool
}

func (s *linkStats) observeIngest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingested++
}

func (s *linkStats) ObserveLink(ev LinkEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Outcome {
	case LinkDelivered:
		s.forwarded++
		s.totalBytes += uint64(ev.Bytes)
		d := ev.ActualDelay.Seconds()
		if !s.haveDelay {
			s.avgDelay, s.haveDelay = d, true
		} else {
			s.avgDelay = delayEMAAlpha*d + (1-delayEMAAlpha)*s.avgDelay
		}
	case LinkDropped:
		s.dropped++
	case LinkDiscarded:
		s.discarded++
	case LinkUndeliverable:
		s.undeliverable++
	}
}

func (s *linkStats) reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = now
	s.ingested, s.forwarded, s.dropped, s.discarded, s.undeliverable = 0, 0, 0, 0, 0
	s.totalBytes = 0
	s.avgDelay, s.haveDelay = 0, false
}

// LinkStats is a snapshot of the simulator's counters.
type LinkStats struct {
	Ingested      uint64
	Forwarded     uint64
	Dropped       uint64
	Discarded     uint64
	Undeliverable uint64
	TotalBytes    uint64
	AverageDelay  time.Duration
	// LossRate is Dropped / Ingested, or zero before the first ingest.
	LossRate float64
	Uptime   time.Duration
}

func (s *linkStats) snapshot(now time.Time) LinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := LinkStats{
		Ingested:      s.ingested,
		Forwarded:     s.forwarded,
		Dropped:       s.dropped,
		Discarded:     s.discarded,
		Undeliverable: s.undeliverable,
		TotalBytes:    s.totalBytes,
		AverageDelay:  time.Duration(s.avgDelay * float64(time.Second)),
		Uptime:        now.Sub(s.since),
	}
	if s.ingested > 0 {
		out.LossRate = float64(s.dropped) / float64(s.ingested)
	}
	return out
}

// String returns a human-readable summary.
func (s LinkStats) String() string {
	return fmt.Sprintf("link stats: ingested=%d forwarded=%d dropped=%d discarded=%d undeliverable=%d bytes=%d avg_delay=%v loss_rate=%.4f uptime=%v",
		s.Ingested,
		s.Forwarded,
		s.Dropped,
		s.Discarded,
		s.Undeliverable,
		s.TotalBytes,
		s.AverageDelay,
		s.LossRate,
		s.Uptime.Truncate(time.Second),
	)
}
