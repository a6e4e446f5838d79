package core

import (
	"sort"
	"time"
)

// releaseQueue holds envelopes ordered by (ScheduledReleaseAt, Seq).
// Envelopes sharing a release time leave in ingest order. Not safe for
// concurrent use; the simulator guards it with its mutex.
type releaseQueue struct {
	items []*Envelope
}

func (q *releaseQueue) Len() int { return len(q.items) }

// push inserts env using binary search on the release order.
func (q *releaseQueue) push(env *Envelope) {
	idx := sort.Search(len(q.items), func(i int) bool {
		return releasesAfter(q.items[i], env)
	})
	q.items = append(q.items, nil)
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = env
}

// next returns the earliest release time, if any.
func (q *releaseQueue) next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].ScheduledReleaseAt, true
}

// popDue removes and returns every envelope released at or before now.
func (q *releaseQueue) popDue(now time.Time) []*Envelope {
	n := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].ScheduledReleaseAt.After(now)
	})
	if n == 0 {
		return nil
	}
	due := make([]*Envelope, n)
	copy(due, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return due
}

// drain empties the queue and returns what it held.
func (q *releaseQueue) drain() []*Envelope {
	out := q.items
	q.items = nil
	return out
}

func releasesAfter(a, b *Envelope) bool {
	if !a.ScheduledReleaseAt.Equal(b.ScheduledReleaseAt) {
		return a.ScheduledReleaseAt.After(b.ScheduledReleaseAt)
	}
	return a.Seq > b.Seq
}
