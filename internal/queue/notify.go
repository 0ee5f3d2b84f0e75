package queue

import (
	"sync"
	"sync/atomic"

	"github.com/servicedesk/jobsync/internal/job"
)

type ChangeKind string

const (
	ChangeReplaced   ChangeKind = "replaced"
	ChangeInserted   ChangeKind = "inserted"
	ChangeUpdated    ChangeKind = "updated"
	ChangeMoved      ChangeKind = "moved"
	ChangeLoading    ChangeKind = "loading"
	ChangeRefreshing ChangeKind = "refreshing"
	ChangeDropped    ChangeKind = "dropped"
)

// Change describes one mutation of a service's queues. Version is the
// service's version after the mutation; consumers that miss notifications
// re-read the Snapshot and compare versions.
type Change struct {
	Service string     `json:"service"`
	Kind    ChangeKind `json:"kind"`
	Status  job.Status `json:"status,omitempty"`
	From    job.Status `json:"from,omitempty"`
	JobID   string     `json:"job_id,omitempty"`
	Version uint64     `json:"version"`
}

// Subscription receives Changes on a buffered channel. Delivery never blocks
// the store: when the buffer is full the change is dropped and counted.
type Subscription struct {
	store   *Store
	ch      chan Change
	dropped atomic.Int64
	once    sync.Once
}

// DefaultBuffer is the channel size used when Subscribe gets a non-positive size.
const DefaultBuffer = 64

func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{store: s, ch: make(chan Change, buffer)}

	s.subsMu.Lock()
	s.subs[sub] = struct{}{}
	s.subsMu.Unlock()
	return sub
}

func (sub *Subscription) C() <-chan Change { return sub.ch }

// Dropped returns how many changes were discarded because the buffer was full.
func (sub *Subscription) Dropped() int64 { return sub.dropped.Load() }

// Close unregisters the subscription and closes its channel. Safe to call
// more than once.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.store.subsMu.Lock()
		delete(sub.store.subs, sub)
		sub.store.subsMu.Unlock()
		close(sub.ch)
	})
}

func (s *Store) publish(c Change) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	for sub := range s.subs {
		select {
		case sub.ch <- c:
		default:
			sub.dropped.Add(1)
		}
	}
}
