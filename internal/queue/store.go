// Package queue holds the per-service pending/processing/completed lists
// that snapshot fetches, push events and job transitions all write into.
//
// Every list is mutated through Replace, InsertIfAbsent or ApplyUpdate. Each
// service keeps an id -> status index next to its lists so that a job id can
// never occupy more than one slot across the three lists.
package queue

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/servicedesk/jobsync/internal/job"
)

type Store struct {
	mu       sync.RWMutex
	services map[string]*serviceQueues

	subsMu sync.RWMutex
	subs   map[*Subscription]struct{}

	// seq issues fetch sequence numbers for every key of every service, so
	// a number handed out before a Drop is never valid for the service
	// opened after it.
	seq atomic.Uint64

	logger *slog.Logger
}

type serviceQueues struct {
	mu         sync.Mutex
	lists      map[job.Status][]job.Job
	index      map[string]job.Status
	slots      map[job.Status]*slot
	refreshing int
	version    uint64
	// opened is the last sequence number issued before this queue set was
	// created. Results sequenced at or below it belong to a dropped set.
	opened uint64
}

// slot tracks request sequencing for one (service, status) key.
type slot struct {
	applied  uint64
	inflight int
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		services: make(map[string]*serviceQueues),
		subs:     make(map[*Subscription]struct{}),
		logger:   logger,
	}
}

func newServiceQueues(opened uint64) *serviceQueues {
	sq := &serviceQueues{
		lists:  make(map[job.Status][]job.Job, len(job.Statuses)),
		index:  make(map[string]job.Status),
		slots:  make(map[job.Status]*slot, len(job.Statuses)),
		opened: opened,
	}
	for _, st := range job.Statuses {
		sq.lists[st] = []job.Job{}
		sq.slots[st] = &slot{}
	}
	return sq
}

// Open returns the queue set for service, creating an empty one on first use.
func (s *Store) Open(service string) {
	s.queues(service)
}

func (s *Store) queues(service string) *serviceQueues {
	s.mu.RLock()
	sq, ok := s.services[service]
	s.mu.RUnlock()
	if ok {
		return sq
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sq, ok = s.services[service]; !ok {
		sq = newServiceQueues(s.seq.Load())
		s.services[service] = sq
	}
	return sq
}

func (s *Store) lookup(service string) (*serviceQueues, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sq, ok := s.services[service]
	return sq, ok
}

// Drop tears down a service's queues. Fetches still in flight for it are
// discarded when they settle.
func (s *Store) Drop(service string) {
	s.mu.Lock()
	_, ok := s.services[service]
	delete(s.services, service)
	s.mu.Unlock()
	if ok {
		s.publish(Change{Service: service, Kind: ChangeDropped})
	}
}

// Services returns the known service slugs in sorted order.
func (s *Store) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.services))
	for slug := range s.services {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Replace installs jobs as the whole content of the (service, status) list.
// seq is the value returned by BeginFetch; a result older than the last one
// applied for the key is rejected and Replace returns false. seq 0 is
// unsequenced and always applied.
//
// Installed jobs take the list's status. Ids repeated inside jobs keep their
// first occurrence, and ids found in the service's other lists are removed
// from them.
func (s *Store) Replace(service string, status job.Status, jobs []job.Job, seq uint64) bool {
	if !status.Valid() {
		return false
	}
	sq, ok := s.sequenced(service, seq)
	if !ok {
		s.logger.Debug("snapshot for dropped service discarded",
			slog.String("service", service),
			slog.String("status", string(status)),
			slog.Uint64("seq", seq),
		)
		return false
	}

	sq.mu.Lock()
	sl := sq.slots[status]
	if seq != 0 && seq < sl.applied {
		sq.mu.Unlock()
		s.logger.Debug("stale snapshot rejected",
			slog.String("service", service),
			slog.String("status", string(status)),
			slog.Uint64("seq", seq),
			slog.Uint64("applied", sl.applied),
		)
		return false
	}
	if seq > sl.applied {
		sl.applied = seq
	}

	for _, old := range sq.lists[status] {
		if sq.index[old.ID] == status {
			delete(sq.index, old.ID)
		}
	}

	next := make([]job.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.ID == "" {
			continue
		}
		if cur, ok := sq.index[j.ID]; ok {
			if cur == status {
				continue
			}
			sq.remove(cur, j.ID)
		}
		j = j.Clone()
		j.Status = status
		if j.ServiceSlug == "" {
			j.ServiceSlug = service
		}
		next = append(next, j)
		sq.index[j.ID] = status
	}
	sq.lists[status] = next
	sq.version++
	c := Change{Service: service, Status: status, Kind: ChangeReplaced, Version: sq.version}
	sq.mu.Unlock()

	s.publish(c)
	return true
}

// InsertIfAbsent prepends j to the (service, status) list unless its id is
// already present in any of the service's lists.
func (s *Store) InsertIfAbsent(service string, status job.Status, j job.Job) bool {
	if !status.Valid() || j.ID == "" {
		return false
	}
	sq := s.queues(service)

	sq.mu.Lock()
	if _, ok := sq.index[j.ID]; ok {
		sq.mu.Unlock()
		return false
	}
	j = j.Clone()
	j.Status = status
	if j.ServiceSlug == "" {
		j.ServiceSlug = service
	}
	list := sq.lists[status]
	list = append(list, job.Job{})
	copy(list[1:], list)
	list[0] = j
	sq.lists[status] = list
	sq.index[j.ID] = status
	sq.version++
	c := Change{Service: service, Status: status, Kind: ChangeInserted, JobID: j.ID, Version: sq.version}
	sq.mu.Unlock()

	s.publish(c)
	return true
}

// ApplyUpdate replaces the stored copy of j wherever it currently lives.
// If j.Status names a different list the job moves to the end of that list;
// an empty status keeps it where it is. Unknown ids are dropped and
// ApplyUpdate returns false.
func (s *Store) ApplyUpdate(service string, j job.Job) bool {
	if j.ID == "" {
		return false
	}
	sq, ok := s.lookup(service)
	if !ok {
		return false
	}

	sq.mu.Lock()
	cur, ok := sq.index[j.ID]
	if !ok {
		sq.mu.Unlock()
		return false
	}
	target := j.Status
	if !target.Valid() {
		target = cur
	}
	j = j.Clone()
	j.Status = target
	if j.ServiceSlug == "" {
		j.ServiceSlug = service
	}

	kind := ChangeUpdated
	if target == cur {
		list := sq.lists[cur]
		for i := range list {
			if list[i].ID == j.ID {
				list[i] = j
				break
			}
		}
	} else {
		sq.remove(cur, j.ID)
		sq.lists[target] = append(sq.lists[target], j)
		sq.index[j.ID] = target
		kind = ChangeMoved
	}
	sq.version++
	c := Change{Service: service, Status: target, From: cur, Kind: kind, JobID: j.ID, Version: sq.version}
	sq.mu.Unlock()

	s.publish(c)
	return true
}

// remove deletes id from the given list. Callers hold sq.mu.
func (sq *serviceQueues) remove(status job.Status, id string) {
	list := sq.lists[status]
	for i := range list {
		if list[i].ID == id {
			sq.lists[status] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	delete(sq.index, id)
}

// sequenced returns the queue set a result numbered seq belongs to. seq 0
// is unsequenced and opens the service on demand; any other number only
// matches the set that issued it.
func (s *Store) sequenced(service string, seq uint64) (*serviceQueues, bool) {
	if seq == 0 {
		return s.queues(service), true
	}
	sq, ok := s.lookup(service)
	if !ok || seq <= sq.opened {
		return nil, false
	}
	return sq, true
}

// BeginFetch marks the key as loading and returns the sequence number the
// fetch must hand to Replace and EndFetch. Numbers grow per key.
func (s *Store) BeginFetch(service string, status job.Status) uint64 {
	sq := s.queues(service)
	sq.mu.Lock()
	sl := sq.slots[status]
	seq := s.seq.Add(1)
	sl.inflight++
	sq.version++
	c := Change{Service: service, Status: status, Kind: ChangeLoading, Version: sq.version}
	sq.mu.Unlock()

	s.publish(c)
	return seq
}

// EndFetch settles the fetch numbered seq. It is a no-op when the service
// was dropped after the fetch began.
func (s *Store) EndFetch(service string, status job.Status, seq uint64) {
	if !status.Valid() {
		return
	}
	sq, ok := s.sequenced(service, seq)
	if !ok {
		return
	}
	sq.mu.Lock()
	sl := sq.slots[status]
	if sl.inflight > 0 {
		sl.inflight--
	}
	sq.version++
	c := Change{Service: service, Status: status, Kind: ChangeLoading, Version: sq.version}
	sq.mu.Unlock()

	s.publish(c)
}

// Loading reports whether any fetch for the key is in flight.
func (s *Store) Loading(service string, status job.Status) bool {
	sq, ok := s.lookup(service)
	if !ok {
		return false
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	sl, ok := sq.slots[status]
	return ok && sl.inflight > 0
}

func (s *Store) BeginRefresh(service string) {
	s.adjustRefresh(service, 1)
}

func (s *Store) EndRefresh(service string) {
	s.adjustRefresh(service, -1)
}

func (s *Store) adjustRefresh(service string, delta int) {
	var sq *serviceQueues
	if delta > 0 {
		sq = s.queues(service)
	} else if sq, _ = s.lookup(service); sq == nil {
		return
	}
	sq.mu.Lock()
	sq.refreshing += delta
	if sq.refreshing < 0 {
		sq.refreshing = 0
	}
	sq.version++
	c := Change{Service: service, Kind: ChangeRefreshing, Version: sq.version}
	sq.mu.Unlock()

	s.publish(c)
}

// Refreshing reports whether a refresh-all is in flight for service.
func (s *Store) Refreshing(service string) bool {
	sq, ok := s.lookup(service)
	if !ok {
		return false
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.refreshing > 0
}

// List returns a copy of one list.
func (s *Store) List(service string, status job.Status) []job.Job {
	sq, ok := s.lookup(service)
	if !ok {
		return []job.Job{}
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return cloneList(sq.lists[status])
}

// Locate returns the list currently holding id.
func (s *Store) Locate(service, id string) (job.Status, bool) {
	sq, ok := s.lookup(service)
	if !ok {
		return "", false
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	st, ok := sq.index[id]
	return st, ok
}

func (s *Store) Get(service, id string) (job.Job, bool) {
	sq, ok := s.lookup(service)
	if !ok {
		return job.Job{}, false
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	st, ok := sq.index[id]
	if !ok {
		return job.Job{}, false
	}
	for _, j := range sq.lists[st] {
		if j.ID == id {
			return j.Clone(), true
		}
	}
	return job.Job{}, false
}

func (s *Store) Version(service string) uint64 {
	sq, ok := s.lookup(service)
	if !ok {
		return 0
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.version
}

// Snapshot is a consistent copy of one service's queues and request state.
type Snapshot struct {
	Service    string              `json:"service"`
	Version    uint64              `json:"version"`
	Pending    []job.Job           `json:"pending"`
	Processing []job.Job           `json:"processing"`
	Completed  []job.Job           `json:"completed"`
	Loading    map[job.Status]bool `json:"loading"`
	Refreshing bool                `json:"refreshing"`
}

func (s Snapshot) List(status job.Status) []job.Job {
	switch status {
	case job.StatusPending:
		return s.Pending
	case job.StatusProcessing:
		return s.Processing
	case job.StatusCompleted:
		return s.Completed
	}
	return nil
}

func (s *Store) Snapshot(service string) Snapshot {
	snap := Snapshot{
		Service:    service,
		Pending:    []job.Job{},
		Processing: []job.Job{},
		Completed:  []job.Job{},
		Loading:    make(map[job.Status]bool, len(job.Statuses)),
	}
	for _, st := range job.Statuses {
		snap.Loading[st] = false
	}

	sq, ok := s.lookup(service)
	if !ok {
		return snap
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()

	snap.Version = sq.version
	snap.Pending = cloneList(sq.lists[job.StatusPending])
	snap.Processing = cloneList(sq.lists[job.StatusProcessing])
	snap.Completed = cloneList(sq.lists[job.StatusCompleted])
	for _, st := range job.Statuses {
		snap.Loading[st] = sq.slots[st].inflight > 0
	}
	snap.Refreshing = sq.refreshing > 0
	return snap
}

func cloneList(list []job.Job) []job.Job {
	out := make([]job.Job, len(list))
	for i, j := range list {
		out[i] = j.Clone()
	}
	return out
}
