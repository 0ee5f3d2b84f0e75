package action

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ClaimKind string

const (
	ClaimTake     ClaimKind = "take"
	ClaimComplete ClaimKind = "complete"
)

// Claim marks a job with a transition call in flight. It lives exactly as
// long as that call.
type Claim struct {
	Token   string    `json:"token"`
	Service string    `json:"service"`
	JobID   string    `json:"job_id"`
	Kind    ClaimKind `json:"kind"`
	Started time.Time `json:"started"`
}

type ClaimStats struct {
	Active     int `json:"active"`
	Taking     int `json:"taking"`
	Completing int `json:"completing"`
}

type claimKey struct {
	service, id string
}

type claimBook struct {
	mu     sync.RWMutex
	claims map[claimKey]Claim
}

func newClaimBook() *claimBook {
	return &claimBook{claims: make(map[claimKey]Claim)}
}

// acquire records a claim on the job unless one is already held.
func (b *claimBook) acquire(service, id string, kind ClaimKind) (Claim, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := claimKey{service, id}
	if _, held := b.claims[key]; held {
		return Claim{}, false
	}
	c := Claim{
		Token:   uuid.New().String(),
		Service: service,
		JobID:   id,
		Kind:    kind,
		Started: time.Now(),
	}
	b.claims[key] = c
	return c, true
}

// release drops c if it is still the claim on record.
func (b *claimBook) release(c Claim) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := claimKey{c.Service, c.JobID}
	if cur, ok := b.claims[key]; ok && cur.Token == c.Token {
		delete(b.claims, key)
	}
}

func (b *claimBook) held(service, id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.claims[claimKey{service, id}]
	return ok
}

// list returns the claims of service, oldest first. An empty service lists
// every claim.
func (b *claimBook) list(service string) []Claim {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Claim, 0, len(b.claims))
	for _, c := range b.claims {
		if service == "" || c.Service == service {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (b *claimBook) stats() ClaimStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var s ClaimStats
	for _, c := range b.claims {
		switch c.Kind {
		case ClaimTake:
			s.Taking++
		case ClaimComplete:
			s.Completing++
		}
	}
	s.Active = len(b.claims)
	return s
}
