package api

import (
	"sync"
	"time"

	"github.com/punchamoorthee/farepay/internal/clock"
	"github.com/punchamoorthee/farepay/internal/payment"
	"github.com/punchamoorthee/farepay/internal/topup"
)

// Registry holds the sessions the UI is currently driving, keyed by ID.
// Finished sessions are dropped once older than the retention period.
// Unfinished ones left alone for several periods are cancelled and dropped.
type Registry struct {
	mu        sync.Mutex
	fares     map[string]*payment.Session
	topups    map[string]*topup.Session
	retention time.Duration
	clock     clock.Clock
}

func NewRegistry(retention time.Duration, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		fares:     make(map[string]*payment.Session),
		topups:    make(map[string]*topup.Session),
		retention: retention,
		clock:     clk,
	}
}

func (r *Registry) PutFare(s *payment.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	r.fares[s.ID] = s
}

func (r *Registry) Fare(id string) (*payment.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.fares[id]
	return s, ok
}

func (r *Registry) PutTopUp(s *topup.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	r.topups[s.ID] = s
}

func (r *Registry) TopUp(id string) (*topup.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.topups[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fares) + len(r.topups)
}

// abandonAfter is how many retention periods an unfinished session may sit
// before it is cancelled and dropped.
const abandonAfter = 4

func (r *Registry) prune() {
	if r.retention <= 0 {
		return
	}
	now := r.clock.Now()
	cutoff := now.Add(-r.retention)
	idle := now.Add(-abandonAfter * r.retention)
	for id, s := range r.fares {
		switch {
		case s.Phase().Terminal():
			if s.CreatedAt.Before(cutoff) {
				delete(r.fares, id)
			}
		case s.CreatedAt.Before(idle):
			// A finalize in flight refuses to cancel; keep it until it ends.
			if s.Cancel() == nil {
				delete(r.fares, id)
			}
		}
	}
	for id, s := range r.topups {
		switch {
		case s.Outcome().Terminal():
			if s.StartedAt.Before(cutoff) {
				delete(r.topups, id)
			}
		case s.StartedAt.Before(idle):
			s.Cancel()
			delete(r.topups, id)
		}
	}
}
