package rendezvous

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/saintparish4/knock/pkg/types"
)

// Registration is one datagram accepted as a pairing candidate.
type Registration struct {
	Endpoint   *types.Endpoint // Observed source, never taken from the payload
	Token      string
	ReceivedAt time.Time
}

// Cycle is a pairing cycle waiting for its second registrant.
type Cycle struct {
	ID       string
	Token    string
	First    Registration
	OpenedAt time.Time
	LastSeen time.Time
}

// Outcome describes what a registration did to the registry.
type Outcome int

const (
	// OutcomeOpened means the registrant became A of a new cycle.
	OutcomeOpened Outcome = iota
	// OutcomeDuplicate means the registrant is already A of the open cycle.
	OutcomeDuplicate
	// OutcomeClosed means the registrant became B and the cycle was removed.
	OutcomeClosed
	// OutcomeFull means the registrant would open a cycle but the registry is
	// at capacity.
	OutcomeFull
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOpened:
		return "opened"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeClosed:
		return "closed"
	case OutcomeFull:
		return "full"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// OfferResult is returned by Registry.Offer.
type OfferResult struct {
	Outcome Outcome
	Cycle   *Cycle
	Second  *Registration // Set when Outcome is OutcomeClosed
}

// Registry holds the open pairing cycles, at most one per token.
// In ordered mode every registration uses the empty token, so there is at most
// one open cycle and registrants pair strictly in arrival order.
// It uses a read-write mutex so the admin server can read while the service writes.
type Registry struct {
	pending  map[string]*Cycle // token -> open cycle
	capacity int               // 0 is unbounded
	mu       sync.RWMutex

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*Cycle),
		now:     time.Now,
	}
}

// SetCapacity bounds the number of open cycles. Registrations that would open
// a cycle beyond n are refused. Zero removes the bound.
func (r *Registry) SetCapacity(n int) {
	r.mu.Lock()
	r.capacity = n
	r.mu.Unlock()
}

// Offer adds reg to the cycle for its token, opening one if needed.
func (r *Registry) Offer(reg Registration) OfferResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if reg.ReceivedAt.IsZero() {
		reg.ReceivedAt = now
	}

	cycle, exists := r.pending[reg.Token]
	if !exists {
		if r.capacity > 0 && len(r.pending) >= r.capacity {
			return OfferResult{Outcome: OutcomeFull}
		}
		cycle = &Cycle{
			ID:       uuid.NewString(),
			Token:    reg.Token,
			First:    reg,
			OpenedAt: now,
			LastSeen: now,
		}
		r.pending[reg.Token] = cycle
		return OfferResult{Outcome: OutcomeOpened, Cycle: cycle}
	}

	if cycle.First.Endpoint.String() == reg.Endpoint.String() {
		cycle.LastSeen = now
		return OfferResult{Outcome: OutcomeDuplicate, Cycle: cycle}
	}

	delete(r.pending, reg.Token)
	return OfferResult{Outcome: OutcomeClosed, Cycle: cycle, Second: &reg}
}

// Get returns the open cycle for token. Returns nil if none.
func (r *Registry) Get(token string) *Cycle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending[token]
}

// Count returns the number of open cycles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// CleanupStale removes cycles whose registrant has not been seen within the
// timeout and returns them.
func (r *Registry) CleanupStale(timeout time.Duration) []*Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-timeout)
	var removed []*Cycle

	for token, cycle := range r.pending {
		if cycle.LastSeen.Before(cutoff) {
			delete(r.pending, token)
			removed = append(removed, cycle)
		}
	}

	return removed
}

// CycleInfo is a JSON snapshot of an open cycle.
type CycleInfo struct {
	ID         string `json:"id"`
	Token      string `json:"token,omitempty"`
	Registrant string `json:"registrant"`
	OpenedAt   int64  `json:"opened_at"` // Unix milliseconds
}

// Pending returns a snapshot of the open cycles, oldest first.
func (r *Registry) Pending() []CycleInfo {
	r.mu.RLock()
	infos := make([]CycleInfo, 0, len(r.pending))
	for _, c := range r.pending {
		infos = append(infos, CycleInfo{
			ID:         c.ID,
			Token:      c.Token,
			Registrant: c.First.Endpoint.String(),
			OpenedAt:   c.OpenedAt.UnixMilli(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].OpenedAt != infos[j].OpenedAt {
			return infos[i].OpenedAt < infos[j].OpenedAt
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}
