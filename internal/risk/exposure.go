package risk

import (
	"sync"

	"predbot/internal/domain"
)

// ExposureBook is the single arbiter of committed capital. Every position
// reserves its cost basis here atomically at PENDING insertion time and
// releases it on CLOSED/SETTLED/FAILED, so two simultaneous entries can
// never each pass the cap check while jointly exceeding it.
type ExposureBook struct {
	mu        sync.Mutex
	globalCap float64
	agentCap  float64
	total     float64
	byAgent   map[string]float64
	reserved  map[string]reservation // position id → reservation
}

type reservation struct {
	agentID string
	amount  float64
}

// NewExposureBook creates an empty book. agentCap 0 disables the per-agent
// cap; globalCap 0 disables the global cap (dry-run only).
func NewExposureBook(globalCap, agentCap float64) *ExposureBook {
	return &ExposureBook{
		globalCap: globalCap,
		agentCap:  agentCap,
		byAgent:   make(map[string]float64),
		reserved:  make(map[string]reservation),
	}
}

// Reserve atomically commits amount for a position, failing with
// domain.ErrExposureExceeded if either cap would be crossed. Reserving
// again for the same position replaces the previous reservation.
func (b *ExposureBook) Reserve(positionID, agentID string, amount float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.reserved[positionID].amount
	newTotal := b.total - prev + amount
	newAgent := b.byAgent[agentID] - prev + amount

	if b.globalCap > 0 && newTotal > b.globalCap {
		return domain.ErrExposureExceeded
	}
	if b.agentCap > 0 && newAgent > b.agentCap {
		return domain.ErrExposureExceeded
	}

	b.total = newTotal
	b.byAgent[agentID] = newAgent
	b.reserved[positionID] = reservation{agentID: agentID, amount: amount}
	return nil
}

// ReserveUpTo grants as much of want as the caps allow, returning the
// granted amount. It fails with domain.ErrExposureExceeded only when no
// headroom is left at all; a tight cap shrinks the entry instead of
// refusing it, matching the gate's resize behavior.
func (b *ExposureBook) ReserveUpTo(positionID, agentID string, want float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.reserved[positionID].amount
	grant := want
	if b.globalCap > 0 {
		if room := b.globalCap - (b.total - prev); room < grant {
			grant = room
		}
	}
	if b.agentCap > 0 {
		if room := b.agentCap - (b.byAgent[agentID] - prev); room < grant {
			grant = room
		}
	}
	if grant <= 0 {
		return 0, domain.ErrExposureExceeded
	}

	b.total += grant - prev
	b.byAgent[agentID] += grant - prev
	b.reserved[positionID] = reservation{agentID: agentID, amount: grant}
	return grant, nil
}

// Adjust replaces a reservation with the actual committed amount (e.g. the
// real cost basis after a partial fill). It never fails: capital already
// committed at the venue cannot be refused after the fact.
func (b *ExposureBook) Adjust(positionID string, amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.reserved[positionID]
	if !ok {
		return
	}
	b.total += amount - r.amount
	b.byAgent[r.agentID] += amount - r.amount
	r.amount = amount
	b.reserved[positionID] = r
}

// Release frees a position's reservation. Releasing twice is a no-op.
func (b *ExposureBook) Release(positionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.reserved[positionID]
	if !ok {
		return
	}
	b.total -= r.amount
	b.byAgent[r.agentID] -= r.amount
	delete(b.reserved, positionID)
}

// Snapshot returns a consistent copy of current exposure for gate input.
func (b *ExposureBook) Snapshot() domain.ExposureSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	byAgent := make(map[string]float64, len(b.byAgent))
	for id, v := range b.byAgent {
		byAgent[id] = v
	}
	return domain.ExposureSnapshot{
		Total:     b.total,
		ByAgent:   byAgent,
		GlobalCap: b.globalCap,
		AgentCap:  b.agentCap,
	}
}

// SnapshotExcluding returns a snapshot with one position's own reservation
// backed out, so the gate evaluates that position against everyone else's
// exposure rather than double-counting its own.
func (b *ExposureBook) SnapshotExcluding(positionID string) domain.ExposureSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	byAgent := make(map[string]float64, len(b.byAgent))
	for id, v := range b.byAgent {
		byAgent[id] = v
	}
	snap := domain.ExposureSnapshot{
		Total:     b.total,
		ByAgent:   byAgent,
		GlobalCap: b.globalCap,
		AgentCap:  b.agentCap,
	}
	if r, ok := b.reserved[positionID]; ok {
		snap.Total -= r.amount
		snap.ByAgent[r.agentID] -= r.amount
	}
	return snap
}

// SetCaps adjusts the caps at runtime. Existing reservations are never
// evicted; a lowered cap only constrains new entries.
func (b *ExposureBook) SetCaps(globalCap, agentCap float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.globalCap = globalCap
	b.agentCap = agentCap
}
