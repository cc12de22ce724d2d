package risk

import "sync"

// StreakTracker counts consecutive realized losses per agent. It feeds the
// gate's sizing rule and is seeded from the ledger on startup.
type StreakTracker struct {
	mu     sync.Mutex
	losses map[string]int
}

func NewStreakTracker() *StreakTracker {
	return &StreakTracker{losses: make(map[string]int)}
}

// Record registers a realized result: a loss extends the streak, anything
// else resets it.
func (t *StreakTracker) Record(agentID string, realized float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if realized < 0 {
		t.losses[agentID]++
		return
	}
	t.losses[agentID] = 0
}

// Losses returns the agent's current consecutive loss count.
func (t *StreakTracker) Losses(agentID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.losses[agentID]
}

// Seed replays realized outcomes, newest first, stopping at the first
// non-loss, so the streak only counts the latest uninterrupted run.
func (t *StreakTracker) Seed(agentID string, newestFirst []float64) {
	streak := 0
	for _, pnl := range newestFirst {
		if pnl >= 0 {
			break
		}
		streak++
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.losses[agentID] = streak
}
