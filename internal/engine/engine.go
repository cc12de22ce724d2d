package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"predbot/internal/domain"
	"predbot/internal/ports"
	"predbot/internal/risk"
)

const streakLookback = 20 // terminal positions consulted when seeding streaks

// Config holds lifecycle timing and concurrency knobs.
type Config struct {
	DiscoverInterval time.Duration
	PollInterval     time.Duration
	MonitorMin       time.Duration
	MonitorMax       time.Duration
	EntryDeadline    time.Duration
	ExitDeadline     time.Duration

	MaxEntryAttempts     int
	MaxVenueRetries      int
	ResolutionCheckTicks int
	MaxConcurrent        int64

	HardStopFraction    float64 // unrealized loss / cost basis forcing an exit
	AggressiveCross     float64 // price crossing applied to taker orders
	RepriceTick         float64 // entry reprice step per attempt
	VolatilityThreshold float64 // price delta that tightens the monitor tick
}

// AgentSpec binds one agent id to its strategy and limits.
type AgentSpec struct {
	ID           string
	Strategy     ports.Strategy
	MaxPositions int
	Paused       bool
}

type agentState struct {
	spec   AgentSpec
	paused atomic.Bool
	active int // open runners, guarded by Engine.mu
}

// Engine drives every position through its lifecycle: one concurrent
// runner per active position, a discovery loop per agent, all state
// changes funneled through the ledger. A position's transitions are
// strictly sequential because exactly one runner owns it.
type Engine struct {
	cfg      Config
	ledger   ports.Ledger
	venue    ports.Venue
	data     ports.MarketData
	gate     *risk.Gate
	exposure *risk.ExposureBook
	streaks  *risk.StreakTracker

	agents map[string]*agentState
	sem    *semaphore.Weighted

	mu      sync.Mutex
	runners sync.WaitGroup
}

// New wires an engine. Agents with Paused set start paused but still get
// their in-flight positions recovered and monitored.
func New(cfg Config, ledger ports.Ledger, venue ports.Venue, data ports.MarketData,
	gate *risk.Gate, exposure *risk.ExposureBook, streaks *risk.StreakTracker,
	agents []AgentSpec) *Engine {

	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 50
	}
	if cfg.MaxEntryAttempts <= 0 {
		cfg.MaxEntryAttempts = 3
	}
	if cfg.MaxVenueRetries <= 0 {
		cfg.MaxVenueRetries = 3
	}
	if cfg.ResolutionCheckTicks <= 0 {
		cfg.ResolutionCheckTicks = 5
	}

	e := &Engine{
		cfg:      cfg,
		ledger:   ledger,
		venue:    venue,
		data:     data,
		gate:     gate,
		exposure: exposure,
		streaks:  streaks,
		agents:   make(map[string]*agentState, len(agents)),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}
	for _, spec := range agents {
		st := &agentState{spec: spec}
		st.paused.Store(spec.Paused)
		e.agents[spec.ID] = st
	}
	return e
}

// Run recovers persisted state, then runs one discovery loop per agent
// until the context is cancelled. In-flight runners are drained before
// returning.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("engine.Run: recover: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ag := range e.agents {
		ag := ag
		g.Go(func() error {
			return e.discoverLoop(ctx, ag)
		})
	}
	err := g.Wait()
	e.runners.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// PauseAgent stops new position creation for the agent immediately.
// In-flight positions keep being monitored and exited; pausing never
// abandons open risk.
func (e *Engine) PauseAgent(agentID string) {
	if ag, ok := e.agents[agentID]; ok {
		ag.paused.Store(true)
		slog.Info("engine: agent paused", "agent", agentID)
	}
}

// ResumeAgent re-enables discovery for the agent.
func (e *Engine) ResumeAgent(agentID string) {
	if ag, ok := e.agents[agentID]; ok {
		ag.paused.Store(false)
		slog.Info("engine: agent resumed", "agent", agentID)
	}
}

// recover reconstructs every in-flight state machine from the ledger:
// re-seed exposure reservations and loss streaks, then respawn one runner
// per non-terminal row, resuming at the persisted state. AWAITING_SETTLEMENT
// rows belong to the reconciler and only get their reservation back.
func (e *Engine) recover(ctx context.Context) error {
	for id := range e.agents {
		outcomes, err := e.ledger.RecentOutcomes(ctx, id, streakLookback)
		if err != nil {
			return err
		}
		e.streaks.Seed(id, outcomes)
	}

	rows, err := e.ledger.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, pos := range rows {
		if _, err := e.exposure.ReserveUpTo(pos.ID, pos.AgentID, pos.CostBasis); err != nil {
			// Persisted commitments are ground truth; caps only gate new entries.
			e.exposure.Adjust(pos.ID, pos.CostBasis)
		}
		if pos.State == domain.StateAwaitingSettlement {
			continue
		}
		e.spawn(ctx, pos)
		slog.Info("engine: recovered position", "position", pos.ID,
			"agent", pos.AgentID, "market", pos.MarketID, "state", pos.State)
	}
	if len(rows) > 0 {
		slog.Info("engine: recovery complete", "positions", len(rows))
	}
	return nil
}

// discoverLoop asks the agent's strategy for candidates on a fixed cycle.
func (e *Engine) discoverLoop(ctx context.Context, ag *agentState) error {
	ticker := time.NewTicker(e.cfg.DiscoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if ag.paused.Load() {
			continue
		}

		candidates, err := ag.spec.Strategy.Discover(ctx)
		if err != nil {
			slog.Warn("engine: discovery failed", "agent", ag.spec.ID, "err", err)
			continue
		}
		for _, c := range candidates {
			e.admit(ctx, ag, c)
		}
	}
}

// admit turns a candidate into a PENDING position and spawns its runner.
// Exposure is reserved atomically before the row exists, so two racing
// entries can never jointly exceed the cap.
func (e *Engine) admit(ctx context.Context, ag *agentState, c domain.Candidate) {
	if err := c.Validate(); err != nil {
		slog.Warn("engine: dropped candidate", "agent", ag.spec.ID,
			"market", c.MarketID, "err", err)
		return
	}

	e.mu.Lock()
	atCap := ag.spec.MaxPositions > 0 && ag.active >= ag.spec.MaxPositions
	e.mu.Unlock()
	if atCap {
		slog.Debug("engine: agent at position cap", "agent", ag.spec.ID)
		return
	}

	pos := domain.Position{
		ID:           uuid.New().String(),
		AgentID:      ag.spec.ID,
		MarketID:     c.MarketID,
		Outcome:      c.Outcome,
		Side:         c.Side,
		Size:         c.Size,
		CurrentPrice: c.Price,
		State:        domain.StatePending,
		CreatedAt:    time.Now().UTC(),
	}

	want := domain.EntryCost(c.Side, c.Size, c.Price)
	granted, err := e.exposure.ReserveUpTo(pos.ID, pos.AgentID, want)
	if err != nil {
		slog.Debug("engine: no exposure headroom", "agent", ag.spec.ID, "market", c.MarketID)
		return
	}
	pos.CostBasis = granted

	if err := e.ledger.InsertPending(ctx, pos); err != nil {
		e.exposure.Release(pos.ID)
		if errors.Is(err, domain.ErrDuplicatePosition) {
			slog.Debug("engine: already holding", "agent", ag.spec.ID,
				"market", c.MarketID, "outcome", c.Outcome)
			return
		}
		slog.Error("engine: insert failed", "err", err)
		return
	}
	e.logActivity(ctx, pos.ID, domain.ActivityTransition,
		fmt.Sprintf("created PENDING %s %s %.2f@%.3f", c.Side, c.MarketID, c.Size, c.Price))

	e.spawn(ctx, pos)
}

// spawn starts the runner goroutine that exclusively owns the position's
// transitions until it parks in a terminal state or AWAITING_SETTLEMENT.
func (e *Engine) spawn(ctx context.Context, pos domain.Position) {
	ag := e.agents[pos.AgentID]
	e.mu.Lock()
	if ag != nil {
		ag.active++
	}
	e.mu.Unlock()

	e.runners.Add(1)
	go func() {
		defer e.runners.Done()
		defer func() {
			e.mu.Lock()
			if ag != nil {
				ag.active--
			}
			e.mu.Unlock()
		}()

		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer e.sem.Release(1)

		r := &runner{e: e, pos: pos, interval: e.cfg.MonitorMin}
		r.run(ctx)
	}()
}

// logActivity appends an audit row; audit failures are logged, never fatal.
func (e *Engine) logActivity(ctx context.Context, positionID string, kind domain.ActivityKind, detail string) {
	err := e.ledger.AppendActivity(ctx, domain.Activity{
		PositionID: positionID,
		Kind:       kind,
		Detail:     detail,
		At:         time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("engine: activity log write failed", "err", err)
	}
}
