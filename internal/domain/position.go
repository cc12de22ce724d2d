package domain

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a position.
type State string

const (
	StatePending        State = "PENDING"
	StateEntrySubmitted State = "ENTRY_SUBMITTED"
	// StateEntryPartial means the entry order is partially filled and the
	// remainder is still resting in the book. It is handled like
	// ENTRY_SUBMITTED everywhere except fill accounting.
	StateEntryPartial       State = "ENTRY_PARTIAL"
	StateOpen               State = "OPEN"
	StateExitSubmitted      State = "EXIT_SUBMITTED"
	StateClosed             State = "CLOSED"
	StateAwaitingSettlement State = "AWAITING_SETTLEMENT"
	StateSettled            State = "SETTLED"
	StateFailed             State = "FAILED"
)

// transitions is the allowed transition table. A position may only move
// along these edges; the ledger refuses anything else.
var transitions = map[State][]State{
	StatePending:            {StateEntrySubmitted, StateFailed},
	StateEntrySubmitted:     {StateEntryPartial, StateOpen, StatePending, StateFailed},
	StateEntryPartial:       {StateEntryPartial, StateOpen, StatePending, StateFailed},
	StateOpen:               {StateExitSubmitted, StateAwaitingSettlement},
	StateExitSubmitted:      {StateClosed, StateOpen},
	StateAwaitingSettlement: {StateSettled},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state releases the (agent, market, outcome)
// key and any reserved exposure. CLOSED, SETTLED and FAILED all qualify.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateSettled || s == StateFailed
}

// Side of a position: LONG holds the outcome, SHORT has sold it.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Position is the central entity: one attempt by one agent to hold one
// outcome of one market. At most one non-terminal Position may exist per
// (agent, market, outcome) tuple at a time.
type Position struct {
	ID       string // immutable, generated at creation
	AgentID  string
	MarketID string
	Outcome  string

	Side          Side
	Size          float64 // shares requested
	FilledSize    float64 // shares filled on the outstanding entry order
	EntryPrice    float64 // avg fill price, (0,1)
	CostBasis     float64 // USDC committed
	CurrentPrice  float64
	UnrealizedPnL float64
	RealizedPnL   float64
	Payout        float64 // settlement payout, set on SETTLED

	State      State
	OrderID    string // at most one outstanding venue order
	FailReason string

	CreatedAt      time.Time
	StateChangedAt time.Time
	ResolvedAt     *time.Time
}

// Key identifies the uniqueness tuple for a position.
func (p Position) Key() string {
	return p.AgentID + "|" + p.MarketID + "|" + p.Outcome
}

// Active reports whether the position still holds its key and exposure.
func (p Position) Active() bool {
	return !p.State.Terminal()
}

// HoldsCapital reports whether the position's cost basis counts toward
// account exposure.
func (p Position) HoldsCapital() bool {
	switch p.State {
	case StatePending, StateEntrySubmitted, StateEntryPartial, StateOpen, StateExitSubmitted, StateAwaitingSettlement:
		return true
	}
	return false
}

// MarkPrice updates the current price and recomputes unrealized PnL.
func (p *Position) MarkPrice(price float64) {
	p.CurrentPrice = price
	size := p.FilledSize
	if size == 0 {
		size = p.Size
	}
	switch p.Side {
	case SideShort:
		p.UnrealizedPnL = (p.EntryPrice - price) * size
	default:
		p.UnrealizedPnL = (price - p.EntryPrice) * size
	}
}

// EntryCost returns the capital a fill of size shares at price commits.
// A SHORT commits the collateral backing the sold shares.
func EntryCost(side Side, size, price float64) float64 {
	if side == SideShort {
		return size * (1 - price)
	}
	return size * price
}

// RealizedOnExit computes the realized PnL of closing the full filled size
// at exitPrice.
func (p Position) RealizedOnExit(exitPrice float64) float64 {
	size := p.FilledSize
	if size == 0 {
		size = p.Size
	}
	if p.Side == SideShort {
		return (p.EntryPrice - exitPrice) * size
	}
	return (exitPrice - p.EntryPrice) * size
}

// SettlementPayout returns the payout of holding to resolution: winning
// shares redeem at 1.00, losing shares at 0. A SHORT wins when the sold
// outcome loses.
func (p Position) SettlementPayout(winningOutcome string) float64 {
	size := p.FilledSize
	if size == 0 {
		size = p.Size
	}
	won := p.Outcome == winningOutcome
	if p.Side == SideShort {
		won = !won
	}
	if won {
		return size
	}
	return 0
}

func (p Position) String() string {
	return fmt.Sprintf("%s/%s/%s %s %.2f@%.3f [%s]",
		p.AgentID, p.MarketID, p.Outcome, p.Side, p.Size, p.EntryPrice, p.State)
}
