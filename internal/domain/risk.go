package domain

import "fmt"

// RiskVerdict is the outcome of a risk gate evaluation.
type RiskVerdict string

const (
	RiskApprove RiskVerdict = "APPROVE"
	RiskReject  RiskVerdict = "REJECT"
	RiskResize  RiskVerdict = "RESIZE"
)

// RiskDecision is the gate's answer. On RESIZE, Size carries the reduced
// size; on APPROVE it echoes the requested size. The gate never resizes up.
type RiskDecision struct {
	Verdict RiskVerdict
	Size    float64
	Reason  string
}

func (d RiskDecision) Allowed() bool {
	return d.Verdict != RiskReject
}

func (d RiskDecision) String() string {
	if d.Verdict == RiskReject {
		return fmt.Sprintf("REJECT (%s)", d.Reason)
	}
	return fmt.Sprintf("%s size=%.2f", d.Verdict, d.Size)
}

// TradeKind distinguishes entries from exits: the exposure cap only binds
// entries, exits reduce exposure.
type TradeKind int

const (
	TradeEntry TradeKind = iota
	TradeExit
)

// TradeProposal is the input a caller submits to the risk gate.
type TradeProposal struct {
	Kind     TradeKind
	AgentID  string
	MarketID string
	Outcome  string
	Side     Side
	Size     float64
	Price    float64
}

// Cost returns the capital the proposal would commit if filled in full.
func (p TradeProposal) Cost() float64 {
	return EntryCost(p.Side, p.Size, p.Price)
}

// ExposureSnapshot is a consistent view of committed capital at evaluation
// time. It is derived state, recomputed per gate call, never persisted.
type ExposureSnapshot struct {
	Total     float64
	ByAgent   map[string]float64
	GlobalCap float64
	AgentCap  float64 // 0 disables the per-agent cap
}

// AgentPerformance is the recent-results input to the gate's sizing rules.
type AgentPerformance struct {
	ConsecutiveLosses int
}
