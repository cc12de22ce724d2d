package risk

import (
	"fmt"
	"strings"

	"predbot/internal/domain"
)

// GateConfig holds the gate's sizing rules. Caps are USDC cost basis;
// zero disables the corresponding rule.
type GateConfig struct {
	GlobalCap           float64
	AgentCap            float64
	LossStreakThreshold int     // consecutive losses before sizing is cut
	LossStreakFactor    float64 // multiplier applied to size when on a streak
	MinSize             float64 // shares below which a resize becomes a reject
}

// GateInput is everything a single evaluation needs. The gate reads nothing
// else: calling it twice with identical inputs yields identical decisions.
type GateInput struct {
	Proposal    domain.TradeProposal
	Exposure    domain.ExposureSnapshot
	Depth       float64 // visible shares at or better than the target price
	Performance domain.AgentPerformance
}

// Gate is the centralized approval step every entry and exit passes
// through. It is a pure evaluator: it never places orders and never
// mutates the ledger. Callers act on its decision.
type Gate struct {
	cfg GateConfig
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.LossStreakFactor <= 0 || cfg.LossStreakFactor > 1 {
		cfg.LossStreakFactor = 0.5
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = 1
	}
	return &Gate{cfg: cfg}
}

// Evaluate applies the sizing rules in order. Resizes compound, each later
// rule trims the already-trimmed size, and the decision reason names every
// rule that fired. Every rule binds entries; exits are always approved at
// full size: an exit that is downsized or rejected would strand open risk,
// and thin books are handled by the engine's aggressive-order escalation
// instead.
func (g *Gate) Evaluate(in GateInput) domain.RiskDecision {
	p := in.Proposal
	if p.Kind == domain.TradeExit {
		return domain.RiskDecision{Verdict: domain.RiskApprove, Size: p.Size, Reason: "exit"}
	}

	size := p.Size
	var reasons []string

	d, ok := g.fitToCaps(in, &size, &reasons)
	if !ok {
		return d
	}

	// Never submit larger than visible depth allows.
	if in.Depth > 0 && size > in.Depth {
		size = in.Depth
		reasons = append(reasons, fmt.Sprintf("visible depth %.2f below requested size", in.Depth))
	}

	// A losing streak cuts sizing; it never halts trading outright.
	if g.cfg.LossStreakThreshold > 0 && in.Performance.ConsecutiveLosses >= g.cfg.LossStreakThreshold {
		size *= g.cfg.LossStreakFactor
		reasons = append(reasons, fmt.Sprintf("losing streak of %d, sizing cut to %.0f%%",
			in.Performance.ConsecutiveLosses, g.cfg.LossStreakFactor*100))
	}

	if size < g.cfg.MinSize {
		return domain.RiskDecision{
			Verdict: domain.RiskReject,
			Reason:  fmt.Sprintf("resized size %.2f below minimum %.2f", size, g.cfg.MinSize),
		}
	}

	if len(reasons) > 0 {
		return domain.RiskDecision{Verdict: domain.RiskResize, Size: size, Reason: strings.Join(reasons, "; ")}
	}
	return domain.RiskDecision{Verdict: domain.RiskApprove, Size: size}
}

// fitToCaps shrinks an entry to the available exposure headroom, or rejects
// it when no headroom is left. Returns ok=false with the reject decision.
func (g *Gate) fitToCaps(in GateInput, size *float64, reasons *[]string) (domain.RiskDecision, bool) {
	p := in.Proposal
	perShare := domain.EntryCost(p.Side, 1, p.Price)
	if perShare <= 0 {
		return domain.RiskDecision{Verdict: domain.RiskReject, Reason: "zero per-share cost"}, false
	}

	headroom := -1.0
	capName := ""
	if g.cfg.GlobalCap > 0 {
		headroom = g.cfg.GlobalCap - in.Exposure.Total
		capName = "global"
	}
	if g.cfg.AgentCap > 0 {
		agentRoom := g.cfg.AgentCap - in.Exposure.ByAgent[p.AgentID]
		if headroom < 0 || agentRoom < headroom {
			headroom = agentRoom
			capName = "agent"
		}
	}
	if headroom < 0 {
		return domain.RiskDecision{}, true // no caps configured
	}

	if headroom <= 0 {
		return domain.RiskDecision{
			Verdict: domain.RiskReject,
			Reason:  fmt.Sprintf("%s exposure cap reached (%.2f committed)", capName, in.Exposure.Total),
		}, false
	}

	if *size*perShare > headroom {
		*size = headroom / perShare
		*reasons = append(*reasons, fmt.Sprintf("%s cap headroom %.2f, cost basis trimmed to fit", capName, headroom))
	}
	return domain.RiskDecision{}, true
}
