package risk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"predbot/internal/domain"
	"predbot/internal/risk"
)

func entryProposal(size, price float64) domain.TradeProposal {
	return domain.TradeProposal{
		Kind:     domain.TradeEntry,
		AgentID:  "a1",
		MarketID: "m1",
		Outcome:  "YES",
		Side:     domain.SideLong,
		Size:     size,
		Price:    price,
	}
}

func TestGate_ApprovesWithinCaps(t *testing.T) {
	g := risk.NewGate(risk.GateConfig{GlobalCap: 100})

	d := g.Evaluate(risk.GateInput{
		Proposal: entryProposal(10, 0.50),
		Exposure: domain.ExposureSnapshot{Total: 50},
	})
	assert.Equal(t, domain.RiskApprove, d.Verdict)
	assert.InDelta(t, 10.0, d.Size, 1e-9)
}

func TestGate_ResizesToCapHeadroom(t *testing.T) {
	// Cap 100, 95 committed, 10 shares at 0.80 would cost 8. Only 5 of
	// headroom remain, so the entry shrinks to 6.25 shares.
	g := risk.NewGate(risk.GateConfig{GlobalCap: 100})

	d := g.Evaluate(risk.GateInput{
		Proposal: entryProposal(10, 0.80),
		Exposure: domain.ExposureSnapshot{Total: 95},
	})
	assert.Equal(t, domain.RiskResize, d.Verdict)
	assert.InDelta(t, 6.25, d.Size, 1e-9)
}

func TestGate_RejectsAtZeroHeadroom(t *testing.T) {
	g := risk.NewGate(risk.GateConfig{GlobalCap: 100})

	d := g.Evaluate(risk.GateInput{
		Proposal: entryProposal(10, 0.50),
		Exposure: domain.ExposureSnapshot{Total: 100},
	})
	assert.Equal(t, domain.RiskReject, d.Verdict)
	assert.False(t, d.Allowed())
}

func TestGate_AgentCapBindsBeforeGlobal(t *testing.T) {
	g := risk.NewGate(risk.GateConfig{GlobalCap: 1000, AgentCap: 50})

	d := g.Evaluate(risk.GateInput{
		Proposal: entryProposal(200, 0.50),
		Exposure: domain.ExposureSnapshot{Total: 0, ByAgent: map[string]float64{"a1": 40}},
	})
	assert.Equal(t, domain.RiskResize, d.Verdict)
	assert.InDelta(t, 20.0, d.Size, 1e-9) // 10 of agent headroom at 0.50
}

func TestGate_DepthResize(t *testing.T) {
	g := risk.NewGate(risk.GateConfig{GlobalCap: 1000})

	d := g.Evaluate(risk.GateInput{
		Proposal: entryProposal(50, 0.30),
		Exposure: domain.ExposureSnapshot{},
		Depth:    12,
	})
	assert.Equal(t, domain.RiskResize, d.Verdict)
	assert.InDelta(t, 12.0, d.Size, 1e-9)
}

func TestGate_LossStreakCutsSize(t *testing.T) {
	g := risk.NewGate(risk.GateConfig{GlobalCap: 1000, LossStreakThreshold: 3, LossStreakFactor: 0.5})

	d := g.Evaluate(risk.GateInput{
		Proposal:    entryProposal(10, 0.30),
		Exposure:    domain.ExposureSnapshot{},
		Performance: domain.AgentPerformance{ConsecutiveLosses: 3},
	})
	assert.Equal(t, domain.RiskResize, d.Verdict)
	assert.InDelta(t, 5.0, d.Size, 1e-9)

	// Below the threshold the rule stands down.
	d = g.Evaluate(risk.GateInput{
		Proposal:    entryProposal(10, 0.30),
		Exposure:    domain.ExposureSnapshot{},
		Performance: domain.AgentPerformance{ConsecutiveLosses: 2},
	})
	assert.Equal(t, domain.RiskApprove, d.Verdict)
}

func TestGate_RulesCompound(t *testing.T) {
	// Depth trims 50 to 20, then the streak halves it to 10.
	g := risk.NewGate(risk.GateConfig{GlobalCap: 1000, LossStreakThreshold: 3, LossStreakFactor: 0.5})

	d := g.Evaluate(risk.GateInput{
		Proposal:    entryProposal(50, 0.30),
		Exposure:    domain.ExposureSnapshot{},
		Depth:       20,
		Performance: domain.AgentPerformance{ConsecutiveLosses: 4},
	})
	assert.Equal(t, domain.RiskResize, d.Verdict)
	assert.InDelta(t, 10.0, d.Size, 1e-9)
	// The reason records both rules that fired, not just the last one.
	assert.Contains(t, d.Reason, "visible depth")
	assert.Contains(t, d.Reason, "losing streak")
}

func TestGate_RejectsBelowMinSize(t *testing.T) {
	g := risk.NewGate(risk.GateConfig{GlobalCap: 1000, MinSize: 5, LossStreakThreshold: 3, LossStreakFactor: 0.25})

	d := g.Evaluate(risk.GateInput{
		Proposal:    entryProposal(10, 0.30),
		Exposure:    domain.ExposureSnapshot{},
		Performance: domain.AgentPerformance{ConsecutiveLosses: 5},
	})
	assert.Equal(t, domain.RiskReject, d.Verdict)
}

func TestGate_ExitsAlwaysApprovedFullSize(t *testing.T) {
	g := risk.NewGate(risk.GateConfig{GlobalCap: 100, LossStreakThreshold: 1, LossStreakFactor: 0.1})

	p := entryProposal(10, 0.50)
	p.Kind = domain.TradeExit
	d := g.Evaluate(risk.GateInput{
		Proposal:    p,
		Exposure:    domain.ExposureSnapshot{Total: 100}, // cap fully committed
		Depth:       1,
		Performance: domain.AgentPerformance{ConsecutiveLosses: 10},
	})
	assert.Equal(t, domain.RiskApprove, d.Verdict)
	assert.InDelta(t, 10.0, d.Size, 1e-9)
}

func TestGate_Idempotent(t *testing.T) {
	g := risk.NewGate(risk.GateConfig{GlobalCap: 100, LossStreakThreshold: 3, LossStreakFactor: 0.5})

	in := risk.GateInput{
		Proposal:    entryProposal(10, 0.80),
		Exposure:    domain.ExposureSnapshot{Total: 95},
		Depth:       100,
		Performance: domain.AgentPerformance{ConsecutiveLosses: 1},
	}
	first := g.Evaluate(in)
	second := g.Evaluate(in)
	assert.Equal(t, first, second)
}
