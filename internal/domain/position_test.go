package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"predbot/internal/domain"
)

func TestState_CanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to domain.State
		ok       bool
	}{
		{domain.StatePending, domain.StateEntrySubmitted, true},
		{domain.StatePending, domain.StateFailed, true},
		{domain.StatePending, domain.StateOpen, false},
		{domain.StateEntrySubmitted, domain.StateOpen, true},
		{domain.StateEntrySubmitted, domain.StateEntryPartial, true},
		{domain.StateEntrySubmitted, domain.StatePending, true},
		{domain.StateEntryPartial, domain.StateEntryPartial, true}, // incremental fills
		{domain.StateEntryPartial, domain.StateOpen, true},
		{domain.StateEntryPartial, domain.StateFailed, true},
		{domain.StateOpen, domain.StateExitSubmitted, true},
		{domain.StateOpen, domain.StateAwaitingSettlement, true},
		{domain.StateOpen, domain.StateFailed, false},
		{domain.StateOpen, domain.StateClosed, false},
		{domain.StateExitSubmitted, domain.StateClosed, true},
		{domain.StateExitSubmitted, domain.StateOpen, true},
		{domain.StateExitSubmitted, domain.StateFailed, false},
		{domain.StateAwaitingSettlement, domain.StateSettled, true},
		{domain.StateAwaitingSettlement, domain.StateClosed, false},
		{domain.StateClosed, domain.StateOpen, false},
		{domain.StateSettled, domain.StatePending, false},
		{domain.StateFailed, domain.StatePending, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, c.from.CanTransitionTo(c.to), "%s -> %s", c.from, c.to)
	}
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, domain.StateClosed.Terminal())
	assert.True(t, domain.StateSettled.Terminal())
	assert.True(t, domain.StateFailed.Terminal())

	assert.False(t, domain.StatePending.Terminal())
	assert.False(t, domain.StateEntrySubmitted.Terminal())
	assert.False(t, domain.StateEntryPartial.Terminal())
	assert.False(t, domain.StateOpen.Terminal())
	assert.False(t, domain.StateExitSubmitted.Terminal())
	assert.False(t, domain.StateAwaitingSettlement.Terminal())
}

func TestEntryCost(t *testing.T) {
	assert.InDelta(t, 3.0, domain.EntryCost(domain.SideLong, 10, 0.30), 1e-9)
	// A short commits the collateral backing the sold shares.
	assert.InDelta(t, 7.0, domain.EntryCost(domain.SideShort, 10, 0.30), 1e-9)
}

func TestPosition_MarkPrice(t *testing.T) {
	p := domain.Position{Side: domain.SideLong, FilledSize: 10, EntryPrice: 0.30}
	p.MarkPrice(0.45)
	assert.InDelta(t, 1.5, p.UnrealizedPnL, 1e-9)

	short := domain.Position{Side: domain.SideShort, FilledSize: 10, EntryPrice: 0.30}
	short.MarkPrice(0.45)
	assert.InDelta(t, -1.5, short.UnrealizedPnL, 1e-9)
}

func TestPosition_RealizedOnExit(t *testing.T) {
	p := domain.Position{Side: domain.SideLong, FilledSize: 20, EntryPrice: 0.40}
	assert.InDelta(t, 2.0, p.RealizedOnExit(0.50), 1e-9)
	assert.InDelta(t, -2.0, p.RealizedOnExit(0.30), 1e-9)
}

func TestPosition_SettlementPayout(t *testing.T) {
	long := domain.Position{Side: domain.SideLong, Outcome: "YES", FilledSize: 10}
	assert.InDelta(t, 10.0, long.SettlementPayout("YES"), 1e-9)
	assert.InDelta(t, 0.0, long.SettlementPayout("NO"), 1e-9)

	short := domain.Position{Side: domain.SideShort, Outcome: "YES", FilledSize: 10}
	assert.InDelta(t, 0.0, short.SettlementPayout("YES"), 1e-9)
	assert.InDelta(t, 10.0, short.SettlementPayout("NO"), 1e-9)
}

func TestCandidate_Validate(t *testing.T) {
	good := domain.Candidate{MarketID: "m1", Outcome: "YES", Side: domain.SideLong, Size: 10, Price: 0.30}
	assert.NoError(t, good.Validate())

	bad := good
	bad.Price = 1.0
	assert.Error(t, bad.Validate())

	bad = good
	bad.Size = 0
	assert.Error(t, bad.Validate())

	bad = good
	bad.MarketID = ""
	assert.Error(t, bad.Validate())

	bad = good
	bad.Side = "SIDEWAYS"
	assert.Error(t, bad.Validate())
}
