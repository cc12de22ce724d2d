package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predbot/internal/adapters/storage"
	"predbot/internal/adapters/venue"
	"predbot/internal/domain"
	"predbot/internal/risk"
)

// seedAwaiting walks a position to AWAITING_SETTLEMENT with a 10-share fill
// at 0.30 (cost basis 3).
func seedAwaiting(t *testing.T, ctx context.Context, l *storage.SQLiteLedger, id, market, outcome string) {
	t.Helper()
	p := domain.Position{
		ID: id, AgentID: "a1", MarketID: market, Outcome: outcome,
		Side: domain.SideLong, Size: 10, CurrentPrice: 0.30,
		State: domain.StatePending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, l.InsertPending(ctx, p))
	require.NoError(t, l.MarkEntrySubmitted(ctx, id, "ord-"+id, 0.30))
	require.NoError(t, l.MarkEntryFill(ctx, id, 10, 0.30, domain.StateOpen))
	require.NoError(t, l.MarkAwaitingSettlement(ctx, id))
}

func TestReconciler_SettlesWinningPosition(t *testing.T) {
	ctx := context.Background()

	ledger, err := storage.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	sim := venue.NewSim(0, 0)
	sim.SetPrice("m1", "YES", 0.30)
	exposure := risk.NewExposureBook(100, 0)
	require.NoError(t, exposure.Reserve("p1", "a1", 3))
	streaks := risk.NewStreakTracker()

	seedAwaiting(t, ctx, ledger, "p1", "m1", "YES")
	sim.Resolve("m1", "YES")

	rc := NewReconciler(ledger, sim, exposure, streaks, time.Minute, 5)
	require.NoError(t, rc.Sweep(ctx))

	got, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSettled, got.State)
	assert.InDelta(t, 10.0, got.Payout, 1e-9) // 10 winning shares pay 1.00
	assert.InDelta(t, 7.0, got.RealizedPnL, 1e-9)
	require.NotNil(t, got.ResolvedAt)

	assert.InDelta(t, 0.0, exposure.Snapshot().Total, 1e-9, "settlement releases exposure")
	assert.Equal(t, 0, streaks.Losses("a1"))
}

func TestReconciler_LosingPositionExtendsStreak(t *testing.T) {
	ctx := context.Background()

	ledger, err := storage.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	sim := venue.NewSim(0, 0)
	sim.SetPrice("m1", "YES", 0.30)
	exposure := risk.NewExposureBook(100, 0)
	streaks := risk.NewStreakTracker()

	seedAwaiting(t, ctx, ledger, "p1", "m1", "YES")
	sim.Resolve("m1", "NO")

	rc := NewReconciler(ledger, sim, exposure, streaks, time.Minute, 5)
	require.NoError(t, rc.Sweep(ctx))

	got, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSettled, got.State)
	assert.InDelta(t, 0.0, got.Payout, 1e-9)
	assert.InDelta(t, -3.0, got.RealizedPnL, 1e-9) // full cost basis lost
	assert.Equal(t, 1, streaks.Losses("a1"))
}

func TestReconciler_SharedMarketRedeemedOnce(t *testing.T) {
	ctx := context.Background()

	ledger, err := storage.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	sim := venue.NewSim(0, 0)
	sim.SetPrice("m1", "YES", 0.30)
	sim.SetPrice("m1", "NO", 0.70)
	exposure := risk.NewExposureBook(100, 0)
	streaks := risk.NewStreakTracker()

	// Two positions on the same market; redemption claims the market once
	// and the second claim is a recognized no-op, not an error.
	seedAwaiting(t, ctx, ledger, "p1", "m1", "YES")
	p2 := domain.Position{
		ID: "p2", AgentID: "a2", MarketID: "m1", Outcome: "NO",
		Side: domain.SideLong, Size: 5, CurrentPrice: 0.70,
		State: domain.StatePending, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, ledger.InsertPending(ctx, p2))
	require.NoError(t, ledger.MarkEntrySubmitted(ctx, "p2", "ord-p2", 0.70))
	require.NoError(t, ledger.MarkEntryFill(ctx, "p2", 5, 0.70, domain.StateOpen))
	require.NoError(t, ledger.MarkAwaitingSettlement(ctx, "p2"))

	sim.Resolve("m1", "YES")

	rc := NewReconciler(ledger, sim, exposure, streaks, time.Minute, 5)
	require.NoError(t, rc.Sweep(ctx))

	p1After, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSettled, p1After.State)
	assert.InDelta(t, 10.0, p1After.Payout, 1e-9)

	p2After, err := ledger.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSettled, p2After.State)
	assert.InDelta(t, 0.0, p2After.Payout, 1e-9) // NO lost
}

func TestReconciler_UnresolvedPositionWaitsAndWarns(t *testing.T) {
	ctx := context.Background()

	ledger, err := storage.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	sim := venue.NewSim(0, 0)
	sim.SetPrice("m1", "YES", 0.30)
	exposure := risk.NewExposureBook(100, 0)
	streaks := risk.NewStreakTracker()

	seedAwaiting(t, ctx, ledger, "p1", "m1", "YES")
	// Market never resolves at the venue.

	rc := NewReconciler(ledger, sim, exposure, streaks, time.Minute, 2)
	for i := 0; i < 3; i++ {
		require.NoError(t, rc.Sweep(ctx))
	}

	got, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingSettlement, got.State, "stuck position must not change state")

	// Past the threshold the gap is surfaced in the activity log.
	acts, err := ledger.RecentActivity(ctx, 10)
	require.NoError(t, err)
	var warned bool
	for _, a := range acts {
		if a.Kind == domain.ActivityWarning {
			warned = true
		}
	}
	assert.True(t, warned, "expected a settlement gap warning after repeated misses")
}

func TestReconciler_SweepSurvivesOneBadPosition(t *testing.T) {
	ctx := context.Background()

	ledger, err := storage.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	sim := venue.NewSim(0, 0)
	sim.SetPrice("m1", "YES", 0.30)
	sim.SetPrice("m2", "YES", 0.30)
	exposure := risk.NewExposureBook(100, 0)
	streaks := risk.NewStreakTracker()

	// m1 never resolves; m2 does. The m1 failure must not block m2.
	seedAwaiting(t, ctx, ledger, "p1", "m1", "YES")
	seedAwaiting(t, ctx, ledger, "p2", "m2", "YES")
	sim.Resolve("m2", "YES")

	rc := NewReconciler(ledger, sim, exposure, streaks, time.Minute, 5)
	require.NoError(t, rc.Sweep(ctx))

	p1, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingSettlement, p1.State)

	p2, err := ledger.Get(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSettled, p2.State)
}

func TestReconciler_IdempotentAcrossSweeps(t *testing.T) {
	ctx := context.Background()

	ledger, err := storage.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	sim := venue.NewSim(0, 0)
	sim.SetPrice("m1", "YES", 0.30)
	exposure := risk.NewExposureBook(100, 0)
	streaks := risk.NewStreakTracker()

	seedAwaiting(t, ctx, ledger, "p1", "m1", "YES")
	sim.Resolve("m1", "YES")

	rc := NewReconciler(ledger, sim, exposure, streaks, time.Minute, 5)
	require.NoError(t, rc.Sweep(ctx))
	require.NoError(t, rc.Sweep(ctx)) // nothing left; must be a clean no-op

	got, err := ledger.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSettled, got.State)
	assert.Equal(t, 0, streaks.Losses("a1"))
}
