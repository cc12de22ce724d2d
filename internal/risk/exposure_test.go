package risk_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"predbot/internal/domain"
	"predbot/internal/risk"
)

func TestExposureBook_ReserveAndRelease(t *testing.T) {
	b := risk.NewExposureBook(100, 0)

	require.NoError(t, b.Reserve("p1", "a1", 60))
	require.NoError(t, b.Reserve("p2", "a2", 40))
	assert.ErrorIs(t, b.Reserve("p3", "a1", 1), domain.ErrExposureExceeded)

	b.Release("p1")
	require.NoError(t, b.Reserve("p3", "a1", 60))

	// Releasing twice is a no-op.
	b.Release("p1")
	assert.InDelta(t, 100.0, b.Snapshot().Total, 1e-9)
}

func TestExposureBook_AgentCap(t *testing.T) {
	b := risk.NewExposureBook(1000, 50)

	require.NoError(t, b.Reserve("p1", "a1", 50))
	assert.ErrorIs(t, b.Reserve("p2", "a1", 1), domain.ErrExposureExceeded)
	require.NoError(t, b.Reserve("p3", "a2", 50))
}

func TestExposureBook_ReserveUpTo(t *testing.T) {
	b := risk.NewExposureBook(100, 0)

	granted, err := b.ReserveUpTo("p1", "a1", 80)
	require.NoError(t, err)
	assert.InDelta(t, 80.0, granted, 1e-9)

	// Only 20 of headroom left; the grant shrinks.
	granted, err = b.ReserveUpTo("p2", "a1", 50)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, granted, 1e-9)

	// No headroom at all.
	_, err = b.ReserveUpTo("p3", "a1", 10)
	assert.ErrorIs(t, err, domain.ErrExposureExceeded)
}

func TestExposureBook_Adjust(t *testing.T) {
	b := risk.NewExposureBook(100, 0)

	require.NoError(t, b.Reserve("p1", "a1", 50))
	b.Adjust("p1", 30)
	assert.InDelta(t, 30.0, b.Snapshot().Total, 1e-9)

	// Adjust can exceed the cap: filled capital is ground truth.
	b.Adjust("p1", 120)
	assert.InDelta(t, 120.0, b.Snapshot().Total, 1e-9)

	// Adjusting an unknown position does nothing.
	b.Adjust("nope", 10)
	assert.InDelta(t, 120.0, b.Snapshot().Total, 1e-9)
}

func TestExposureBook_SnapshotExcluding(t *testing.T) {
	b := risk.NewExposureBook(100, 0)

	require.NoError(t, b.Reserve("p1", "a1", 40))
	require.NoError(t, b.Reserve("p2", "a1", 30))

	snap := b.SnapshotExcluding("p1")
	assert.InDelta(t, 30.0, snap.Total, 1e-9)
	assert.InDelta(t, 30.0, snap.ByAgent["a1"], 1e-9)

	full := b.Snapshot()
	assert.InDelta(t, 70.0, full.Total, 1e-9)
}

func TestExposureBook_SetCapsConstrainsOnlyNewEntries(t *testing.T) {
	b := risk.NewExposureBook(100, 0)

	require.NoError(t, b.Reserve("p1", "a1", 80))

	// Lowering the cap never evicts existing reservations.
	b.SetCaps(50, 0)
	assert.InDelta(t, 80.0, b.Snapshot().Total, 1e-9)

	_, err := b.ReserveUpTo("p2", "a1", 10)
	assert.ErrorIs(t, err, domain.ErrExposureExceeded)

	// Raising it opens headroom again.
	b.SetCaps(200, 0)
	granted, err := b.ReserveUpTo("p2", "a1", 10)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, granted, 1e-9)
}

func TestExposureBook_ConcurrentReserveNeverExceedsCap(t *testing.T) {
	b := risk.NewExposureBook(100, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = b.Reserve(fmt.Sprintf("p%d", n), "a1", 10)
		}(i)
	}
	wg.Wait()

	snap := b.Snapshot()
	assert.LessOrEqual(t, snap.Total, 100.0+1e-9)
	assert.InDelta(t, 100.0, snap.Total, 1e-9) // exactly 10 of the 50 won
}

func TestStreakTracker(t *testing.T) {
	s := risk.NewStreakTracker()

	s.Record("a1", -1)
	s.Record("a1", -2)
	assert.Equal(t, 2, s.Losses("a1"))

	s.Record("a1", 5)
	assert.Equal(t, 0, s.Losses("a1"))

	// Seeding counts the newest uninterrupted run of losses only.
	s.Seed("a2", []float64{-1, -3, 2, -4})
	assert.Equal(t, 2, s.Losses("a2"))

	s.Seed("a3", []float64{3, -1})
	assert.Equal(t, 0, s.Losses("a3"))
}
