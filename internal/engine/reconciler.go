package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"predbot/internal/domain"
	"predbot/internal/ports"
	"predbot/internal/risk"
)

// Reconciler sweeps AWAITING_SETTLEMENT positions and redeems their
// payouts. It runs independently of the lifecycle runners: a position that
// reaches AWAITING_SETTLEMENT has no runner anymore and only the
// reconciler may finish it.
type Reconciler struct {
	ledger   ports.Ledger
	venue    ports.Venue
	exposure *risk.ExposureBook
	streaks  *risk.StreakTracker

	interval  time.Duration
	warnAfter int

	misses map[string]int // position id → consecutive failed sweeps
}

func NewReconciler(ledger ports.Ledger, venue ports.Venue, exposure *risk.ExposureBook,
	streaks *risk.StreakTracker, interval time.Duration, warnAfter int) *Reconciler {

	if interval <= 0 {
		interval = time.Minute
	}
	if warnAfter <= 0 {
		warnAfter = 5
	}
	return &Reconciler{
		ledger:    ledger,
		venue:     venue,
		exposure:  exposure,
		streaks:   streaks,
		interval:  interval,
		warnAfter: warnAfter,
		misses:    make(map[string]int),
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (rc *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := rc.Sweep(ctx); err != nil {
			slog.Error("reconciler: sweep failed", "err", err)
		}
	}
}

// Sweep processes every AWAITING_SETTLEMENT position once. One position's
// failure never skips the rest; it is retried on the next sweep, with a
// warning once it has been stuck past the configured threshold.
func (rc *Reconciler) Sweep(ctx context.Context) error {
	rows, err := rc.ledger.ListByState(ctx, domain.StateAwaitingSettlement)
	if err != nil {
		return fmt.Errorf("reconciler.Sweep: list: %w", err)
	}

	for _, pos := range rows {
		if err := rc.settle(ctx, pos); err != nil {
			rc.misses[pos.ID]++
			if rc.misses[pos.ID] >= rc.warnAfter {
				slog.Warn("reconciler: position stuck in settlement",
					"position", pos.ID, "market", pos.MarketID,
					"sweeps", rc.misses[pos.ID], "err", err)
				rc.warn(ctx, pos.ID,
					fmt.Sprintf("settlement stuck for %d sweeps: %v", rc.misses[pos.ID], err))
			} else {
				slog.Debug("reconciler: settlement retry", "position", pos.ID, "err", err)
			}
			continue
		}
		delete(rc.misses, pos.ID)
	}
	return nil
}

// settle redeems one position's market and finalizes it as SETTLED. The
// payout is computed from the position itself: redemption claims the whole
// market at once and several positions can share a market, so the venue's
// redemption amount cannot be attributed to a single position.
func (rc *Reconciler) settle(ctx context.Context, pos domain.Position) error {
	res, err := rc.venue.MarketResolution(ctx, pos.MarketID)
	if err != nil {
		return fmt.Errorf("resolution: %w", err)
	}
	if !res.Resolved {
		// Awaiting settlement but the venue disagrees; keep waiting.
		return errors.New("market not resolved at venue")
	}

	red, err := rc.venue.Redeem(ctx, pos.MarketID)
	if err != nil {
		return fmt.Errorf("redeem: %w", err)
	}
	if red.AlreadyRedeemed {
		slog.Debug("reconciler: market already redeemed", "market", pos.MarketID)
	}

	payout := pos.SettlementPayout(res.WinningOutcome)
	if err := rc.ledger.MarkSettled(ctx, pos.ID, payout, res.ResolvedAt); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) {
			// Settled by a concurrent sweep; nothing left to do.
			return nil
		}
		return fmt.Errorf("mark settled: %w", err)
	}

	rc.exposure.Release(pos.ID)
	rc.streaks.Record(pos.AgentID, payout-pos.CostBasis)
	rc.logActivity(ctx, pos.ID,
		fmt.Sprintf("settled payout %.2f (cost %.2f, outcome %s)", payout, pos.CostBasis, res.WinningOutcome))
	slog.Info("reconciler: position settled", "position", pos.ID, "agent", pos.AgentID,
		"market", pos.MarketID, "payout", fmt.Sprintf("%.2f", payout))
	return nil
}

func (rc *Reconciler) logActivity(ctx context.Context, positionID, detail string) {
	rc.append(ctx, positionID, domain.ActivityTransition, detail)
}

func (rc *Reconciler) warn(ctx context.Context, positionID, detail string) {
	rc.append(ctx, positionID, domain.ActivityWarning, detail)
}

func (rc *Reconciler) append(ctx context.Context, positionID string, kind domain.ActivityKind, detail string) {
	err := rc.ledger.AppendActivity(ctx, domain.Activity{
		PositionID: positionID,
		Kind:       kind,
		Detail:     detail,
		At:         time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("reconciler: activity log write failed", "err", err)
	}
}
