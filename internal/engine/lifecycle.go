package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"predbot/internal/domain"
	"predbot/internal/risk"
)

const fillEpsilon = 1e-9

// runner owns one position's lifecycle from PENDING to a terminal state.
// It is the only goroutine that transitions the position, which makes the
// sequence of ledger writes strictly ordered without any per-position lock.
type runner struct {
	e   *Engine
	pos domain.Position

	entryAttempts int
	gated         bool // risk gate already evaluated for this entry

	forceExit   bool // escalate the next exit aggressively
	forceReason string

	// exit fill accounting across escalations; each escalation is a fresh
	// venue order, so per-order fills are summed here.
	exitFilled   float64
	exitNotional float64

	lastPrice float64
	interval  time.Duration
	ticks     int
}

func (r *runner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		switch r.pos.State {
		case domain.StatePending:
			r.stepPending(ctx)
		case domain.StateEntrySubmitted, domain.StateEntryPartial:
			r.stepEntryWait(ctx)
		case domain.StateOpen:
			r.stepMonitor(ctx)
		case domain.StateExitSubmitted:
			r.stepExitWait(ctx)
		case domain.StateAwaitingSettlement:
			// Reconciler territory. The reservation stays until settlement.
			return
		default:
			return
		}
	}
}

// stepPending runs the risk gate once, then submits the entry order for the
// current attempt: passive at the target price, repriced one tick closer on
// the second attempt, aggressive on the last.
func (r *runner) stepPending(ctx context.Context) {
	price, err := r.e.data.Price(ctx, r.pos.MarketID, r.pos.Outcome)
	if err != nil || price <= 0 {
		price = r.pos.CurrentPrice
	}

	if !r.gated {
		if !r.runGate(ctx, price) {
			return
		}
		r.gated = true
	}

	side := domain.EntryOrderSide(r.pos.Side)
	aggressive := r.entryAttempts >= r.e.cfg.MaxEntryAttempts-1
	limit := price
	if r.entryAttempts > 0 && !aggressive {
		// Reprice toward the spread after a missed passive attempt.
		if side == domain.OrderBuy {
			limit += r.e.cfg.RepriceTick * float64(r.entryAttempts)
		} else {
			limit -= r.e.cfg.RepriceTick * float64(r.entryAttempts)
		}
	}
	if aggressive {
		if side == domain.OrderBuy {
			limit = price + r.e.cfg.AggressiveCross
		} else {
			limit = price - r.e.cfg.AggressiveCross
		}
	}
	limit = clampPrice(limit)

	orderID, err := r.submitWithRetry(ctx, domain.OrderRequest{
		MarketID:   r.pos.MarketID,
		Outcome:    r.pos.Outcome,
		Side:       side,
		Price:      limit,
		Size:       r.pos.Size - r.pos.FilledSize,
		Aggressive: aggressive,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.fail(ctx, fmt.Sprintf("entry submission failed: %v", err))
		return
	}

	if err := r.e.ledger.MarkEntrySubmitted(ctx, r.pos.ID, orderID, limit); err != nil {
		slog.Error("engine: persist entry submit failed", "position", r.pos.ID, "err", err)
		r.fail(ctx, fmt.Sprintf("ledger write failed: %v", err))
		return
	}
	r.pos.State = domain.StateEntrySubmitted
	r.pos.OrderID = orderID
	r.pos.CurrentPrice = price
	r.e.logActivity(ctx, r.pos.ID, domain.ActivityTransition,
		fmt.Sprintf("entry submitted attempt %d %s %.2f@%.3f aggressive=%t",
			r.entryAttempts+1, side, r.pos.Size-r.pos.FilledSize, limit, aggressive))
}

// runGate evaluates the risk gate for the entry and applies its decision.
// Returns false when the position is finished (rejected).
func (r *runner) runGate(ctx context.Context, price float64) bool {
	side := domain.EntryOrderSide(r.pos.Side)
	depth, err := r.e.data.Depth(ctx, r.pos.MarketID, r.pos.Outcome, side, price)
	if err != nil {
		depth = 0 // unknown book, the depth rule stands down
	}

	decision := r.e.gate.Evaluate(risk.GateInput{
		Proposal: domain.TradeProposal{
			Kind:     domain.TradeEntry,
			AgentID:  r.pos.AgentID,
			MarketID: r.pos.MarketID,
			Outcome:  r.pos.Outcome,
			Side:     r.pos.Side,
			Size:     r.pos.Size,
			Price:    price,
		},
		Exposure:    r.e.exposure.SnapshotExcluding(r.pos.ID),
		Depth:       depth,
		Performance: domain.AgentPerformance{ConsecutiveLosses: r.e.streaks.Losses(r.pos.AgentID)},
	})

	switch decision.Verdict {
	case domain.RiskReject:
		r.e.logActivity(ctx, r.pos.ID, domain.ActivityRisk, "rejected: "+decision.Reason)
		r.fail(ctx, "risk gate rejected: "+decision.Reason)
		return false
	case domain.RiskResize:
		if err := r.e.ledger.ResizePending(ctx, r.pos.ID, decision.Size); err != nil {
			slog.Error("engine: resize persist failed", "position", r.pos.ID, "err", err)
			r.fail(ctx, fmt.Sprintf("ledger write failed: %v", err))
			return false
		}
		r.pos.Size = decision.Size
		r.e.exposure.Adjust(r.pos.ID, domain.EntryCost(r.pos.Side, decision.Size, price))
		r.e.logActivity(ctx, r.pos.ID, domain.ActivityRisk,
			fmt.Sprintf("resized to %.2f: %s", decision.Size, decision.Reason))
	default:
		r.e.logActivity(ctx, r.pos.ID, domain.ActivityRisk, "approved")
	}
	return true
}

// stepEntryWait polls the outstanding entry order until it fills or the
// entry deadline passes. Partial fills are persisted as they appear; a
// deadline with a partial fill keeps what filled and opens the position.
func (r *runner) stepEntryWait(ctx context.Context) {
	deadline := time.NewTimer(r.e.cfg.EntryDeadline)
	defer deadline.Stop()
	poll := time.NewTicker(r.e.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			r.entryDeadline(ctx)
			return
		case <-poll.C:
		}

		st, err := r.e.venue.OrderStatus(ctx, r.pos.OrderID)
		if err != nil {
			if domain.IsVenuePermanent(err) {
				r.fail(ctx, fmt.Sprintf("entry order lost: %v", err))
				return
			}
			slog.Warn("engine: entry status poll failed", "position", r.pos.ID, "err", err)
			continue
		}

		switch {
		case st.Status == domain.OrderFilled:
			r.openPosition(ctx, st.FilledSize, st.AvgPrice, "entry filled")
			return
		case st.Status == domain.OrderPartiallyFilled && st.FilledSize > r.pos.FilledSize+fillEpsilon:
			if err := r.e.ledger.MarkEntryFill(ctx, r.pos.ID, st.FilledSize, st.AvgPrice, domain.StateEntryPartial); err != nil {
				slog.Error("engine: partial fill persist failed", "position", r.pos.ID, "err", err)
				continue
			}
			r.pos.State = domain.StateEntryPartial
			r.pos.FilledSize = st.FilledSize
			r.pos.EntryPrice = st.AvgPrice
			r.e.logActivity(ctx, r.pos.ID, domain.ActivityTransition,
				fmt.Sprintf("partial fill %.2f/%.2f@%.3f", st.FilledSize, r.pos.Size, st.AvgPrice))
		case st.Done():
			// Cancelled or expired behind our back; rebid or give up.
			r.entryMissed(ctx, st.FilledSize, st.AvgPrice)
			return
		}
	}
}

// entryDeadline cancels the resting entry and settles what to do with the
// attempt: accept a partial fill as the position, rebid, or fail out.
func (r *runner) entryDeadline(ctx context.Context) {
	if err := r.e.venue.CancelOrder(ctx, r.pos.OrderID); err != nil && !domain.IsVenuePermanent(err) {
		slog.Warn("engine: entry cancel failed", "position", r.pos.ID, "err", err)
	}
	st, err := r.e.venue.OrderStatus(ctx, r.pos.OrderID)
	if err != nil {
		st = domain.OrderState{FilledSize: r.pos.FilledSize, AvgPrice: r.pos.EntryPrice}
	}
	if st.FilledSize >= r.pos.Size-fillEpsilon {
		r.openPosition(ctx, st.FilledSize, st.AvgPrice, "entry filled at deadline")
		return
	}
	r.entryMissed(ctx, st.FilledSize, st.AvgPrice)
}

// entryMissed handles an entry attempt that ended without a full fill.
// Anything that did fill is kept: a partial fill becomes the open position
// rather than being flattened.
func (r *runner) entryMissed(ctx context.Context, filled, avgPrice float64) {
	if filled > fillEpsilon {
		r.openPosition(ctx, filled, avgPrice, "accepted partial fill at deadline")
		return
	}

	r.entryAttempts++
	if r.entryAttempts >= r.e.cfg.MaxEntryAttempts {
		r.fail(ctx, fmt.Sprintf("no fill after %d entry attempts", r.entryAttempts))
		return
	}
	if err := r.e.ledger.MarkEntryRetry(ctx, r.pos.ID); err != nil {
		slog.Error("engine: entry retry persist failed", "position", r.pos.ID, "err", err)
		r.fail(ctx, fmt.Sprintf("ledger write failed: %v", err))
		return
	}
	r.pos.State = domain.StatePending
	r.pos.OrderID = ""
	r.e.logActivity(ctx, r.pos.ID, domain.ActivityTransition,
		fmt.Sprintf("entry attempt %d missed, repricing", r.entryAttempts))
}

// openPosition finalizes the entry with its real economics and moves the
// position to OPEN. The exposure reservation is trued up to the actual
// cost basis.
func (r *runner) openPosition(ctx context.Context, filled, avgPrice float64, note string) {
	if avgPrice <= 0 {
		avgPrice = r.pos.CurrentPrice
	}
	if err := r.e.ledger.MarkEntryFill(ctx, r.pos.ID, filled, avgPrice, domain.StateOpen); err != nil {
		slog.Error("engine: open persist failed", "position", r.pos.ID, "err", err)
		r.fail(ctx, fmt.Sprintf("ledger write failed: %v", err))
		return
	}
	r.pos.State = domain.StateOpen
	r.pos.FilledSize = filled
	r.pos.EntryPrice = avgPrice
	r.pos.CostBasis = domain.EntryCost(r.pos.Side, filled, avgPrice)
	r.pos.OrderID = ""
	r.e.exposure.Adjust(r.pos.ID, r.pos.CostBasis)
	r.interval = r.e.cfg.MonitorMin
	r.lastPrice = avgPrice
	r.ticks = 0
	r.e.logActivity(ctx, r.pos.ID, domain.ActivityTransition,
		fmt.Sprintf("%s: %.2f@%.3f cost %.2f", note, filled, avgPrice, r.pos.CostBasis))
	slog.Info("engine: position open", "position", r.pos.ID, "agent", r.pos.AgentID,
		"market", r.pos.MarketID, "size", fmt.Sprintf("%.2f", filled),
		"entry", fmt.Sprintf("%.3f", avgPrice))
}

// stepMonitor is one monitoring tick of an open position: refresh the mark,
// check for market resolution, then decide whether to exit. The tick
// interval tightens when the price is moving and relaxes when it is calm.
func (r *runner) stepMonitor(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.interval):
	}
	r.ticks++

	price, err := r.e.data.Price(ctx, r.pos.MarketID, r.pos.Outcome)
	if err != nil || price <= 0 {
		slog.Warn("engine: price fetch failed", "position", r.pos.ID, "err", err)
		return
	}

	if r.e.cfg.VolatilityThreshold > 0 {
		if delta := abs(price - r.lastPrice); delta >= r.e.cfg.VolatilityThreshold {
			r.interval = maxDur(r.e.cfg.MonitorMin, r.interval/2)
		} else {
			r.interval = minDur(r.e.cfg.MonitorMax, r.interval*2)
		}
	}
	r.lastPrice = price

	r.pos.MarkPrice(price)
	if err := r.e.ledger.MarkPrice(ctx, r.pos.ID, price, r.pos.UnrealizedPnL); err != nil {
		slog.Warn("engine: mark persist failed", "position", r.pos.ID, "err", err)
	}

	if r.ticks%r.e.cfg.ResolutionCheckTicks == 0 {
		res, err := r.e.venue.MarketResolution(ctx, r.pos.MarketID)
		if err == nil && res.Resolved {
			if err := r.e.ledger.MarkAwaitingSettlement(ctx, r.pos.ID); err != nil {
				slog.Error("engine: awaiting settlement persist failed", "position", r.pos.ID, "err", err)
				return
			}
			r.pos.State = domain.StateAwaitingSettlement
			r.e.logActivity(ctx, r.pos.ID, domain.ActivityTransition,
				"market resolved, awaiting settlement: "+res.WinningOutcome)
			return
		}
	}

	// Hard stop overrides everything, including the strategy and the gate.
	if r.e.cfg.HardStopFraction > 0 && r.pos.CostBasis > 0 &&
		r.pos.UnrealizedPnL <= -r.e.cfg.HardStopFraction*r.pos.CostBasis {
		r.e.logActivity(ctx, r.pos.ID, domain.ActivityWarning,
			fmt.Sprintf("hard stop: unrealized %.2f on cost %.2f", r.pos.UnrealizedPnL, r.pos.CostBasis))
		r.submitExit(ctx, price, true, "hard stop")
		return
	}

	if r.forceExit {
		r.submitExit(ctx, price, true, r.forceReason)
		return
	}

	ag := r.e.agents[r.pos.AgentID]
	if ag == nil {
		return
	}
	exit, reason, err := ag.spec.Strategy.ShouldExit(ctx, r.pos, price)
	if err != nil {
		slog.Warn("engine: exit check failed", "position", r.pos.ID, "err", err)
		return
	}
	if !exit {
		return
	}

	// Exits still pass through the gate for the audit trail; the gate
	// approves them at full size unconditionally.
	decision := r.e.gate.Evaluate(risk.GateInput{
		Proposal: domain.TradeProposal{
			Kind:     domain.TradeExit,
			AgentID:  r.pos.AgentID,
			MarketID: r.pos.MarketID,
			Outcome:  r.pos.Outcome,
			Side:     r.pos.Side,
			Size:     r.remainingExit(),
			Price:    price,
		},
		Exposure: r.e.exposure.SnapshotExcluding(r.pos.ID),
	})
	r.e.logActivity(ctx, r.pos.ID, domain.ActivityRisk,
		fmt.Sprintf("exit %s: %s", decision.Verdict, reason))
	r.submitExit(ctx, price, false, reason)
}

// submitExit places the exit order for the unexited remainder. Exit
// submission failures never fail the position: the runner stays on OPEN
// and tries again next tick, escalating to aggressive pricing.
func (r *runner) submitExit(ctx context.Context, price float64, aggressive bool, reason string) {
	side := domain.ExitOrderSide(r.pos.Side)
	limit := price
	if aggressive {
		if side == domain.OrderSell {
			limit = price - r.e.cfg.AggressiveCross
		} else {
			limit = price + r.e.cfg.AggressiveCross
		}
	}
	limit = clampPrice(limit)

	orderID, err := r.submitWithRetry(ctx, domain.OrderRequest{
		MarketID:   r.pos.MarketID,
		Outcome:    r.pos.Outcome,
		Side:       side,
		Price:      limit,
		Size:       r.remainingExit(),
		Aggressive: aggressive,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("engine: exit submit failed, will retry", "position", r.pos.ID, "err", err)
		r.forceExit = true
		r.forceReason = reason
		r.interval = r.e.cfg.MonitorMin
		return
	}

	if err := r.e.ledger.MarkExitSubmitted(ctx, r.pos.ID, orderID); err != nil {
		slog.Error("engine: exit submit persist failed", "position", r.pos.ID, "err", err)
		r.forceExit = true
		r.forceReason = reason
		return
	}
	r.pos.State = domain.StateExitSubmitted
	r.pos.OrderID = orderID
	r.forceExit = false
	r.e.logActivity(ctx, r.pos.ID, domain.ActivityTransition,
		fmt.Sprintf("exit submitted %.2f@%.3f aggressive=%t (%s)", r.remainingExit(), limit, aggressive, reason))
}

// stepExitWait polls the outstanding exit order until it fills or the exit
// deadline passes. A timed-out exit goes back to OPEN and the next attempt
// is forced aggressive; exits escalate forever, they never FAIL.
func (r *runner) stepExitWait(ctx context.Context) {
	deadline := time.NewTimer(r.e.cfg.ExitDeadline)
	defer deadline.Stop()
	poll := time.NewTicker(r.e.cfg.PollInterval)
	defer poll.Stop()

	// Last fill progress observed on this order. The venue can stop
	// answering after a cancel, and shares already sold must never be
	// re-sold by the escalated order.
	var seen domain.OrderState

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			r.exitDeadline(ctx, seen)
			return
		case <-poll.C:
		}

		st, err := r.e.venue.OrderStatus(ctx, r.pos.OrderID)
		if err != nil {
			if domain.IsVenuePermanent(err) {
				r.exitBackToOpen(ctx, seen.FilledSize, seen.AvgPrice)
				return
			}
			slog.Warn("engine: exit status poll failed", "position", r.pos.ID, "err", err)
			continue
		}
		if st.FilledSize > seen.FilledSize {
			seen = st
		}
		if st.Status == domain.OrderFilled {
			r.exitFilledOrder(ctx, st)
			return
		}
		if st.Done() {
			r.exitBackToOpen(ctx, st.FilledSize, st.AvgPrice)
			return
		}
	}
}

func (r *runner) exitDeadline(ctx context.Context, seen domain.OrderState) {
	if err := r.e.venue.CancelOrder(ctx, r.pos.OrderID); err != nil && !domain.IsVenuePermanent(err) {
		slog.Warn("engine: exit cancel failed", "position", r.pos.ID, "err", err)
	}
	st, err := r.e.venue.OrderStatus(ctx, r.pos.OrderID)
	if err != nil || st.FilledSize < seen.FilledSize {
		// Unreachable or stale venue answer; trust what the polls saw.
		st = seen
	}
	if st.FilledSize >= r.remainingExit()-fillEpsilon {
		r.exitFilledOrder(ctx, st)
		return
	}
	r.exitBackToOpen(ctx, st.FilledSize, st.AvgPrice)
}

// exitFilledOrder books the final exit fill and closes the position.
func (r *runner) exitFilledOrder(ctx context.Context, st domain.OrderState) {
	r.accumulateExit(st)
	avg := r.pos.CurrentPrice
	if r.exitFilled > fillEpsilon {
		avg = r.exitNotional / r.exitFilled
	}
	realized := r.pos.RealizedOnExit(avg)

	if err := r.e.ledger.MarkClosed(ctx, r.pos.ID, avg, realized); err != nil {
		slog.Error("engine: close persist failed", "position", r.pos.ID, "err", err)
		return
	}
	r.pos.State = domain.StateClosed
	r.e.streaks.Record(r.pos.AgentID, realized)
	r.e.exposure.Release(r.pos.ID)
	r.e.logActivity(ctx, r.pos.ID, domain.ActivityTransition,
		fmt.Sprintf("closed %.2f@%.3f realized %.2f", r.exitFilled, avg, realized))
	slog.Info("engine: position closed", "position", r.pos.ID, "agent", r.pos.AgentID,
		"market", r.pos.MarketID, "realized", fmt.Sprintf("%.2f", realized))
}

// exitBackToOpen returns a missed exit to OPEN with the next attempt forced
// aggressive. Whatever did fill is kept in the exit accumulators.
func (r *runner) exitBackToOpen(ctx context.Context, filled, avgPrice float64) {
	r.accumulateExit(domain.OrderState{FilledSize: filled, AvgPrice: avgPrice})
	if err := r.e.ledger.MarkExitRetry(ctx, r.pos.ID); err != nil {
		slog.Error("engine: exit retry persist failed", "position", r.pos.ID, "err", err)
	}
	r.pos.State = domain.StateOpen
	r.pos.OrderID = ""
	r.forceExit = true
	if r.forceReason == "" {
		r.forceReason = "exit escalation"
	}
	r.interval = r.e.cfg.MonitorMin
	r.e.logActivity(ctx, r.pos.ID, domain.ActivityTransition, "exit missed, escalating aggressively")
}

func (r *runner) accumulateExit(st domain.OrderState) {
	if st.FilledSize > fillEpsilon {
		r.exitFilled += st.FilledSize
		r.exitNotional += st.FilledSize * st.AvgPrice
	}
}

// remainingExit is the filled entry size not yet exited.
func (r *runner) remainingExit() float64 {
	size := r.pos.FilledSize
	if size == 0 {
		size = r.pos.Size
	}
	rem := size - r.exitFilled
	if rem < 0 {
		return 0
	}
	return rem
}

// fail moves the position to FAILED and releases its reservation. Only
// entries ever come here; open positions always exit instead.
func (r *runner) fail(ctx context.Context, reason string) {
	if err := r.e.ledger.MarkFailed(ctx, r.pos.ID, reason); err != nil {
		slog.Error("engine: fail persist failed", "position", r.pos.ID, "err", err)
	}
	r.pos.State = domain.StateFailed
	r.e.exposure.Release(r.pos.ID)
	r.e.logActivity(ctx, r.pos.ID, domain.ActivityTransition, "failed: "+reason)
	slog.Warn("engine: position failed", "position", r.pos.ID, "agent", r.pos.AgentID,
		"market", r.pos.MarketID, "reason", reason)
}

// submitWithRetry submits an order, backing off and retrying transient
// venue errors up to the configured budget. Permanent errors return
// immediately.
func (r *runner) submitWithRetry(ctx context.Context, req domain.OrderRequest) (string, error) {
	wait := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < r.e.cfg.MaxVenueRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		id, err := r.e.venue.SubmitOrder(ctx, req)
		if err == nil {
			return id, nil
		}
		if domain.IsVenuePermanent(err) {
			return "", err
		}
		lastErr = err
		slog.Warn("engine: order submit retry", "position", r.pos.ID,
			"attempt", attempt+1, "err", err)
	}
	return "", fmt.Errorf("engine: submit retries exhausted: %w", lastErr)
}

func clampPrice(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxDur(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
