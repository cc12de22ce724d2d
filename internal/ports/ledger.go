package ports

import (
	"context"
	"time"

	"predbot/internal/domain"
)

// Ledger is the single writer of durable position rows. Every engine
// instance reads and writes through it, never through private copies, so a
// restart can reconstruct every in-flight state machine from the ledger
// alone. State updates enforce the lifecycle transition table and are
// persisted before the engine takes the next dependent external action.
type Ledger interface {
	// InsertPending creates a new PENDING row. Returns
	// domain.ErrDuplicatePosition if a non-terminal row already exists for
	// the same (agent, market, outcome) tuple.
	InsertPending(ctx context.Context, p domain.Position) error

	// Get returns a position by id, or domain.ErrPositionNotFound.
	Get(ctx context.Context, positionID string) (domain.Position, error)

	// ResizePending shrinks a PENDING position after a risk gate resize.
	ResizePending(ctx context.Context, positionID string, size float64) error

	// MarkEntrySubmitted records the outstanding entry order and moves the
	// position to ENTRY_SUBMITTED (legal from PENDING, ENTRY_SUBMITTED and
	// ENTRY_PARTIAL re-submissions go back through PENDING).
	MarkEntrySubmitted(ctx context.Context, positionID, orderID string, price float64) error

	// MarkEntryRetry returns an unfilled entry to PENDING for repricing.
	MarkEntryRetry(ctx context.Context, positionID string) error

	// MarkEntryFill records fill progress. next must be ENTRY_PARTIAL (more
	// to fill) or OPEN (entry complete); filled/avgPrice set the position's
	// economics and clear the order linkage on OPEN.
	MarkEntryFill(ctx context.Context, positionID string, filled, avgPrice float64, next domain.State) error

	// MarkPrice persists the latest monitoring snapshot.
	MarkPrice(ctx context.Context, positionID string, price, unrealized float64) error

	// MarkExitSubmitted records the outstanding exit order.
	MarkExitSubmitted(ctx context.Context, positionID, orderID string) error

	// MarkExitRetry returns an unfilled exit to OPEN for escalation.
	MarkExitRetry(ctx context.Context, positionID string) error

	// MarkClosed finalizes a filled exit with its realized PnL.
	MarkClosed(ctx context.Context, positionID string, exitPrice, realized float64) error

	// MarkAwaitingSettlement hands an open position whose market resolved
	// over to the settlement reconciler.
	MarkAwaitingSettlement(ctx context.Context, positionID string) error

	// MarkSettled finalizes a redeemed position with its payout.
	MarkSettled(ctx context.Context, positionID string, payout float64, resolvedAt time.Time) error

	// MarkFailed moves a position to FAILED with a human-readable reason.
	MarkFailed(ctx context.Context, positionID, reason string) error

	// ListActive returns all non-terminal positions, for crash recovery.
	ListActive(ctx context.Context) ([]domain.Position, error)

	// ListByState returns all positions in the given state.
	ListByState(ctx context.Context, s domain.State) ([]domain.Position, error)

	// RecentOutcomes returns the realized PnL of the agent's most recent
	// terminal positions, newest first. Feeds the losing-streak rule.
	RecentOutcomes(ctx context.Context, agentID string, limit int) ([]float64, error)

	// AppendActivity appends one audit row. The log is append-only.
	AppendActivity(ctx context.Context, a domain.Activity) error

	// RecentActivity returns the newest audit rows, newest first.
	RecentActivity(ctx context.Context, limit int) ([]domain.Activity, error)

	// Close releases the underlying store.
	Close() error
}
