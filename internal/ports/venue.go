package ports

import (
	"context"

	"predbot/internal/domain"
)

// Venue places, cancels, and monitors orders on the execution venue, and
// settles resolved markets. All methods fail with *domain.VenueError so
// callers can distinguish transient from permanent failures.
type Venue interface {
	// SubmitOrder signs and submits an order, returning the venue order id.
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (string, error)

	// CancelOrder cancels an outstanding order by venue order id.
	CancelOrder(ctx context.Context, orderID string) error

	// OrderStatus returns the venue's current view of an order.
	OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error)

	// MarketResolution reports whether a market has resolved and to what.
	MarketResolution(ctx context.Context, marketID string) (domain.Resolution, error)

	// Redeem claims the payout of a resolved market. Redeeming an already
	// redeemed market is a recognized no-op.
	Redeem(ctx context.Context, marketID string) (domain.Redemption, error)
}

// MarketData supplies current prices and visible book depth. The engine is
// strictly pull-based: each monitoring tick fetches a fresh snapshot.
type MarketData interface {
	// Price returns the current mid price of an outcome, (0,1).
	Price(ctx context.Context, marketID, outcome string) (float64, error)

	// Depth returns the visible size (shares) available at or better than
	// the given price on the given side of the book.
	Depth(ctx context.Context, marketID, outcome string, side domain.OrderSide, price float64) (float64, error)
}
