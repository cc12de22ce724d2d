package domain

import "time"

// OrderStatus mirrors the venue's view of an order. The venue owns order
// state; we only read it.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// OrderSide is the venue-level direction of an order.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

// EntryOrderSide maps a position side to the venue order that opens it.
func EntryOrderSide(s Side) OrderSide {
	if s == SideShort {
		return OrderSell
	}
	return OrderBuy
}

// ExitOrderSide maps a position side to the venue order that closes it.
func ExitOrderSide(s Side) OrderSide {
	if s == SideShort {
		return OrderBuy
	}
	return OrderSell
}

// OrderRequest is what we send to the venue.
type OrderRequest struct {
	MarketID   string
	Outcome    string
	Side       OrderSide
	Price      float64 // (0,1)
	Size       float64 // shares
	Aggressive bool    // price-crossing taker order
}

// OrderState is the venue's report on an outstanding order.
type OrderState struct {
	OrderID    string
	Status     OrderStatus
	FilledSize float64
	AvgPrice   float64
}

// Done reports whether the order can no longer fill further.
func (o OrderState) Done() bool {
	return o.Status == OrderFilled || o.Status == OrderCancelled || o.Status == OrderExpired
}

// Resolution is the venue's answer to a market resolution query.
type Resolution struct {
	Resolved       bool
	WinningOutcome string
	ResolvedAt     time.Time
}

// Redemption is the venue's answer to a redeem call. AlreadyRedeemed means
// the claim was a recognized no-op, not an error.
type Redemption struct {
	MarketID        string
	Amount          float64
	AlreadyRedeemed bool
}
