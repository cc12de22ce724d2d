package venue

// sim.go: in-process venue simulator for dry-run mode.
//
// No real capital moves: aggressive orders fill immediately at their limit
// price, passive orders fill once they have rested for passiveFillAfter.
// Redemption is idempotent the way a real venue's is: the second claim on
// a market reports already_redeemed instead of paying again.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"predbot/internal/domain"
)

// Sim implements ports.Venue and ports.MarketData against in-memory state.
type Sim struct {
	mu               sync.Mutex
	passiveFillAfter time.Duration
	defaultDepth     float64
	seq              int

	prices      map[string]float64 // market|outcome → mid price
	depths      map[string]float64 // market|outcome → visible size
	orders      map[string]*simOrder
	resolutions map[string]domain.Resolution
	redeemed    map[string]float64 // market → amount paid on first claim
	holdings    map[string]float64 // market|outcome → net shares from fills
}

type simOrder struct {
	req      domain.OrderRequest
	placedAt time.Time
	state    domain.OrderState
}

// NewSim creates a simulator. Passive orders fill after passiveFillAfter;
// zero means immediately.
func NewSim(passiveFillAfter time.Duration, defaultDepth float64) *Sim {
	if defaultDepth <= 0 {
		defaultDepth = 1000
	}
	return &Sim{
		passiveFillAfter: passiveFillAfter,
		defaultDepth:     defaultDepth,
		prices:           make(map[string]float64),
		depths:           make(map[string]float64),
		orders:           make(map[string]*simOrder),
		resolutions:      make(map[string]domain.Resolution),
		redeemed:         make(map[string]float64),
		holdings:         make(map[string]float64),
	}
}

func quoteKey(marketID, outcome string) string { return marketID + "|" + outcome }

// SetPrice sets the simulated mid price of an outcome.
func (s *Sim) SetPrice(marketID, outcome string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[quoteKey(marketID, outcome)] = price
}

// SetDepth overrides the visible depth of an outcome.
func (s *Sim) SetDepth(marketID, outcome string, size float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depths[quoteKey(marketID, outcome)] = size
}

// Resolve marks a market resolved with the given winning outcome.
func (s *Sim) Resolve(marketID, winningOutcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions[marketID] = domain.Resolution{
		Resolved:       true,
		WinningOutcome: winningOutcome,
		ResolvedAt:     time.Now().UTC(),
	}
}

// SubmitOrder accepts any order against a known outcome.
func (s *Sim) SubmitOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prices[quoteKey(req.MarketID, req.Outcome)]; !ok {
		return "", &domain.VenueError{Kind: domain.VenuePermanent, Op: "submit order",
			Err: fmt.Errorf("unknown market %s/%s", req.MarketID, req.Outcome)}
	}
	if res, ok := s.resolutions[req.MarketID]; ok && res.Resolved {
		return "", &domain.VenueError{Kind: domain.VenuePermanent, Op: "submit order",
			Err: fmt.Errorf("market %s already resolved", req.MarketID)}
	}

	s.seq++
	id := fmt.Sprintf("sim-%d", s.seq)
	o := &simOrder{
		req:      req,
		placedAt: time.Now(),
		state:    domain.OrderState{OrderID: id, Status: domain.OrderOpen},
	}
	s.orders[id] = o
	if req.Aggressive {
		s.fill(o)
	}
	slog.Debug("sim: order accepted", "order", id, "market", req.MarketID,
		"side", req.Side, "price", fmt.Sprintf("%.3f", req.Price), "aggressive", req.Aggressive)
	return id, nil
}

// CancelOrder cancels a resting order; filled orders stay filled.
func (s *Sim) CancelOrder(ctx context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return &domain.VenueError{Kind: domain.VenuePermanent, Op: "cancel order",
			Err: fmt.Errorf("unknown order %s", orderID)}
	}
	s.age(o)
	if !o.state.Done() {
		o.state.Status = domain.OrderCancelled
	}
	return nil
}

// OrderStatus reports the order, filling passive orders that have rested
// long enough.
func (s *Sim) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return domain.OrderState{}, &domain.VenueError{Kind: domain.VenuePermanent,
			Op: "order status", Err: fmt.Errorf("unknown order %s", orderID)}
	}
	s.age(o)
	return o.state, nil
}

// MarketResolution reports the scripted resolution, if any.
func (s *Sim) MarketResolution(ctx context.Context, marketID string) (domain.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolutions[marketID], nil
}

// Redeem pays out winning holdings once; repeat claims are recognized
// no-ops.
func (s *Sim) Redeem(ctx context.Context, marketID string) (domain.Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resolutions[marketID]
	if !ok || !res.Resolved {
		return domain.Redemption{}, &domain.VenueError{Kind: domain.VenuePermanent,
			Op: "redeem", Err: fmt.Errorf("market %s not resolved", marketID)}
	}
	if amount, done := s.redeemed[marketID]; done {
		return domain.Redemption{MarketID: marketID, Amount: amount, AlreadyRedeemed: true}, nil
	}

	amount := s.holdings[quoteKey(marketID, res.WinningOutcome)]
	if amount < 0 {
		amount = 0
	}
	s.redeemed[marketID] = amount
	return domain.Redemption{MarketID: marketID, Amount: amount}, nil
}

// Price returns the simulated mid price.
func (s *Sim) Price(ctx context.Context, marketID, outcome string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.prices[quoteKey(marketID, outcome)]
	if !ok {
		return 0, &domain.VenueError{Kind: domain.VenuePermanent, Op: "price",
			Err: fmt.Errorf("unknown market %s/%s", marketID, outcome)}
	}
	return p, nil
}

// Depth returns the configured or default visible size.
func (s *Sim) Depth(ctx context.Context, marketID, outcome string, side domain.OrderSide, price float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.depths[quoteKey(marketID, outcome)]; ok {
		return d, nil
	}
	return s.defaultDepth, nil
}

// Quotes lists every known outcome price; the sample strategy uses this as
// its discovery feed in dry-run mode.
func (s *Sim) Quotes(ctx context.Context) ([]domain.MarketQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.MarketQuote, 0, len(s.prices))
	for key, price := range s.prices {
		for i := 0; i < len(key); i++ {
			if key[i] == '|' {
				out = append(out, domain.MarketQuote{
					MarketID: key[:i],
					Outcome:  key[i+1:],
					Price:    price,
				})
				break
			}
		}
	}
	return out, nil
}

// age fills a passive order that has rested past the fill delay.
func (s *Sim) age(o *simOrder) {
	if o.state.Done() || o.req.Aggressive {
		return
	}
	if time.Since(o.placedAt) >= s.passiveFillAfter {
		s.fill(o)
	}
}

// fill completes an order at its limit price and books the holdings.
func (s *Sim) fill(o *simOrder) {
	o.state.Status = domain.OrderFilled
	o.state.FilledSize = o.req.Size
	o.state.AvgPrice = o.req.Price

	key := quoteKey(o.req.MarketID, o.req.Outcome)
	if o.req.Side == domain.OrderBuy {
		s.holdings[key] += o.req.Size
	} else {
		s.holdings[key] -= o.req.Size
	}
}
