package domain

import "fmt"

// Candidate is what a strategy proposes: enter this outcome at this price
// with this size. It carries no identity until the ledger accepts it.
type Candidate struct {
	MarketID string
	Outcome  string
	Side     Side
	Size     float64 // shares
	Price    float64 // target entry price, (0,1)
}

// Validate rejects malformed candidates before any state is created.
func (c Candidate) Validate() error {
	if c.MarketID == "" {
		return &ValidationError{Reason: "empty market id"}
	}
	if c.Outcome == "" {
		return &ValidationError{Reason: "empty outcome"}
	}
	if c.Side != SideLong && c.Side != SideShort {
		return &ValidationError{Reason: fmt.Sprintf("invalid side %q", c.Side)}
	}
	if c.Size <= 0 {
		return &ValidationError{Reason: fmt.Sprintf("size %.4f must be positive", c.Size)}
	}
	if c.Price <= 0 || c.Price >= 1 {
		return &ValidationError{Reason: fmt.Sprintf("price %.4f outside (0,1)", c.Price)}
	}
	return nil
}

// MarketQuote is a single outcome price snapshot, the unit of the pull-based
// discovery feed.
type MarketQuote struct {
	MarketID string
	Outcome  string
	Price    float64
}
