package strategy

import (
	"context"
	"fmt"

	"predbot/internal/domain"
	"predbot/internal/ports"
)

// QuoteSource is the pull-based discovery feed a strategy scans. The
// dry-run simulator and any external market listing can both back it.
type QuoteSource interface {
	Quotes(ctx context.Context) ([]domain.MarketQuote, error)
}

// Params are the knobs the built-in strategies accept from config.
type Params struct {
	TargetSize float64 // shares per candidate
	MaxEntry   float64 // max entry price
	TakeProfit float64 // exit gain per share
}

// New builds a named strategy. Unknown names are a configuration error.
func New(name string, params Params, quotes QuoteSource) (ports.Strategy, error) {
	switch name {
	case "threshold":
		return NewThreshold(params, quotes), nil
	default:
		return nil, fmt.Errorf("strategy.New: unknown strategy %q", name)
	}
}
