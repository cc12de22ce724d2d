package strategy

import (
	"context"

	"predbot/internal/domain"
)

// Threshold is the simplest useful strategy: go long any outcome trading
// below a price ceiling, exit once the price has gained the take-profit
// per share. It exists to exercise the lifecycle contract; real edge
// belongs in external strategy plugins.
type Threshold struct {
	params Params
	quotes QuoteSource
}

func NewThreshold(params Params, quotes QuoteSource) *Threshold {
	if params.TargetSize <= 0 {
		params.TargetSize = 10
	}
	if params.MaxEntry <= 0 || params.MaxEntry >= 1 {
		params.MaxEntry = 0.40
	}
	if params.TakeProfit <= 0 {
		params.TakeProfit = 0.10
	}
	return &Threshold{params: params, quotes: quotes}
}

func (t *Threshold) Name() string { return "threshold" }

// Discover proposes a LONG candidate for every outcome under the ceiling.
// The engine deduplicates against positions it already holds.
func (t *Threshold) Discover(ctx context.Context) ([]domain.Candidate, error) {
	quotes, err := t.quotes.Quotes(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.Candidate
	for _, q := range quotes {
		if q.Price <= 0 || q.Price > t.params.MaxEntry {
			continue
		}
		out = append(out, domain.Candidate{
			MarketID: q.MarketID,
			Outcome:  q.Outcome,
			Side:     domain.SideLong,
			Size:     t.params.TargetSize,
			Price:    q.Price,
		})
	}
	return out, nil
}

// ShouldExit takes profit once the price has moved TakeProfit past entry.
func (t *Threshold) ShouldExit(ctx context.Context, p domain.Position, currentPrice float64) (bool, string, error) {
	gain := currentPrice - p.EntryPrice
	if p.Side == domain.SideShort {
		gain = p.EntryPrice - currentPrice
	}
	if gain >= t.params.TakeProfit {
		return true, "take profit reached", nil
	}
	return false, "", nil
}
