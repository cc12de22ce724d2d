package ports

import (
	"context"

	"predbot/internal/domain"
)

// Strategy is the pluggable contract each trading agent implements. The
// engine owns the position lifecycle; the strategy only supplies candidates
// and exit opinions. Strategy heuristics never bypass the risk gate or the
// hard stop.
type Strategy interface {
	// Name identifies the strategy in logs and config.
	Name() string

	// Discover returns the current batch of entry candidates. It is invoked
	// once per discovery cycle and may return nothing.
	Discover(ctx context.Context) ([]domain.Candidate, error)

	// ShouldExit is asked on every monitoring tick of an open position.
	// The returned reason is recorded in the activity log.
	ShouldExit(ctx context.Context, p domain.Position, currentPrice float64) (bool, string, error)
}
