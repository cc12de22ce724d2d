package domain

import "time"

// ActivityKind classifies rows in the append-only activity log.
type ActivityKind string

const (
	ActivityTransition ActivityKind = "TRANSITION"
	ActivityRisk       ActivityKind = "RISK"
	ActivityWarning    ActivityKind = "WARNING"
)

// Activity is one audit row: a state transition, a risk gate decision, or
// an operator-facing warning. Every terminal FAILED and every forced
// aggressive exit is recorded here with a human-readable reason.
type Activity struct {
	ID         int64
	PositionID string
	Kind       ActivityKind
	Detail     string
	At         time.Time
}
