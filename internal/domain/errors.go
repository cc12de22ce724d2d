package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicatePosition means a non-terminal position already exists for
	// the same (agent, market, outcome) tuple.
	ErrDuplicatePosition = errors.New("duplicate active position")

	// ErrExposureExceeded means a reservation would push exposure past a cap.
	ErrExposureExceeded = errors.New("exposure cap exceeded")

	// ErrPositionNotFound means no row exists for the given position id.
	ErrPositionNotFound = errors.New("position not found")

	// ErrIllegalTransition means the requested state change is not an edge
	// of the lifecycle transition table.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// ValidationError marks a malformed candidate. It is dropped and logged;
// no position state is ever created for it.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid candidate: " + e.Reason
}

// VenueErrorKind splits venue failures into retryable and fatal.
type VenueErrorKind int

const (
	// VenueTransient covers network failures, rate limits and 5xx; retry
	// with backoff.
	VenueTransient VenueErrorKind = iota
	// VenuePermanent covers rejected orders, closed markets and other 4xx;
	// retrying will not help.
	VenuePermanent
)

func (k VenueErrorKind) String() string {
	if k == VenuePermanent {
		return "permanent"
	}
	return "transient"
}

// VenueError wraps any failure from the venue client with its kind.
type VenueError struct {
	Kind VenueErrorKind
	Op   string
	Err  error
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

// IsVenueTransient reports whether err is a retryable venue failure.
func IsVenueTransient(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Kind == VenueTransient
}

// IsVenuePermanent reports whether err is a fatal venue failure.
func IsVenuePermanent(err error) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Kind == VenuePermanent
}
