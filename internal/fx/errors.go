package fx

import "errors"

// Validation failures are rejected before any I/O and carry a sentinel per
// kind so callers can branch with errors.Is.
var (
	ErrInvalidRange     = errors.New("start date is after end date")
	ErrUnknownFrequency = errors.New("unknown history frequency")
	ErrUnknownSource    = errors.New("unknown rate source")
	ErrFutureRange      = errors.New("end date must be before today")
	ErrBeforeMinDate    = errors.New("date precedes the source's first publication")
	ErrSameBackend      = errors.New("migration source and target are the same backend")
)
