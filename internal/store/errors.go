package store

import "errors"

var (
	// ErrNotClaimed means the conditional claim update matched no row:
	// another worker won the race or the row moved on.
	ErrNotClaimed = errors.New("job not claimed")

	// ErrQuotaExceeded means the user's remaining quota cannot cover
	// the requested reservation.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrReservationNotFound means no reservation exists for the key.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrAlreadyClosed means the reservation was finalized the other
	// way: finalize after rollback, or rollback after commit.
	ErrAlreadyClosed = errors.New("reservation already closed")

	// ErrExceedsReservation means a finalize carried more tokens or
	// cost than were reserved.
	ErrExceedsReservation = errors.New("usage exceeds reserved amount")

	ErrNotFound = errors.New("not found")
)
