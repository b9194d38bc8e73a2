package ledger

import "errors"

var (
	// ErrEncoding means details could not be canonicalised.
	ErrEncoding = errors.New("ledger: details cannot be canonically encoded")

	// ErrConcurrencyTimeout means the tail lock was not acquired in time.
	// The append wrote nothing and may be retried.
	ErrConcurrencyTimeout = errors.New("ledger: timed out waiting for the tail lock")

	// ErrStorage wraps any persistence failure. The write was rolled back.
	ErrStorage = errors.New("ledger: storage failure")

	// ErrInvalidEvent rejects events that cannot be recorded at all.
	ErrInvalidEvent = errors.New("ledger: invalid event")

	ErrNotFound = errors.New("ledger: entry not found")
)
