package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredit is returned when available credit cannot cover a request
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrInvalidRequest is returned when a request is missing required input
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAccountNotProvisioned is returned when an account has no ledger record and no free credit
	ErrAccountNotProvisioned = errors.New("account not provisioned")

	// ErrInvalidState is returned for transitions out of a terminal state
	ErrInvalidState = errors.New("invalid state")

	// ErrWorkerUnavailable is returned when the scraping worker did not accept a launch
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrNotFound is returned when a job or reservation lookup misses
	ErrNotFound = errors.New("not found")

	// ErrAccountNotFound is returned by storage when no account row exists
	ErrAccountNotFound = errors.New("account not found")

	// ErrInvalidAmount is returned for zero or negative credit amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrDuplicateJobRef is returned by storage when a reservation already exists for a job reference
	ErrDuplicateJobRef = errors.New("duplicate job reference")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InsufficientCreditError reports how much credit a request needed and how much was available.
type InsufficientCreditError struct {
	Needed    int64
	Available int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: needed %d, available %d", e.Needed, e.Available)
}

// Is reports whether target is ErrInsufficientCredit.
func (e *InsufficientCreditError) Is(target error) bool {
	return target == ErrInsufficientCredit
}
