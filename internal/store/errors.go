package store

import "errors"

var (
	// ErrNotFound is returned when a managed model does not exist.
	ErrNotFound = errors.New("managed model not found")

	// ErrStatusConflict is returned when a conditional status update finds the
	// row in a different status than expected.
	ErrStatusConflict = errors.New("managed model status changed concurrently")

	// ErrCapacityExhausted is returned by Promote when every active slot is taken.
	ErrCapacityExhausted = errors.New("no free active slot")

	// ErrInvalidModel wraps validation failures on create.
	ErrInvalidModel = errors.New("invalid managed model")

	// ErrNoFreePort is returned when the port range has no unleased port left.
	ErrNoFreePort = errors.New("no free proxy port")
)
