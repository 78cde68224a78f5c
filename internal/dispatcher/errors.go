package dispatcher

import (
	"errors"
	"fmt"
	"strings"

	"dispatchd/internal/store"
)

var (
	// ErrNotFound is returned when the managed model does not exist.
	ErrNotFound = store.ErrNotFound

	// ErrAlreadyActive is returned by Activate for a model that is serving.
	ErrAlreadyActive = errors.New("model is already active")

	// ErrLedgerUnavailable aborts a cycle before any status is written.
	ErrLedgerUnavailable = errors.New("usage ledger unavailable")

	// ErrCycleBusy is returned when another instance holds the cycle lock.
	ErrCycleBusy = errors.New("dispatch cycle already running elsewhere")
)

// configError rejects a request before any side effect.
type configError struct{ msg string }

func (e configError) Error() string { return e.msg }

// ErrConfig constructs a configuration error.
func ErrConfig(format string, args ...any) error {
	return configError{msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is a configuration error, including
// store validation failures.
func IsConfigError(err error) bool {
	var ce configError
	return errors.As(err, &ce) || errors.Is(err, store.ErrInvalidModel)
}

// RegistrationError reports that no definition of a model could be registered.
type RegistrationError struct {
	ModelID int64
	Details []string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("all registrations failed for model %d: %s", e.ModelID, strings.Join(e.Details, "; "))
}

// IsRegistrationError reports whether err is a RegistrationError.
func IsRegistrationError(err error) bool {
	var re *RegistrationError
	return errors.As(err, &re)
}

// RoutesRemainingError reports that an exhausted model kept some routes
// because the routing layer refused to remove them.
type RoutesRemainingError struct {
	ModelID   int64
	Remaining int
}

func (e *RoutesRemainingError) Error() string {
	return fmt.Sprintf("model %d: %d routes could not be removed", e.ModelID, e.Remaining)
}

// resourceError wraps a proxy process failure that could not be absorbed.
type resourceError struct {
	op  string
	err error
}

func (e resourceError) Error() string { return e.op + ": " + e.err.Error() }

func (e resourceError) Unwrap() error { return e.err }

// IsResourceError reports whether err is a proxy resource failure.
func IsResourceError(err error) bool {
	var re resourceError
	return errors.As(err, &re)
}
