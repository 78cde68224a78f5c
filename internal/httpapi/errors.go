package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"dispatchd/internal/dispatcher"
	"dispatchd/internal/probe"
	"dispatchd/internal/store"
	"dispatchd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// Error kinds reported to clients.
const (
	KindConfiguration = "configuration"
	KindRegistration  = "registration"
	KindResource      = "resource"
	KindLedger        = "ledger"
	KindNotFound      = "not_found"
	KindConflict      = "conflict"
	KindBusy          = "busy"
	KindInternal      = "internal"
	KindUnauthorized  = "unauthorized"
)

// classify maps a service error to a status code and kind.
func classify(err error) (int, string, []string) {
	var re *dispatcher.RegistrationError
	var rr *dispatcher.RoutesRemainingError
	switch {
	case errors.Is(err, dispatcher.ErrNotFound):
		return http.StatusNotFound, KindNotFound, nil
	case dispatcher.IsConfigError(err), errors.Is(err, probe.ErrCredentialRequired):
		return http.StatusBadRequest, KindConfiguration, nil
	case errors.As(err, &re):
		return http.StatusBadGateway, KindRegistration, re.Details
	case errors.As(err, &rr):
		return http.StatusBadGateway, KindRegistration, nil
	case dispatcher.IsResourceError(err):
		return http.StatusBadGateway, KindResource, nil
	case errors.Is(err, dispatcher.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable, KindLedger, nil
	case errors.Is(err, dispatcher.ErrAlreadyActive),
		errors.Is(err, store.ErrStatusConflict),
		errors.Is(err, store.ErrCapacityExhausted):
		return http.StatusConflict, KindConflict, nil
	case errors.Is(err, dispatcher.ErrCycleBusy):
		return http.StatusConflict, KindBusy, nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, KindInternal, nil
	}
	var he HTTPError
	if errors.As(err, &he) {
		return he.StatusCode(), KindInternal, nil
	}
	return http.StatusInternalServerError, KindInternal, nil
}

// writeError writes the JSON error payload for a service error.
func writeError(w http.ResponseWriter, err error) {
	status, kind, details := classify(err)
	countError(kind)
	if kind == KindBusy {
		IncrementRejection("cycle_busy")
	}
	writeJSON(w, status, types.ErrorResponse{Error: err.Error(), Code: status, Kind: kind, Details: details})
}

// writeJSONError writes a consistent JSON error payload for request errors.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	kind := KindConfiguration
	switch {
	case status == http.StatusUnauthorized:
		kind = KindUnauthorized
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status >= 500:
		kind = KindInternal
	}
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
