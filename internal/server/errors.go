package server

import (
	"PegLedger/internal/errs"
	"PegLedger/internal/ingestion"
	"errors"
	"net/http"
)

// ErrorResponse is the body of every non-2xx API response. HealthFactor is
// set when an operation would have left the user below the minimum.
type ErrorResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	HealthFactor string `json:"health_factor,omitempty"`
}

// StatusFor maps an error to its HTTP status: 400 for bad input, 409 for
// solvency and ledger rejections, 424 for external dependencies and 423 for
// a reentrant call.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrMalformed),
		errors.Is(err, errs.ErrZeroAmount),
		errors.Is(err, errs.ErrUnsupportedAsset),
		errors.Is(err, errs.ErrConfigMismatch):
		return http.StatusBadRequest

	case errors.Is(err, errs.ErrHealthFactorBroken),
		errors.Is(err, errs.ErrHealthFactorOk),
		errors.Is(err, errs.ErrHealthFactorNotImproved),
		errors.Is(err, errs.ErrInsufficientCollateral),
		errors.Is(err, errs.ErrInsufficientDebt):
		return http.StatusConflict

	case errors.Is(err, errs.ErrStalePrice),
		errors.Is(err, errs.ErrInvalidPrice),
		errors.Is(err, errs.ErrTransferFailed),
		errors.Is(err, errs.ErrMintFailed):
		return http.StatusFailedDependency

	case errors.Is(err, errs.ErrReentrantCall):
		return http.StatusLocked

	case doneErr(err):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ingestion.ErrMalformed):
		return "Malformed"
	case doneErr(err):
		return "Unavailable"
	default:
		return errs.Kind(err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: errorKind(err), Message: err.Error()}
	var broken *errs.HealthFactorBrokenError
	if errors.As(err, &broken) {
		resp.HealthFactor = broken.Value.Dec()
	}
	writeJSON(w, StatusFor(err), resp)
}
