// Package errs defines the error kinds every engine operation can fail with.
// All of them abort the whole operation; nothing is retried inside the engine.
package errs

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Input errors
var (
	ErrZeroAmount       = errors.New("amount must be greater than zero")
	ErrUnsupportedAsset = errors.New("collateral asset not supported")
	ErrConfigMismatch   = errors.New("collateral configuration mismatch")
)

// Solvency errors
var (
	ErrHealthFactorBroken      = errors.New("health factor below minimum")
	ErrHealthFactorOk          = errors.New("health factor ok, position not liquidatable")
	ErrHealthFactorNotImproved = errors.New("liquidation did not improve health factor")
)

// Ledger errors
var (
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInsufficientDebt       = errors.New("insufficient debt")
)

// External-dependency errors
var (
	ErrStalePrice     = errors.New("stale price")
	ErrInvalidPrice   = errors.New("invalid price")
	ErrTransferFailed = errors.New("transfer failed")
	ErrMintFailed     = errors.New("mint failed")
)

// ErrReentrantCall is returned when a mutating operation is entered while
// another one is still in flight on the same engine.
var ErrReentrantCall = errors.New("reentrant call")

// HealthFactorBrokenError carries the offending health factor so callers can
// decide how much collateral to add or debt to repay.
type HealthFactorBrokenError struct {
	User  string
	Value *uint256.Int
}

func (e *HealthFactorBrokenError) Error() string {
	return fmt.Sprintf("%s: user=%s health_factor=%s", ErrHealthFactorBroken, e.User, e.Value.Dec())
}

func (e *HealthFactorBrokenError) Unwrap() error {
	return ErrHealthFactorBroken
}

// Kind returns a stable machine-readable name for err, or "internal" when err
// is not one of the engine's error kinds.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrZeroAmount):
		return "ZeroAmount"
	case errors.Is(err, ErrUnsupportedAsset):
		return "UnsupportedAsset"
	case errors.Is(err, ErrConfigMismatch):
		return "ConfigMismatch"
	case errors.Is(err, ErrHealthFactorBroken):
		return "HealthFactorBroken"
	case errors.Is(err, ErrHealthFactorOk):
		return "HealthFactorOk"
	case errors.Is(err, ErrHealthFactorNotImproved):
		return "HealthFactorNotImproved"
	case errors.Is(err, ErrInsufficientCollateral):
		return "InsufficientCollateral"
	case errors.Is(err, ErrInsufficientDebt):
		return "InsufficientDebt"
	case errors.Is(err, ErrStalePrice):
		return "StalePrice"
	case errors.Is(err, ErrInvalidPrice):
		return "InvalidPrice"
	case errors.Is(err, ErrTransferFailed):
		return "TransferFailed"
	case errors.Is(err, ErrMintFailed):
		return "MintFailed"
	case errors.Is(err, ErrReentrantCall):
		return "ReentrantCall"
	default:
		return "internal"
	}
}
