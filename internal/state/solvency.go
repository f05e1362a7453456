package state

import (
	"PegLedger/internal/errs"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// SolvencyViolation names one indebted user below the minimum health factor.
type SolvencyViolation struct {
	User common.Address
	Err  error
}

// CheckSolvency evaluates every user and returns those that are indebted and
// below the minimum health factor. Price errors abort the check, since a
// missing price leaves solvency undecidable.
func (hc *HealthCalculator) CheckSolvency(users []common.Address) ([]SolvencyViolation, error) {
	var violations []SolvencyViolation
	for _, user := range users {
		err := hc.AssertHealthy(user)
		if err == nil {
			continue
		}
		var broken *errs.HealthFactorBrokenError
		if !errors.As(err, &broken) {
			return nil, fmt.Errorf("check solvency of %s: %w", user.Hex(), err)
		}
		violations = append(violations, SolvencyViolation{User: user, Err: err})
	}
	return violations, nil
}
