package ledger

import (
	"PegLedger/internal/errs"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DebtLedger tracks minted pegged units owed per user.
type DebtLedger struct {
	store Store
}

func NewDebtLedger(store Store) *DebtLedger {
	return &DebtLedger{store: store}
}

// Increase adds amount to the user's debt. The caller validates the
// resulting health factor.
func (l *DebtLedger) Increase(user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, errs.ErrZeroAmount
	}

	key := DebtKey(user)
	next, overflow := new(uint256.Int).AddOverflow(l.store.Get(key), amount)
	if overflow {
		return nil, fmt.Errorf("debt overflow for %s", key.Path())
	}
	l.store.Set(key, next)
	return next, nil
}

// Decrease removes amount from the user's debt.
func (l *DebtLedger) Decrease(user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, errs.ErrZeroAmount
	}

	key := DebtKey(user)
	current := l.store.Get(key)
	if current.Lt(amount) {
		return nil, fmt.Errorf("%w: %s owes %s, requested %s",
			errs.ErrInsufficientDebt, key.Path(), current.Dec(), amount.Dec())
	}
	next := new(uint256.Int).Sub(current, amount)
	l.store.Set(key, next)
	return next, nil
}

// Debt returns the user's outstanding debt.
func (l *DebtLedger) Debt(user common.Address) *uint256.Int {
	return l.store.Get(DebtKey(user))
}
