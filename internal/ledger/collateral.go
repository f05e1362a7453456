package ledger

import (
	"PegLedger/internal/errs"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AssetChecker reports whether an asset is on the collateral allow-list.
type AssetChecker interface {
	Require(asset common.Address) error
}

// CollateralLedger tracks deposited collateral per (user, asset).
// It only moves numbers; token transfers and health checks belong to the caller.
type CollateralLedger struct {
	store  Store
	assets AssetChecker
}

func NewCollateralLedger(store Store, assets AssetChecker) *CollateralLedger {
	return &CollateralLedger{store: store, assets: assets}
}

func (l *CollateralLedger) check(asset common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return errs.ErrZeroAmount
	}
	return l.assets.Require(asset)
}

// Deposit credits amount to the user's position and returns the new balance.
func (l *CollateralLedger) Deposit(user, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := l.check(asset, amount); err != nil {
		return nil, err
	}

	key := CollateralKey(user, asset)
	next, overflow := new(uint256.Int).AddOverflow(l.store.Get(key), amount)
	if overflow {
		return nil, fmt.Errorf("collateral overflow for %s", key.Path())
	}
	l.store.Set(key, next)
	return next, nil
}

// Withdraw debits amount from the user's position and returns the new
// balance. Used for voluntary redemption and for liquidation seizure.
func (l *CollateralLedger) Withdraw(user, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := l.check(asset, amount); err != nil {
		return nil, err
	}

	key := CollateralKey(user, asset)
	current := l.store.Get(key)
	if current.Lt(amount) {
		return nil, fmt.Errorf("%w: %s has %s, requested %s",
			errs.ErrInsufficientCollateral, key.Path(), current.Dec(), amount.Dec())
	}
	next := new(uint256.Int).Sub(current, amount)
	l.store.Set(key, next)
	return next, nil
}

// Balance returns the deposited amount of asset for user.
func (l *CollateralLedger) Balance(user, asset common.Address) *uint256.Int {
	return l.store.Get(CollateralKey(user, asset))
}
