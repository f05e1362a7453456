package state

import (
	"PegLedger/internal/errs"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/registry"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Liquidation is the ledger outcome of one liquidation call. The caller
// settles it with the fungible-unit contracts: DebtCovered pegged units are
// taken from the liquidator and burned, TotalSeized units of Asset are paid
// out to the liquidator.
type Liquidation struct {
	Liquidator common.Address
	Target     common.Address
	Asset      common.Address

	Price          *uint256.Int // 18-decimal USD price used for conversion
	DebtCovered    *uint256.Int
	TokenAmount    *uint256.Int
	Bonus          *uint256.Int
	TotalSeized    *uint256.Int
	StartingHealth *uint256.Int
	EndingHealth   *uint256.Int
}

// LiquidationCoordinator applies liquidations to the ledgers and enforces
// that they strictly improve the target's health factor.
type LiquidationCoordinator struct {
	registry   *registry.Registry
	collateral *ledger.CollateralLedger
	debt       *ledger.DebtLedger
	health     *HealthCalculator
}

func NewLiquidationCoordinator(
	reg *registry.Registry,
	collateral *ledger.CollateralLedger,
	debt *ledger.DebtLedger,
	health *HealthCalculator,
) *LiquidationCoordinator {
	return &LiquidationCoordinator{
		registry:   reg,
		collateral: collateral,
		debt:       debt,
		health:     health,
	}
}

// Quote computes the seizure for covering debtToCover with asset at the
// current price without touching the ledgers.
func (lc *LiquidationCoordinator) Quote(asset common.Address, debtToCover *uint256.Int) (price, tokenAmount, bonus, total *uint256.Int, err error) {
	price, err = lc.health.Price(asset)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	tokenAmount, ok := fpmath.MulDiv(debtToCover, fpmath.Wad, price)
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("seizure for %s debt overflows", debtToCover.Dec())
	}
	bonus, ok = fpmath.Percent(tokenAmount, fpmath.LiquidationBonus)
	if !ok {
		return nil, nil, nil, nil, fmt.Errorf("liquidation bonus overflows")
	}
	total, overflow := new(uint256.Int).AddOverflow(tokenAmount, bonus)
	if overflow {
		return nil, nil, nil, nil, fmt.Errorf("total seizure overflows")
	}
	return price, tokenAmount, bonus, total, nil
}

// Liquidate seizes collateral from target and reduces its debt by
// debtToCover. The ledgers are left modified on error; the caller reverts
// them to its checkpoint.
func (lc *LiquidationCoordinator) Liquidate(
	liquidator, target, asset common.Address,
	debtToCover *uint256.Int,
) (*Liquidation, error) {
	if debtToCover == nil || debtToCover.IsZero() {
		return nil, errs.ErrZeroAmount
	}
	if err := lc.registry.Require(asset); err != nil {
		return nil, err
	}

	startingHealth, err := lc.health.HealthFactorOf(target)
	if err != nil {
		return nil, err
	}
	if !startingHealth.Lt(fpmath.MinHealthFactor) {
		return nil, fmt.Errorf("%w: %s health factor %s",
			errs.ErrHealthFactorOk, target.Hex(), fpmath.FormatWad(startingHealth))
	}

	price, tokenAmount, bonus, totalSeized, err := lc.Quote(asset, debtToCover)
	if err != nil {
		return nil, err
	}

	if _, err := lc.collateral.Withdraw(target, asset, totalSeized); err != nil {
		return nil, err
	}
	if _, err := lc.debt.Decrease(target, debtToCover); err != nil {
		return nil, err
	}

	endingHealth, err := lc.health.HealthFactorOf(target)
	if err != nil {
		return nil, err
	}
	if !endingHealth.Gt(startingHealth) {
		return nil, fmt.Errorf("%w: %s health factor %s -> %s", errs.ErrHealthFactorNotImproved,
			target.Hex(), fpmath.FormatWad(startingHealth), fpmath.FormatWad(endingHealth))
	}

	if err := lc.health.AssertHealthy(liquidator); err != nil {
		return nil, err
	}

	return &Liquidation{
		Liquidator:     liquidator,
		Target:         target,
		Asset:          asset,
		Price:          price,
		DebtCovered:    new(uint256.Int).Set(debtToCover),
		TokenAmount:    tokenAmount,
		Bonus:          bonus,
		TotalSeized:    totalSeized,
		StartingHealth: startingHealth,
		EndingHealth:   endingHealth,
	}, nil
}
