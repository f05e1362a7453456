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

// HealthCalculator values collateral and computes health factors. It reads
// prices on every call and never writes to the ledgers.
type HealthCalculator struct {
	registry   *registry.Registry
	collateral *ledger.CollateralLedger
	debt       *ledger.DebtLedger
}

func NewHealthCalculator(
	reg *registry.Registry,
	collateral *ledger.CollateralLedger,
	debt *ledger.DebtLedger,
) *HealthCalculator {
	return &HealthCalculator{
		registry:   reg,
		collateral: collateral,
		debt:       debt,
	}
}

// Price returns the current 18-decimal USD price of asset.
func (hc *HealthCalculator) Price(asset common.Address) (*uint256.Int, error) {
	adapter, err := hc.registry.AdapterFor(asset)
	if err != nil {
		return nil, err
	}
	p, err := adapter.Price()
	if err != nil {
		return nil, err
	}
	return p.Value, nil
}

// USDValue returns amount * price / 1e18.
func (hc *HealthCalculator) USDValue(asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	price, err := hc.Price(asset)
	if err != nil {
		return nil, err
	}
	usd, ok := fpmath.MulDiv(amount, price, fpmath.Wad)
	if !ok {
		return nil, fmt.Errorf("usd value of %s %s overflows", amount.Dec(), asset.Hex())
	}
	return usd, nil
}

// TokenAmountFromUSD returns usd * 1e18 / price, the amount of asset worth usd.
func (hc *HealthCalculator) TokenAmountFromUSD(asset common.Address, usd *uint256.Int) (*uint256.Int, error) {
	price, err := hc.Price(asset)
	if err != nil {
		return nil, err
	}
	amount, ok := fpmath.MulDiv(usd, fpmath.Wad, price)
	if !ok {
		return nil, fmt.Errorf("token amount of %s usd in %s overflows", usd.Dec(), asset.Hex())
	}
	return amount, nil
}

// TotalCollateralValueUSD sums the USD value of every registered asset the
// user holds. Assets with a zero balance contribute nothing and their feeds
// are not read.
func (hc *HealthCalculator) TotalCollateralValueUSD(user common.Address) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, asset := range hc.registry.ListAssets() {
		amount := hc.collateral.Balance(user, asset)
		if amount.IsZero() {
			continue
		}
		usd, err := hc.USDValue(asset, amount)
		if err != nil {
			return nil, err
		}
		if _, overflow := total.AddOverflow(total, usd); overflow {
			return nil, fmt.Errorf("collateral value of %s overflows", user.Hex())
		}
	}
	return total, nil
}

// AccountInfo returns the user's debt and total collateral value.
func (hc *HealthCalculator) AccountInfo(user common.Address) (debt, collateralUSD *uint256.Int, err error) {
	collateralUSD, err = hc.TotalCollateralValueUSD(user)
	if err != nil {
		return nil, nil, err
	}
	return hc.debt.Debt(user), collateralUSD, nil
}

// HealthFactorOf computes the user's current health factor.
func (hc *HealthCalculator) HealthFactorOf(user common.Address) (*uint256.Int, error) {
	debt := hc.debt.Debt(user)
	if debt.IsZero() {
		return fpmath.Clone(fpmath.MaxHealthFactor), nil
	}
	collateralUSD, err := hc.TotalCollateralValueUSD(user)
	if err != nil {
		return nil, err
	}
	return HealthFactor(debt, collateralUSD), nil
}

// AssertHealthy fails with *errs.HealthFactorBrokenError when the user's
// health factor is below MinHealthFactor.
func (hc *HealthCalculator) AssertHealthy(user common.Address) error {
	hf, err := hc.HealthFactorOf(user)
	if err != nil {
		return err
	}
	if hf.Lt(fpmath.MinHealthFactor) {
		return &errs.HealthFactorBrokenError{User: user.Hex(), Value: hf}
	}
	return nil
}

var (
	liquidationThreshold = uint256.NewInt(fpmath.LiquidationThreshold)
	liquidationPrecision = uint256.NewInt(fpmath.LiquidationPrecision)
)

// HealthFactor returns (collateralUSD * 50 / 100) * 1e18 / debt, or
// MaxHealthFactor when debt is zero. The threshold adjustment is truncated
// before scaling. A quotient that does not fit in 256 bits saturates at
// MaxHealthFactor.
func HealthFactor(debt, collateralUSD *uint256.Int) *uint256.Int {
	if debt == nil || debt.IsZero() {
		return fpmath.Clone(fpmath.MaxHealthFactor)
	}
	adjusted, ok := fpmath.MulDiv(collateralUSD, liquidationThreshold, liquidationPrecision)
	if !ok {
		return fpmath.Clone(fpmath.MaxHealthFactor)
	}
	hf, ok := fpmath.MulDiv(adjusted, fpmath.Wad, debt)
	if !ok {
		return fpmath.Clone(fpmath.MaxHealthFactor)
	}
	return hf
}

// HealthStatus classifies a health factor.
type HealthStatus int

const (
	HealthStatusNoDebt HealthStatus = iota
	HealthStatusHealthy
	HealthStatusLiquidatable
)

func (s HealthStatus) String() string {
	switch s {
	case HealthStatusNoDebt:
		return "NoDebt"
	case HealthStatusHealthy:
		return "Healthy"
	case HealthStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// StatusOf classifies a position from its debt and health factor.
func StatusOf(debt, hf *uint256.Int) HealthStatus {
	switch {
	case debt == nil || debt.IsZero():
		return HealthStatusNoDebt
	case hf.Lt(fpmath.MinHealthFactor):
		return HealthStatusLiquidatable
	default:
		return HealthStatusHealthy
	}
}
