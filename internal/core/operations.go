package core

import (
	"PegLedger/internal/event"
	"PegLedger/internal/state"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// dispatch routes a command to its handler. It returns the envelope payload
// and, for liquidations, the ledger outcome.
func (e *Engine) dispatch(cmd event.Event, s *settlement) (any, *state.Liquidation, error) {
	switch c := cmd.(type) {
	case *event.DepositCollateral:
		return c, nil, e.depositCollateral(s, c.User, c.Asset, c.Amount)
	case *event.MintDebt:
		return c, nil, e.mintDebt(s, c.User, c.Amount)
	case *event.DepositCollateralAndMint:
		return c, nil, e.depositCollateralAndMint(s, c.User, c.Asset, c.Amount, c.MintAmount)
	case *event.RedeemCollateral:
		return c, nil, e.redeemCollateral(s, c.User, c.Asset, c.Amount)
	case *event.BurnDebt:
		return c, nil, e.burnDebt(s, c.User, c.Amount)
	case *event.RedeemCollateralForDebt:
		return c, nil, e.redeemCollateralForDebt(s, c.User, c.Asset, c.CollateralAmount, c.DebtAmount)
	case *event.Liquidate:
		liq, err := e.liquidate(s, c)
		if err != nil {
			return nil, nil, err
		}
		return liquidationRecord(c, liq), liq, nil
	default:
		return nil, nil, fmt.Errorf("unhandled command type %T", cmd)
	}
}

func (e *Engine) depositCollateral(s *settlement, user, asset common.Address, amount *uint256.Int) error {
	if _, err := e.collateral.Deposit(user, asset, amount); err != nil {
		return err
	}
	return s.pull(e.tokens[asset], user, amount)
}

func (e *Engine) mintDebt(s *settlement, user common.Address, amount *uint256.Int) error {
	if _, err := e.debt.Increase(user, amount); err != nil {
		return err
	}
	if err := e.health.AssertHealthy(user); err != nil {
		return err
	}
	return s.mint(e.pegged, user, amount)
}

func (e *Engine) depositCollateralAndMint(s *settlement, user, asset common.Address, amount, mintAmount *uint256.Int) error {
	if _, err := e.collateral.Deposit(user, asset, amount); err != nil {
		return err
	}
	if _, err := e.debt.Increase(user, mintAmount); err != nil {
		return err
	}
	if err := e.health.AssertHealthy(user); err != nil {
		return err
	}

	if err := s.pull(e.tokens[asset], user, amount); err != nil {
		return err
	}
	return s.mint(e.pegged, user, mintAmount)
}

func (e *Engine) redeemCollateral(s *settlement, user, asset common.Address, amount *uint256.Int) error {
	if _, err := e.collateral.Withdraw(user, asset, amount); err != nil {
		return err
	}
	if err := e.health.AssertHealthy(user); err != nil {
		return err
	}
	return s.push(e.tokens[asset], user, amount)
}

// burnDebt only lowers debt, so it never re-validates health. This lets an
// under-collateralized user repay part of their debt on their own.
func (e *Engine) burnDebt(s *settlement, user common.Address, amount *uint256.Int) error {
	if _, err := e.debt.Decrease(user, amount); err != nil {
		return err
	}
	if err := s.pull(e.pegged, user, amount); err != nil {
		return err
	}
	s.burn(e.pegged, amount)
	return nil
}

func (e *Engine) redeemCollateralForDebt(
	s *settlement,
	user, asset common.Address,
	collateralAmount, debtAmount *uint256.Int,
) error {
	if _, err := e.debt.Decrease(user, debtAmount); err != nil {
		return err
	}
	if _, err := e.collateral.Withdraw(user, asset, collateralAmount); err != nil {
		return err
	}
	if err := e.health.AssertHealthy(user); err != nil {
		return err
	}

	if err := s.pull(e.pegged, user, debtAmount); err != nil {
		return err
	}
	if err := s.push(e.tokens[asset], user, collateralAmount); err != nil {
		return err
	}
	s.burn(e.pegged, debtAmount)
	return nil
}

// liquidate applies the seizure to the ledgers, then takes the covered debt
// in pegged units from the liquidator, pays out the seized collateral and
// burns the pegged units.
func (e *Engine) liquidate(s *settlement, c *event.Liquidate) (*state.Liquidation, error) {
	liq, err := e.liquidations.Liquidate(c.Liquidator, c.Target, c.Asset, c.DebtToCover)
	if err != nil {
		return nil, err
	}

	if err := s.pull(e.pegged, c.Liquidator, liq.DebtCovered); err != nil {
		return nil, err
	}
	if err := s.push(e.tokens[c.Asset], c.Liquidator, liq.TotalSeized); err != nil {
		return nil, err
	}
	s.burn(e.pegged, liq.DebtCovered)
	return liq, nil
}

func liquidationRecord(c *event.Liquidate, liq *state.Liquidation) *event.LiquidationRecord {
	return &event.LiquidationRecord{
		RequestID:      c.RequestID,
		Liquidator:     liq.Liquidator,
		Target:         liq.Target,
		Asset:          liq.Asset,
		Price:          liq.Price,
		DebtCovered:    liq.DebtCovered,
		TokenAmount:    liq.TokenAmount,
		Bonus:          liq.Bonus,
		TotalSeized:    liq.TotalSeized,
		StartingHealth: liq.StartingHealth,
		EndingHealth:   liq.EndingHealth,
	}
}
