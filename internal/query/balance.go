package query

import (
	"PegLedger/internal/core"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// The builders below read the live engine. They must run on the goroutine
// that owns it (ingestion.CommandLoop.Do).

// BuildAccountView returns the user's debt, collateral and health factor.
// Price errors are returned as-is so callers can map them.
func BuildAccountView(e *core.Engine, user common.Address) (*AccountView, error) {
	debt, collateralUSD, err := e.GetAccountInfo(user)
	if err != nil {
		return nil, err
	}
	hf := state.HealthFactor(debt, collateralUSD)
	asOf := e.GetSequence() - 1

	view := &AccountView{
		User:                user.Hex(),
		Debt:                debt.Dec(),
		CollateralValueUSD:  collateralUSD.Dec(),
		HealthFactor:        hf.Dec(),
		HealthFactorDisplay: fpmath.FormatWad(hf),
		Status:              state.StatusOf(debt, hf).String(),
		Collateral:          make([]CollateralBalance, 0),
		AsOfSequence:        asOf,
	}

	for _, asset := range e.GetCollateralTokens() {
		amount := e.GetCollateralBalance(user, asset)
		if amount.IsZero() {
			continue
		}
		usd, err := e.GetUSDValue(asset, amount)
		if err != nil {
			return nil, err
		}
		view.Collateral = append(view.Collateral, CollateralBalance{
			User:         user.Hex(),
			Asset:        asset.Hex(),
			Amount:       amount.Dec(),
			ValueUSD:     usd.Dec(),
			AsOfSequence: asOf,
		})
	}
	return view, nil
}

// BuildCollateralBalance returns one balance. It needs no price, so it
// works while feeds are stale.
func BuildCollateralBalance(e *core.Engine, user, asset common.Address) *CollateralBalance {
	return &CollateralBalance{
		User:         user.Hex(),
		Asset:        asset.Hex(),
		Amount:       e.GetCollateralBalance(user, asset).Dec(),
		AsOfSequence: e.GetSequence() - 1,
	}
}

// ListCollateralTokens returns every registered asset with its price, or the
// price error for assets whose feed cannot be used right now.
func ListCollateralTokens(e *core.Engine) []CollateralToken {
	assets := e.GetCollateralTokens()
	tokens := make([]CollateralToken, 0, len(assets))
	for _, asset := range assets {
		t := CollateralToken{Asset: asset.Hex()}
		if window, err := e.GetStalenessWindow(asset); err == nil {
			t.StalenessWindow = window.String()
		}
		price, err := e.GetPrice(asset)
		if err != nil {
			t.PriceError = err.Error()
		} else {
			t.Price = price.Dec()
			t.PriceDisplay = fpmath.FormatWad(price)
		}
		tokens = append(tokens, t)
	}
	return tokens
}

// Params returns the protocol's risk constants.
func Params() ProtocolParams {
	return ProtocolParams{
		LiquidationThreshold: fpmath.LiquidationThreshold,
		LiquidationBonus:     fpmath.LiquidationBonus,
		LiquidationPrecision: fpmath.LiquidationPrecision,
		MinHealthFactor:      fpmath.MinHealthFactor.Dec(),
	}
}

// Solvency lists every indebted user below the minimum health factor.
func Solvency(e *core.Engine) ([]SolvencyViolation, error) {
	violations, err := e.CheckSolvency()
	if err != nil {
		return nil, err
	}
	out := make([]SolvencyViolation, 0, len(violations))
	for _, v := range violations {
		hf, err := e.GetHealthFactor(v.User)
		if err != nil {
			return nil, err
		}
		out = append(out, SolvencyViolation{User: v.User.Hex(), HealthFactor: hf.Dec()})
	}
	return out, nil
}
