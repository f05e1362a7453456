package state_test

import (
	"PegLedger/internal/errs"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/state"
	"PegLedger/internal/testutil"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

var wad = testutil.Wad

// ============================================================================
// Test: HealthFactor formula
// ============================================================================

func TestHealthFactor(t *testing.T) {
	tests := []struct {
		name       string
		debt       *uint256.Int
		collateral *uint256.Int
		want       *uint256.Int
	}{
		{"zero debt is max", new(uint256.Int), wad("1"), fpmath.MaxHealthFactor},
		{"zero debt zero collateral is max", new(uint256.Int), new(uint256.Int), fpmath.MaxHealthFactor},
		{"exactly 200% collateralized", wad("10000"), wad("20000"), wad("1")},
		{"one wei over the limit", new(uint256.Int).AddUint64(wad("10000"), 1), wad("20000"), uint256.NewInt(999_999_999_999_999_999)},
		{"90% after price drop", wad("10000"), wad("18000"), wad("0.9")},
		{"no collateral", wad("1"), new(uint256.Int), new(uint256.Int)},
		// 3*50/100 truncates to 1 before scaling.
		{"odd collateral truncated before scaling", uint256.NewInt(1), uint256.NewInt(3), wad("1")},
		{"odd collateral wad", uint256.NewInt(1), new(uint256.Int).AddUint64(wad("2"), 1), wad("1000000000000000000")},
		{"saturates", uint256.NewInt(1), fpmath.MaxHealthFactor, fpmath.MaxHealthFactor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := state.HealthFactor(tt.debt, tt.collateral)
			if !got.Eq(tt.want) {
				t.Errorf("got %s, want %s", got.Dec(), tt.want.Dec())
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	if s := state.StatusOf(new(uint256.Int), fpmath.MaxHealthFactor); s != state.HealthStatusNoDebt {
		t.Errorf("zero debt: got %s", s)
	}
	if s := state.StatusOf(wad("1"), wad("1")); s != state.HealthStatusHealthy {
		t.Errorf("at minimum: got %s", s)
	}
	if s := state.StatusOf(wad("1"), wad("0.99")); s != state.HealthStatusLiquidatable {
		t.Errorf("below minimum: got %s", s)
	}
}

// ============================================================================
// Test: HealthCalculator
// ============================================================================

func TestHealthCalculator_TotalCollateralValue(t *testing.T) {
	m := testutil.NewMarket(t)
	l := m.NewLedgers()

	l.Collateral.Deposit(testutil.Alice, testutil.WETH, wad("1"))
	l.Collateral.Deposit(testutil.Alice, testutil.WBTC, wad("0.5"))

	got, err := l.Health.TotalCollateralValueUSD(testutil.Alice)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if !got.Eq(wad("17000")) {
		t.Errorf("got %s, want 17000", fpmath.FormatWad(got))
	}
}

func TestHealthCalculator_SkipsUnheldAssets(t *testing.T) {
	m := testutil.NewMarket(t)
	l := m.NewLedgers()
	l.Collateral.Deposit(testutil.Alice, testutil.WETH, wad("1"))

	// A broken feed for an asset the user does not hold must not matter.
	m.SetRawAnswer(testutil.WBTC, 0)

	if _, err := l.Health.TotalCollateralValueUSD(testutil.Alice); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.Collateral.Deposit(testutil.Alice, testutil.WBTC, wad("1"))
	if _, err := l.Health.TotalCollateralValueUSD(testutil.Alice); !errors.Is(err, errs.ErrInvalidPrice) {
		t.Fatalf("got %v, want ErrInvalidPrice", err)
	}
}

func TestHealthCalculator_StalePriceFailsHealthCheck(t *testing.T) {
	m := testutil.NewMarket(t)
	l := m.NewLedgers()
	l.Collateral.Deposit(testutil.Alice, testutil.WETH, wad("10"))
	l.Debt.Increase(testutil.Alice, wad("100"))

	m.Clock.Advance(3*time.Hour + time.Second)

	if err := l.Health.AssertHealthy(testutil.Alice); !errors.Is(err, errs.ErrStalePrice) {
		t.Fatalf("got %v, want ErrStalePrice", err)
	}
}

func TestHealthCalculator_Conversions(t *testing.T) {
	m := testutil.NewMarket(t)
	l := m.NewLedgers()

	usd, err := l.Health.USDValue(testutil.WETH, wad("15"))
	if err != nil || !usd.Eq(wad("30000")) {
		t.Errorf("USDValue: got %v %v, want 30000", usd, err)
	}
	amt, err := l.Health.TokenAmountFromUSD(testutil.WETH, wad("100"))
	if err != nil || !amt.Eq(wad("0.05")) {
		t.Errorf("TokenAmountFromUSD: got %v %v, want 0.05", amt, err)
	}
	if _, err := l.Health.USDValue(testutil.PEG, wad("1")); !errors.Is(err, errs.ErrUnsupportedAsset) {
		t.Errorf("unsupported: got %v", err)
	}
}

func TestHealthCalculator_AssertHealthyCarriesValue(t *testing.T) {
	m := testutil.NewMarket(t)
	l := m.NewLedgers()
	l.Collateral.Deposit(testutil.Alice, testutil.WETH, wad("10"))
	l.Debt.Increase(testutil.Alice, wad("10000"))

	if err := l.Health.AssertHealthy(testutil.Alice); err != nil {
		t.Fatalf("exact boundary should be healthy: %v", err)
	}

	l.Debt.Increase(testutil.Alice, uint256.NewInt(1))
	err := l.Health.AssertHealthy(testutil.Alice)

	var broken *errs.HealthFactorBrokenError
	if !errors.As(err, &broken) {
		t.Fatalf("got %v, want HealthFactorBrokenError", err)
	}
	if !broken.Value.Lt(fpmath.MinHealthFactor) {
		t.Errorf("reported value %s not below minimum", broken.Value.Dec())
	}
	if !errors.Is(err, errs.ErrHealthFactorBroken) {
		t.Error("should match ErrHealthFactorBroken")
	}
}

func TestHealthCalculator_CheckSolvency(t *testing.T) {
	m := testutil.NewMarket(t)
	l := m.NewLedgers()
	l.Collateral.Deposit(testutil.Alice, testutil.WETH, wad("10"))
	l.Debt.Increase(testutil.Alice, wad("10000"))
	l.Collateral.Deposit(testutil.Bob, testutil.WETH, wad("10"))
	l.Debt.Increase(testutil.Bob, wad("1000"))

	violations, err := l.Health.CheckSolvency(l.Store.Users())
	if err != nil || len(violations) != 0 {
		t.Fatalf("before drop: %v %v", violations, err)
	}

	m.SetPrice(t, testutil.WETH, "1800")

	violations, err = l.Health.CheckSolvency(l.Store.Users())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(violations) != 1 || violations[0].User != testutil.Alice {
		t.Errorf("got %+v, want only alice", violations)
	}
}

// ============================================================================
// Test: LiquidationCoordinator
// ============================================================================

// underwater sets up alice with 10 WETH and $10,000 debt, then drops WETH to
// $1,800 for a health factor of 0.9.
func underwater(t *testing.T) (*testutil.Market, *testutil.Ledgers) {
	t.Helper()
	m := testutil.NewMarket(t)
	l := m.NewLedgers()
	l.Collateral.Deposit(testutil.Alice, testutil.WETH, wad("10"))
	l.Debt.Increase(testutil.Alice, wad("10000"))
	m.SetPrice(t, testutil.WETH, "1800")
	return m, l
}

func TestLiquidation_HalfDebtWithBonus(t *testing.T) {
	_, l := underwater(t)

	liq, err := l.Liquidation.Liquidate(testutil.Carol, testutil.Alice, testutil.WETH, wad("5000"))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	if want := uint256.NewInt(2_777_777_777_777_777_777); !liq.TokenAmount.Eq(want) {
		t.Errorf("token amount: got %s, want %s", liq.TokenAmount.Dec(), want.Dec())
	}
	if want := uint256.NewInt(277_777_777_777_777_777); !liq.Bonus.Eq(want) {
		t.Errorf("bonus: got %s, want %s", liq.Bonus.Dec(), want.Dec())
	}
	if want := uint256.NewInt(3_055_555_555_555_555_554); !liq.TotalSeized.Eq(want) {
		t.Errorf("total: got %s, want %s", liq.TotalSeized.Dec(), want.Dec())
	}
	if !liq.StartingHealth.Eq(wad("0.9")) {
		t.Errorf("starting health: got %s", fpmath.FormatWad(liq.StartingHealth))
	}
	if !liq.EndingHealth.Gt(liq.StartingHealth) {
		t.Errorf("health did not improve: %s -> %s",
			fpmath.FormatWad(liq.StartingHealth), fpmath.FormatWad(liq.EndingHealth))
	}

	if got := l.Debt.Debt(testutil.Alice); !got.Eq(wad("5000")) {
		t.Errorf("remaining debt: got %s", fpmath.FormatWad(got))
	}
	wantLeft := new(uint256.Int).Sub(wad("10"), liq.TotalSeized)
	if got := l.Collateral.Balance(testutil.Alice, testutil.WETH); !got.Eq(wantLeft) {
		t.Errorf("remaining collateral: got %s, want %s", got.Dec(), wantLeft.Dec())
	}
}

func TestLiquidation_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*testing.T, *testutil.Market, *testutil.Ledgers)
		cover   string
		wantErr error
	}{
		{
			name:    "zero amount",
			cover:   "0",
			wantErr: errs.ErrZeroAmount,
		},
		{
			name: "healthy target",
			setup: func(t *testing.T, m *testutil.Market, _ *testutil.Ledgers) {
				m.SetPrice(t, testutil.WETH, "2000")
			},
			cover:   "100",
			wantErr: errs.ErrHealthFactorOk,
		},
		{
			name:    "seizure exceeds collateral",
			setup:   func(t *testing.T, m *testutil.Market, _ *testutil.Ledgers) { m.SetPrice(t, testutil.WETH, "1000") },
			cover:   "10000",
			wantErr: errs.ErrInsufficientCollateral,
		},
		{
			name:    "cover exceeds debt",
			cover:   "12000",
			wantErr: errs.ErrInsufficientDebt,
		},
		{
			// Below 110% collateral value the bonus makes things worse.
			name:    "does not improve",
			setup:   func(t *testing.T, m *testutil.Market, _ *testutil.Ledgers) { m.SetPrice(t, testutil.WETH, "1000") },
			cover:   "1000",
			wantErr: errs.ErrHealthFactorNotImproved,
		},
		{
			name: "liquidator underwater",
			setup: func(t *testing.T, _ *testutil.Market, l *testutil.Ledgers) {
				l.Collateral.Deposit(testutil.Carol, testutil.WETH, wad("1"))
				l.Debt.Increase(testutil.Carol, wad("1000"))
			},
			cover:   "5000",
			wantErr: errs.ErrHealthFactorBroken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, l := underwater(t)
			if tt.setup != nil {
				tt.setup(t, m, l)
			}
			cover := new(uint256.Int)
			if tt.cover != "0" {
				cover = wad(tt.cover)
			}

			_, err := l.Liquidation.Liquidate(testutil.Carol, testutil.Alice, testutil.WETH, cover)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLiquidation_UnsupportedAsset(t *testing.T) {
	_, l := underwater(t)
	_, err := l.Liquidation.Liquidate(testutil.Carol, testutil.Alice, testutil.PEG, wad("1"))
	if !errors.Is(err, errs.ErrUnsupportedAsset) {
		t.Fatalf("got %v, want ErrUnsupportedAsset", err)
	}
}

func TestLiquidation_QuoteDoesNotMutate(t *testing.T) {
	_, l := underwater(t)
	cp := l.Store.Checkpoint()

	_, amount, bonus, total, err := l.Liquidation.Quote(testutil.WETH, wad("1800"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !amount.Eq(wad("1")) || !bonus.Eq(wad("0.1")) || !total.Eq(wad("1.1")) {
		t.Errorf("quote: %s + %s = %s", amount.Dec(), bonus.Dec(), total.Dec())
	}
	if l.Store.Checkpoint() != cp {
		t.Error("quote wrote to the store")
	}
}
