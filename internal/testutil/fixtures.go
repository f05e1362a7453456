package testutil

import (
	"PegLedger/internal/ledger"
	"PegLedger/internal/oracle"
	"PegLedger/internal/registry"
	"PegLedger/internal/state"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Well-known addresses used across tests.
var (
	WETH = common.HexToAddress("0x00000000000000000000000000000000000e7e01")
	WBTC = common.HexToAddress("0x00000000000000000000000000000000000b7c01")
	PEG  = common.HexToAddress("0x00000000000000000000000000000000000fee01")

	Alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	Bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	Carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")

	Engine = common.HexToAddress("0x000000000000000000000000000000000000e9e9")
)

// Epoch is the fixed start time of every test clock.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// FeedDecimals is the native precision of every test feed.
const FeedDecimals = 8

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: Epoch}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Wad parses a decimal string such as "10000.5" into an 18-decimal value.
func Wad(s string) *uint256.Int {
	d := decimal.RequireFromString(s).Shift(18)
	return uint256.MustFromBig(d.BigInt())
}

// Market is a two-asset registry backed by push feeds on a shared clock.
// WETH starts at $2,000 and WBTC at $30,000.
type Market struct {
	Clock    *Clock
	Feeds    map[common.Address]*oracle.PushFeed
	Registry *registry.Registry
}

func NewMarket(t *testing.T) *Market {
	t.Helper()

	m := &Market{
		Clock: NewClock(),
		Feeds: map[common.Address]*oracle.PushFeed{},
	}
	assets := []common.Address{WETH, WBTC}
	adapters := make([]*oracle.Adapter, 0, len(assets))
	for _, asset := range assets {
		feed := oracle.NewPushFeed(FeedDecimals)
		a, err := oracle.NewAdapter(asset, feed, oracle.WithClock(m.Clock.Now))
		if err != nil {
			t.Fatalf("adapter for %s: %v", asset.Hex(), err)
		}
		m.Feeds[asset] = feed
		adapters = append(adapters, a)
	}
	reg, err := registry.New(assets, adapters)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	m.Registry = reg

	m.SetPrice(t, WETH, "2000")
	m.SetPrice(t, WBTC, "30000")
	return m
}

// SetPrice publishes a USD price for asset at the current clock time.
func (m *Market) SetPrice(t *testing.T, asset common.Address, usd string) {
	t.Helper()
	feed, ok := m.Feeds[asset]
	if !ok {
		t.Fatalf("no feed for %s", asset.Hex())
	}
	raw := decimal.RequireFromString(usd).Shift(FeedDecimals).BigInt()
	feed.Update(raw, m.Clock.Now())
}

// SetRawAnswer publishes an arbitrary raw answer, e.g. zero or negative.
func (m *Market) SetRawAnswer(asset common.Address, raw int64) {
	m.Feeds[asset].Update(big.NewInt(raw), m.Clock.Now())
}

// Ledgers bundles a fresh store with the components built on top of it.
type Ledgers struct {
	Store       *ledger.MemoryStore
	Collateral  *ledger.CollateralLedger
	Debt        *ledger.DebtLedger
	Health      *state.HealthCalculator
	Liquidation *state.LiquidationCoordinator
}

func (m *Market) NewLedgers() *Ledgers {
	store := ledger.NewMemoryStore()
	cl := ledger.NewCollateralLedger(store, m.Registry)
	dl := ledger.NewDebtLedger(store)
	hc := state.NewHealthCalculator(m.Registry, cl, dl)
	return &Ledgers{
		Store:       store,
		Collateral:  cl,
		Debt:        dl,
		Health:      hc,
		Liquidation: state.NewLiquidationCoordinator(m.Registry, cl, dl, hc),
	}
}
