package testutil

import (
	"PegLedger/internal/core"
	"PegLedger/internal/token"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Harness is an engine over a Market with in-memory tokens. Alice, Bob and
// Carol each start with 1,000 WETH and 100 WBTC in their wallets.
type Harness struct {
	*Market
	Engine     *core.Engine
	Tokens     map[common.Address]*token.MemoryToken
	Peg        *token.MemoryToken
	Persist    chan core.CoreOutput
	Projection chan core.CoreOutput
}

// HarnessOption customizes NewHarness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	wrap   func(asset common.Address, tok token.Fungible) token.Fungible
	engine func(*core.Config)
}

// WithTokenWrapper lets a test intercept calls to the token of asset. The
// pegged unit is passed with asset == PEG.
func WithTokenWrapper(wrap func(asset common.Address, tok token.Fungible) token.Fungible) HarnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

// WithEngineConfig edits the engine config before construction.
func WithEngineConfig(edit func(*core.Config)) HarnessOption {
	return func(c *harnessConfig) { c.engine = edit }
}

func NewHarness(t *testing.T, opts ...HarnessOption) *Harness {
	t.Helper()

	hc := harnessConfig{
		wrap: func(_ common.Address, tok token.Fungible) token.Fungible { return tok },
	}
	for _, opt := range opts {
		opt(&hc)
	}

	h := &Harness{
		Market:     NewMarket(t),
		Tokens:     map[common.Address]*token.MemoryToken{},
		Peg:        token.NewMemoryToken(Engine),
		Persist:    make(chan core.CoreOutput, 1024),
		Projection: make(chan core.CoreOutput, 1024),
	}

	collateral := map[common.Address]token.Fungible{}
	for _, asset := range h.Registry.ListAssets() {
		tok := token.NewMemoryToken(Engine)
		h.Tokens[asset] = tok
		collateral[asset] = hc.wrap(asset, tok)
	}
	for _, user := range []common.Address{Alice, Bob, Carol} {
		h.Tokens[WETH].Fund(user, Wad("1000"))
		h.Tokens[WBTC].Fund(user, Wad("100"))
	}

	cfg := core.Config{
		Registry:       h.Registry,
		Collateral:     collateral,
		Pegged:         hc.wrap(PEG, h.Peg),
		PersistChan:    h.Persist,
		ProjectionChan: h.Projection,
		Clock:          h.Clock.Now,
	}
	if hc.engine != nil {
		hc.engine(&cfg)
	}

	engine, err := core.NewEngine(cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	h.Engine = engine
	return h
}

// Wallet returns the user's balance of asset outside the engine.
func (h *Harness) Wallet(user, asset common.Address) *uint256.Int {
	if asset == PEG {
		return h.Peg.BalanceOf(user)
	}
	return h.Tokens[asset].BalanceOf(user)
}

// Drain empties the output channels and returns what was persisted.
func (h *Harness) Drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-h.Persist:
			out = append(out, o)
		case <-h.Projection:
		default:
			return out
		}
	}
}
