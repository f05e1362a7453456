package registry_test

import (
	"PegLedger/internal/errs"
	"PegLedger/internal/oracle"
	"PegLedger/internal/registry"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	weth = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	wbtc = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	link = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func mustAdapter(t *testing.T, asset common.Address) *oracle.Adapter {
	t.Helper()
	a, err := oracle.NewAdapter(asset, oracle.NewPushFeed(8))
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	return a
}

func TestNew_LengthMismatch(t *testing.T) {
	_, err := registry.New(
		[]common.Address{weth, wbtc},
		[]*oracle.Adapter{mustAdapter(t, weth)},
	)
	if !errors.Is(err, errs.ErrConfigMismatch) {
		t.Fatalf("got %v, want ErrConfigMismatch", err)
	}
}

func TestNew_RejectsDuplicatesAndMisbound(t *testing.T) {
	tests := []struct {
		name     string
		assets   []common.Address
		adapters []*oracle.Adapter
	}{
		{"duplicate", []common.Address{weth, weth}, []*oracle.Adapter{mustAdapter(t, weth), mustAdapter(t, weth)}},
		{"misbound", []common.Address{weth}, []*oracle.Adapter{mustAdapter(t, wbtc)}},
		{"nil adapter", []common.Address{weth}, []*oracle.Adapter{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := registry.New(tt.assets, tt.adapters); !errors.Is(err, errs.ErrConfigMismatch) {
				t.Fatalf("got %v, want ErrConfigMismatch", err)
			}
		})
	}
}

func TestRegistry_InsertionOrder(t *testing.T) {
	r, err := registry.New(
		[]common.Address{wbtc, link, weth},
		[]*oracle.Adapter{mustAdapter(t, wbtc), mustAdapter(t, link), mustAdapter(t, weth)},
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	got := r.ListAssets()
	want := []common.Address{wbtc, link, weth}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %s, want %s", i, got[i].Hex(), want[i].Hex())
		}
	}

	// Mutating the returned slice must not affect the registry.
	got[0] = common.Address{}
	if r.ListAssets()[0] != wbtc {
		t.Error("ListAssets leaked internal slice")
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r, err := registry.New([]common.Address{weth}, []*oracle.Adapter{mustAdapter(t, weth)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if !r.IsSupported(weth) || r.IsSupported(wbtc) {
		t.Error("IsSupported mismatch")
	}
	if a, err := r.AdapterFor(weth); err != nil || a.Asset() != weth {
		t.Errorf("AdapterFor(weth): %v", err)
	}
	if _, err := r.AdapterFor(wbtc); !errors.Is(err, errs.ErrUnsupportedAsset) {
		t.Errorf("AdapterFor(wbtc): got %v, want ErrUnsupportedAsset", err)
	}
	if err := r.Require(wbtc); !errors.Is(err, errs.ErrUnsupportedAsset) {
		t.Errorf("Require(wbtc): got %v", err)
	}
}
