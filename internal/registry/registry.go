// Package registry holds the constructor-time collateral allow-list.
package registry

import (
	"PegLedger/internal/errs"
	"PegLedger/internal/oracle"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Registry maps each supported collateral asset to its price adapter.
// It is immutable after New and iterates in insertion order.
type Registry struct {
	assets   []common.Address
	adapters map[common.Address]*oracle.Adapter
}

// New builds the registry from parallel asset and adapter slices.
func New(assets []common.Address, adapters []*oracle.Adapter) (*Registry, error) {
	if len(assets) != len(adapters) {
		return nil, fmt.Errorf("%w: %d assets, %d price adapters",
			errs.ErrConfigMismatch, len(assets), len(adapters))
	}

	r := &Registry{
		assets:   make([]common.Address, 0, len(assets)),
		adapters: make(map[common.Address]*oracle.Adapter, len(assets)),
	}
	for i, asset := range assets {
		adapter := adapters[i]
		if adapter == nil {
			return nil, fmt.Errorf("%w: nil adapter for %s", errs.ErrConfigMismatch, asset.Hex())
		}
		if adapter.Asset() != asset {
			return nil, fmt.Errorf("%w: adapter for %s bound to %s",
				errs.ErrConfigMismatch, asset.Hex(), adapter.Asset().Hex())
		}
		if _, dup := r.adapters[asset]; dup {
			return nil, fmt.Errorf("%w: duplicate asset %s", errs.ErrConfigMismatch, asset.Hex())
		}
		r.assets = append(r.assets, asset)
		r.adapters[asset] = adapter
	}
	return r, nil
}

func (r *Registry) IsSupported(asset common.Address) bool {
	_, ok := r.adapters[asset]
	return ok
}

// AdapterFor returns the adapter bound to asset.
func (r *Registry) AdapterFor(asset common.Address) (*oracle.Adapter, error) {
	a, ok := r.adapters[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnsupportedAsset, asset.Hex())
	}
	return a, nil
}

// ListAssets returns the supported assets in registration order.
func (r *Registry) ListAssets() []common.Address {
	out := make([]common.Address, len(r.assets))
	copy(out, r.assets)
	return out
}

// Require returns ErrUnsupportedAsset unless asset is registered.
func (r *Registry) Require(asset common.Address) error {
	if !r.IsSupported(asset) {
		return fmt.Errorf("%w: %s", errs.ErrUnsupportedAsset, asset.Hex())
	}
	return nil
}
