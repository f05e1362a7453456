// Package oracle adapts external price feeds into normalized 18-decimal USD
// prices. A read that is stale or non-positive fails the calling operation;
// there are no retries and no caching.
package oracle

import (
	"PegLedger/internal/errs"
	fpmath "PegLedger/internal/math"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DefaultStalenessWindow is the maximum tolerated age of a feed answer.
const DefaultStalenessWindow = 3 * time.Hour

// Answer is a raw feed reading in the feed's native decimals.
type Answer struct {
	Value     *big.Int
	UpdatedAt time.Time
}

// Feed is one external price source for one asset.
type Feed interface {
	LatestAnswer() (Answer, error)
	Decimals() uint8
}

// Price is a normalized reading. Value has 18 decimals.
type Price struct {
	Asset     common.Address
	Value     *uint256.Int
	UpdatedAt time.Time
}

// Adapter wraps a single feed with staleness and validity checks.
type Adapter struct {
	asset     common.Address
	feed      Feed
	decimals  uint8
	staleness time.Duration
	now       func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithStalenessWindow overrides DefaultStalenessWindow.
func WithStalenessWindow(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.staleness = d
		}
	}
}

// WithClock installs the time source used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAdapter binds feed to asset. The feed's decimal count is validated once
// here and fixed for the adapter's lifetime.
func NewAdapter(asset common.Address, feed Feed, opts ...Option) (*Adapter, error) {
	if feed == nil {
		return nil, fmt.Errorf("%w: nil feed for %s", errs.ErrConfigMismatch, asset.Hex())
	}
	decimals := feed.Decimals()
	if decimals > fpmath.WadDecimals {
		return nil, fmt.Errorf("%w: feed for %s has %d decimals (max %d)",
			errs.ErrConfigMismatch, asset.Hex(), decimals, fpmath.WadDecimals)
	}

	a := &Adapter{
		asset:     asset,
		feed:      feed,
		decimals:  decimals,
		staleness: DefaultStalenessWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Asset returns the collateral asset this adapter prices.
func (a *Adapter) Asset() common.Address { return a.asset }

// StalenessWindow returns the configured maximum answer age.
func (a *Adapter) StalenessWindow() time.Duration { return a.staleness }

// Price reads the feed and returns the normalized price.
func (a *Adapter) Price() (Price, error) {
	answer, err := a.feed.LatestAnswer()
	if err != nil {
		return Price{}, fmt.Errorf("%w: read feed for %s: %v", errs.ErrInvalidPrice, a.asset.Hex(), err)
	}

	if age := a.now().Sub(answer.UpdatedAt); age > a.staleness {
		return Price{}, fmt.Errorf("%w: %s answer is %s old (window %s)",
			errs.ErrStalePrice, a.asset.Hex(), age.Truncate(time.Second), a.staleness)
	}

	if answer.Value == nil || answer.Value.Sign() <= 0 {
		return Price{}, fmt.Errorf("%w: %s answer %v", errs.ErrInvalidPrice, a.asset.Hex(), answer.Value)
	}

	raw, overflow := uint256.FromBig(answer.Value)
	if overflow {
		return Price{}, fmt.Errorf("%w: %s answer overflows", errs.ErrInvalidPrice, a.asset.Hex())
	}
	value, ok := fpmath.ScaleToWad(raw, a.decimals)
	if !ok {
		return Price{}, fmt.Errorf("%w: %s answer overflows after scaling", errs.ErrInvalidPrice, a.asset.Hex())
	}

	return Price{
		Asset:     a.asset,
		Value:     value,
		UpdatedAt: answer.UpdatedAt,
	}, nil
}
