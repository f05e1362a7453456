package ingestion

import (
	"PegLedger/internal/observability"
	"PegLedger/internal/oracle"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// PriceIngestor applies upstream answers to the push feeds read by the
// oracle adapters. Rounds are validated per asset: rounds at or below the
// last accepted one are ignored, and gaps are tolerated but counted.
// Not thread-safe. Only the command loop calls Apply.
type PriceIngestor struct {
	feeds     map[common.Address]*oracle.PushFeed
	lastRound map[common.Address]uint64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPriceIngestor(feeds map[common.Address]*oracle.PushFeed, metrics *observability.Metrics, logger zerolog.Logger) *PriceIngestor {
	return &PriceIngestor{
		feeds:     feeds,
		lastRound: make(map[common.Address]uint64),
		metrics:   metrics,
		logger:    logger,
	}
}

// Apply stores u in its asset's feed. It reports whether the answer was
// accepted; redelivered or out-of-date answers are ignored without error.
func (p *PriceIngestor) Apply(u *PriceUpdate) (bool, error) {
	feed, ok := p.feeds[u.Asset]
	if !ok {
		return false, fmt.Errorf("no price feed for %s", u.Asset.Hex())
	}
	asset := u.Asset.Hex()

	last, seen := p.lastRound[u.Asset]
	if seen && u.Round <= last {
		p.recordStale(asset)
		return false, nil
	}
	if seen && u.Round > last+1 {
		p.logger.Warn().
			Str("asset", asset).
			Uint64("expected", last+1).
			Uint64("got", u.Round).
			Msg("price round gap")
		if p.metrics != nil {
			p.metrics.PriceRoundGaps.WithLabelValues(asset).Inc()
		}
	}

	if !feed.Update(u.Answer, u.UpdatedAt) {
		p.recordStale(asset)
		return false, nil
	}
	p.lastRound[u.Asset] = u.Round
	if u.Answer.Sign() <= 0 {
		p.logger.Warn().Str("asset", asset).Str("answer", u.Answer.String()).Msg("non-positive price answer stored")
	}
	if p.metrics != nil {
		p.metrics.PriceUpdates.WithLabelValues(asset).Inc()
	}
	return true, nil
}

// LastRound returns the last accepted round for asset.
func (p *PriceIngestor) LastRound(asset common.Address) uint64 {
	return p.lastRound[asset]
}

// SetLastRound initializes the expected round, e.g. after a restart.
func (p *PriceIngestor) SetLastRound(asset common.Address, round uint64) {
	p.lastRound[asset] = round
}

func (p *PriceIngestor) recordStale(asset string) {
	if p.metrics != nil {
		p.metrics.PriceStaleRejects.WithLabelValues(asset).Inc()
	}
}
