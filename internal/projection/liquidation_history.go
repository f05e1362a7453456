package projection

import (
	"PegLedger/internal/event"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LiquidationEntry is one liquidation as exposed to readers.
type LiquidationEntry struct {
	Sequence  int64
	Timestamp time.Time
	event.LiquidationRecord
}

// LiquidationHistory keeps the most recent liquidations in memory. It serves
// history queries when no database is configured.
type LiquidationHistory struct {
	mu       sync.RWMutex
	capacity int
	entries  []LiquidationEntry // oldest first
}

func NewLiquidationHistory(capacity int) *LiquidationHistory {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &LiquidationHistory{capacity: capacity}
}

func (h *LiquidationHistory) Name() string { return "liquidation_history" }

// Apply records Liquidated envelopes and ignores everything else.
func (h *LiquidationHistory) Apply(_ context.Context, env *event.EventEnvelope) error {
	if env.EventType != event.EventTypeLiquidated {
		return nil
	}
	rec, err := event.DecodeLiquidation(env.Payload)
	if err != nil {
		return fmt.Errorf("liquidation %d: %w", env.Sequence, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.entries); n > 0 && h.entries[n-1].Sequence >= env.Sequence {
		return nil
	}
	h.entries = append(h.entries, LiquidationEntry{
		Sequence:          env.Sequence,
		Timestamp:         env.Timestamp,
		LiquidationRecord: *rec,
	})
	if len(h.entries) > h.capacity {
		h.entries = append(h.entries[:0:0], h.entries[len(h.entries)-h.capacity:]...)
	}
	return nil
}

// QueryByUser returns up to limit liquidations where user was the target or
// the liquidator, newest first. before > 0 only returns sequences below it.
func (h *LiquidationHistory) QueryByUser(user common.Address, before int64, limit int) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := h.entries[i]
		if before > 0 && e.Sequence >= before {
			continue
		}
		if e.Target == user || e.Liquidator == user {
			result = append(result, e)
		}
	}
	return result
}

// Len returns the number of retained entries.
func (h *LiquidationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
