package persistence

import (
	"PegLedger/internal/core"
	"PegLedger/internal/event"
	"PegLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Replayer is the part of the engine used during recovery.
type Replayer interface {
	RestoreFromSnapshot(snap *core.SnapshotState) error
	ReplayEnvelope(env *event.EventEnvelope) error
	GetSequence() int64
}

// RecoveryResult describes what Recover did.
type RecoveryResult struct {
	SnapshotSequence int64 // 0 when no snapshot was loaded
	Replayed         int
	NextSequence     int64
	PriceRounds      map[string]uint64
}

// Recover restores the latest verified snapshot, if any, then replays every
// later event from the log. Any inconsistency between the log and the
// rebuilt state aborts recovery.
func Recover(
	ctx context.Context,
	sm *SnapshotManager,
	engine Replayer,
	batchSize int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*RecoveryResult, error) {
	start := time.Now()
	result := &RecoveryResult{}

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		state, err := snap.State()
		if err != nil {
			return nil, err
		}
		if err := engine.RestoreFromSnapshot(state); err != nil {
			return nil, err
		}
		result.SnapshotSequence = snap.Sequence
		result.PriceRounds = snap.PriceRounds
		logger.Info().Int64("sequence", snap.Sequence).Int("positions", len(snap.Positions)).Msg("snapshot restored")
	}

	n, err := ReplayFrom(ctx, sm, engine, batchSize)
	if err != nil {
		return nil, err
	}
	result.Replayed = n
	result.NextSequence = engine.GetSequence()

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int("replayed", n).
		Int64("next_sequence", result.NextSequence).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return result, nil
}

// ReplayFrom applies every logged event from the engine's next sequence on.
func ReplayFrom(ctx context.Context, sm *SnapshotManager, engine Replayer, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	replayed := 0
	for {
		events, deltas, err := sm.LoadEventsFrom(ctx, engine.GetSequence(), batchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", engine.GetSequence(), err)
		}
		if len(events) == 0 {
			return replayed, nil
		}
		for _, row := range events {
			env, err := row.Envelope(deltas[row.Sequence])
			if err != nil {
				return replayed, err
			}
			if err := engine.ReplayEnvelope(env); err != nil {
				return replayed, err
			}
			replayed++
		}
		if len(events) < batchSize {
			return replayed, nil
		}
	}
}
