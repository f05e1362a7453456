package persistence

import (
	"PegLedger/internal/core"
	"PegLedger/internal/event"
	"PegLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the engine's persist channel and batch-writes
// envelopes to Postgres. The engine sends on that channel with a blocking
// send, so if this worker falls behind the engine stalls and no committed
// operation is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	onFlushed    func([]*event.EventEnvelope)
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

// WorkerOption configures a PersistenceWorker.
type WorkerOption func(*PersistenceWorker)

// WithOnFlushed registers a hook called with each batch after it commits.
// Outbound publishing hangs off this hook so consumers never see an event
// that is not yet durable.
func WithOnFlushed(fn func([]*event.EventEnvelope)) WorkerOption {
	return func(pw *PersistenceWorker) { pw.onFlushed = fn }
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	opts ...WorkerOption,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 256
	}
	pw := &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(pw)
	}
	return pw
}

// Run batches incoming envelopes and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]*event.EventEnvelope, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Int("events", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}

			batch = append(batch, output.Envelope)
			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
			}
			if len(batch) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On shutdown it makes one last attempt with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, envs []*event.EventEnvelope) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(envs)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.Flush(context.Background(), envs); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.Flush(ctx, envs)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// Flush writes one batch of envelopes and their deltas in a single
// transaction.
func (pw *PersistenceWorker) Flush(ctx context.Context, envs []*event.EventEnvelope) error {
	start := time.Now()

	events := make([]EventRow, 0, len(envs))
	var deltas []DeltaRow
	for _, env := range envs {
		row, d := RowsFromEnvelope(env)
		events = append(events, row)
		deltas = append(deltas, d...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.recordError("write_events")
		return err
	}
	if err := pw.writer.WriteDeltaBatch(ctx, tx, deltas); err != nil {
		pw.recordError("write_deltas")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistDeltasWritten.Add(float64(len(deltas)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	if pw.onFlushed != nil {
		pw.onFlushed(append([]*event.EventEnvelope(nil), envs...))
	}
	return nil
}

func (pw *PersistenceWorker) recordError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
