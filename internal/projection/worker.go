package projection

import (
	"PegLedger/internal/core"
	"PegLedger/internal/event"
	"PegLedger/internal/observability"
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Projector maintains one read model from committed envelopes. Apply must
// be idempotent: after a restart the same envelope may be applied again.
type Projector interface {
	Name() string
	Apply(ctx context.Context, env *event.EventEnvelope) error
}

// ProjectionWorker feeds committed envelopes to every projector. The engine
// sends to it without blocking and drops on overflow, so read models are
// eventually consistent and can be rebuilt from the event log.
type ProjectionWorker struct {
	projectors []Projector
	inputChan  <-chan core.CoreOutput
	lastSeq    atomic.Int64
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewProjectionWorker(inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger, projectors ...Projector) *ProjectionWorker {
	return &ProjectionWorker{
		projectors: projectors,
		inputChan:  inputChan,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run applies envelopes until ctx is cancelled or the input closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.Process(ctx, output.Envelope)
		}
	}
}

// Process applies one envelope to every projector. Failures are logged and
// skipped.
func (pw *ProjectionWorker) Process(ctx context.Context, env *event.EventEnvelope) {
	if last := pw.lastSeq.Load(); last != 0 && env.Sequence != last+1 {
		pw.logger.Warn().
			Int64("expected", last+1).
			Int64("got", env.Sequence).
			Msg("projection gap, rebuild read models from the event log")
	}

	for _, p := range pw.projectors {
		start := time.Now()
		if err := p.Apply(ctx, env); err != nil {
			pw.logger.Warn().Err(err).Str("projection", p.Name()).Int64("sequence", env.Sequence).Msg("projection update failed")
			continue
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
		}
	}
	pw.lastSeq.Store(env.Sequence)
}

// LastSequence returns the sequence of the last processed envelope. Safe to
// call from any goroutine.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}
