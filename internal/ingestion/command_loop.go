package ingestion

import (
	"PegLedger/internal/core"
	"PegLedger/internal/errs"
	"PegLedger/internal/event"
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// CommandLoop is the single goroutine that owns the engine. NATS messages,
// HTTP commands and queries are all serialized through it, so the engine
// and the price feeds are never touched concurrently.
type CommandLoop struct {
	engine   *core.Engine
	prices   *PriceIngestor
	raw      <-chan RawEvent
	requests chan request
	logger   zerolog.Logger
}

type request struct {
	fn   func(*core.Engine)
	done chan struct{}
}

// NewCommandLoop creates a loop over engine. raw may be nil when NATS
// ingestion is disabled.
func NewCommandLoop(engine *core.Engine, prices *PriceIngestor, raw <-chan RawEvent, logger zerolog.Logger) *CommandLoop {
	return &CommandLoop{
		engine:   engine,
		prices:   prices,
		raw:      raw,
		requests: make(chan request),
		logger:   logger,
	}
}

// Run processes requests and raw messages until ctx is cancelled.
func (l *CommandLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-l.requests:
			req.fn(l.engine)
			close(req.done)

		case raw, ok := <-l.raw:
			if !ok {
				l.raw = nil
				continue
			}
			l.handleRaw(raw)
		}
	}
}

// Do runs fn on the loop goroutine and waits for it to return.
func (l *CommandLoop) Do(ctx context.Context, fn func(*core.Engine)) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted, fn runs to completion even if ctx is cancelled.
	<-req.done
	return nil
}

// Submit executes cmd on the loop goroutine.
func (l *CommandLoop) Submit(ctx context.Context, cmd event.Event) (*core.Receipt, error) {
	var (
		receipt *core.Receipt
		err     error
	)
	if doErr := l.Do(ctx, func(e *core.Engine) {
		receipt, err = e.Execute(cmd)
	}); doErr != nil {
		return nil, doErr
	}
	return receipt, err
}

// ApplyPrice stores a price answer on the loop goroutine.
func (l *CommandLoop) ApplyPrice(ctx context.Context, u *PriceUpdate) (bool, error) {
	var (
		accepted bool
		err      error
	)
	if doErr := l.Do(ctx, func(*core.Engine) {
		accepted, err = l.prices.Apply(u)
	}); doErr != nil {
		return false, doErr
	}
	return accepted, err
}

// handleRaw processes one NATS message. Every outcome is final, so the
// message is always acked. Clients retry rejected commands under a new
// request ID.
func (l *CommandLoop) handleRaw(raw RawEvent) {
	defer ack(raw)

	if raw.Kind == PriceUpdateKind {
		u, err := ParsePriceUpdate(raw.Data)
		if err == nil {
			_, err = l.prices.Apply(u)
		}
		if err != nil {
			l.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("price update dropped")
		}
		return
	}

	cmd, err := ParseCommand(raw)
	if err != nil {
		l.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("command dropped")
		return
	}

	receipt, err := l.engine.Execute(cmd)
	switch {
	case err == nil && receipt.Duplicate:
		l.logger.Debug().Str("request_id", cmd.IdempotencyKey()).Msg("duplicate command")
	case err != nil && errors.Is(err, errs.ErrReentrantCall):
		// Execute is only called from this goroutine.
		l.logger.Error().Err(err).Str("request_id", cmd.IdempotencyKey()).Msg("engine reentered from loop")
	case err != nil:
		l.logger.Info().
			Err(err).
			Str("kind", errs.Kind(err)).
			Str("op", cmd.EventType().String()).
			Str("request_id", cmd.IdempotencyKey()).
			Str("user", cmd.Account().Hex()).
			Msg("command rejected")
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
