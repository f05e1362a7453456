package ingestion

import (
	"PegLedger/internal/event"
	"PegLedger/internal/observability"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream carries committed ledger events to downstream consumers.
const OutboundStream = "PEG_LEDGER_EVENTS"

// Publisher is the subset of jetstream.JetStream used for outbound events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to
// peg.ledger.events.{event_type}.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound form of an envelope.
type PublishableEvent struct {
	Sequence       int64                 `json:"sequence"`
	EventID        string                `json:"event_id"`
	EventType      string                `json:"event_type"`
	IdempotencyKey string                `json:"idempotency_key"`
	User           string                `json:"user"`
	Payload        json.RawMessage       `json:"payload"`
	Deltas         []event.PositionDelta `json:"deltas"`
	StateHash      string                `json:"state_hash"`
	Timestamp      time.Time             `json:"timestamp"`
}

// NewPublishableEvent converts a committed envelope.
func NewPublishableEvent(env *event.EventEnvelope) PublishableEvent {
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventID:        env.EventID.String(),
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		User:           env.User.Hex(),
		Payload:        json.RawMessage(env.Payload),
		Deltas:         env.Deltas,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
}

func NewOutboundPublisher(js Publisher, inputChan <-chan PublishableEvent, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes events until ctx is cancelled or the input is closed.
// Publish failures are logged and skipped; the event log remains the
// source of truth.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
}

// Subject returns the outbound subject for an event type.
func Subject(eventType string) string {
	return fmt.Sprintf("peg.ledger.events.%s", eventType)
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, Subject(evt.EventType), data, jetstream.WithMsgID(evt.EventID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{"peg.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
