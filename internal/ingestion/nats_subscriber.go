package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream names.
const (
	CommandStream = "PEG_COMMANDS"
	PriceStream   = "PEG_PRICES"
)

// PriceUpdateKind is the RawEvent.Kind of price answers.
const PriceUpdateKind = "PriceUpdate"

// NATSSubscriber subscribes to JetStream subjects and hands every message to
// the command loop through eventChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is a message as received from NATS, not yet parsed.
type RawEvent struct {
	Subject   string
	Kind      string // event.EventType name or PriceUpdateKind
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed, do not redeliver
	NakFunc   func() // not processed, redeliver
}

// SubjectConfig maps a NATS subject to the kind of message published on it.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one subject per command type plus the price feed.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "peg.commands.deposit.>", Kind: "CollateralDeposited", ConsumerName: "ledger-deposit", StreamName: CommandStream},
		{Subject: "peg.commands.mint.>", Kind: "DebtMinted", ConsumerName: "ledger-mint", StreamName: CommandStream},
		{Subject: "peg.commands.deposit-and-mint.>", Kind: "CollateralDepositedAndDebtMinted", ConsumerName: "ledger-deposit-mint", StreamName: CommandStream},
		{Subject: "peg.commands.redeem.>", Kind: "CollateralRedeemed", ConsumerName: "ledger-redeem", StreamName: CommandStream},
		{Subject: "peg.commands.burn.>", Kind: "DebtBurned", ConsumerName: "ledger-burn", StreamName: CommandStream},
		{Subject: "peg.commands.redeem-for-debt.>", Kind: "CollateralRedeemedForDebt", ConsumerName: "ledger-redeem-burn", StreamName: CommandStream},
		{Subject: "peg.commands.liquidate.>", Kind: "Liquidated", ConsumerName: "ledger-liquidate", StreamName: CommandStream},
		{Subject: "peg.prices.>", Kind: PriceUpdateKind, ConsumerName: "ledger-prices", StreamName: PriceStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ack, max_deliver=5 and ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Kind:      kind,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound streams if they don't exist. Commands are
// a work queue with a dedup window keyed by request ID; prices keep only the
// latest answer per asset subject.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       CommandStream,
			Subjects:   []string{"peg.commands.>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.WorkQueuePolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:              PriceStream,
			Subjects:          []string{"peg.prices.>"},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 1,
			MaxAge:            72 * time.Hour,
			Replicas:          1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}

	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("pegledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
