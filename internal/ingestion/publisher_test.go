package ingestion_test

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []published
	fail bool
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("no responders")
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return &jetstream.PubAck{Stream: ingestion.OutboundStream, Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeJetStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestOutboundPublisher_PublishesEnvelopes(t *testing.T) {
	h := testutil.NewHarness(t)
	if err := h.Engine.DepositCollateralAndMint(testutil.Alice, testutil.WETH, testutil.Wad("1"), testutil.Wad("10")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	outputs := h.Drain()
	if len(outputs) != 1 {
		t.Fatalf("outputs: %d", len(outputs))
	}

	js := &fakeJetStream{}
	in := make(chan ingestion.PublishableEvent, 1)
	pub := ingestion.NewOutboundPublisher(js, in, nil, zerolog.Nop())

	in <- ingestion.NewPublishableEvent(outputs[0].Envelope)
	close(in)
	if err := pub.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if js.count() != 1 {
		t.Fatalf("published %d messages", js.count())
	}
	msg := js.msgs[0]
	if msg.subject != "peg.ledger.events.CollateralDepositedAndDebtMinted" {
		t.Errorf("subject: %s", msg.subject)
	}

	var got ingestion.PublishableEvent
	if err := json.Unmarshal(msg.data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Sequence != 1 || got.User != testutil.Alice.Hex() || len(got.Deltas) != 2 {
		t.Errorf("event: %+v", got)
	}
	cmd, err := event.Decode(event.ParseEventType(got.EventType), got.Payload)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if cmd.IdempotencyKey() != got.IdempotencyKey {
		t.Errorf("payload key %s, envelope key %s", cmd.IdempotencyKey(), got.IdempotencyKey)
	}
}

func TestOutboundPublisher_FailuresAreSkipped(t *testing.T) {
	js := &fakeJetStream{fail: true}
	in := make(chan ingestion.PublishableEvent, 2)
	pub := ingestion.NewOutboundPublisher(js, in, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	in <- ingestion.PublishableEvent{Sequence: 1, EventType: "DebtMinted", Timestamp: time.Now()}
	in <- ingestion.PublishableEvent{Sequence: 2, EventType: "DebtBurned", Timestamp: time.Now()}
	close(in)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("publisher did not drain input")
	}
	cancel()
}
