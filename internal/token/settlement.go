package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SettlementStream holds settlement instructions for the custodian.
const SettlementStream = "PEG_SETTLEMENT"

// Publisher is the subset of jetstream.JetStream used for settlement.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Instruction is one settlement order sent to the external custodian.
type Instruction struct {
	ID       uuid.UUID      `json:"id"`
	Op       string         `json:"op"`
	Asset    common.Address `json:"asset"`
	Account  common.Address `json:"account"`
	Amount   *uint256.Int   `json:"amount"`
	IssuedAt time.Time      `json:"issued_at"`
}

// SettlementToken implements Fungible by publishing instructions to
// JetStream. A call succeeds once the stream acknowledges the instruction;
// the custodian executes acknowledged instructions exactly once, keyed by ID.
type SettlementToken struct {
	js      Publisher
	asset   common.Address
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

func NewSettlementToken(js Publisher, asset common.Address, timeout time.Duration, logger zerolog.Logger) *SettlementToken {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SettlementToken{
		js:      js,
		asset:   asset,
		timeout: timeout,
		logger:  logger.With().Str("asset", asset.Hex()).Logger(),
		now:     time.Now,
	}
}

func (t *SettlementToken) Pull(from common.Address, amount *uint256.Int) bool {
	return t.send("pull", from, amount) == nil
}

func (t *SettlementToken) Push(to common.Address, amount *uint256.Int) bool {
	return t.send("push", to, amount) == nil
}

func (t *SettlementToken) Mint(to common.Address, amount *uint256.Int) bool {
	return t.send("mint", to, amount) == nil
}

// Burn cannot report failure; an unacknowledged burn is logged for manual
// reconciliation.
func (t *SettlementToken) Burn(amount *uint256.Int) {
	if err := t.send("burn", common.Address{}, amount); err != nil {
		t.logger.Error().Err(err).Str("amount", amount.Dec()).Msg("burn instruction not acknowledged")
	}
}

func (t *SettlementToken) send(op string, account common.Address, amount *uint256.Int) error {
	ins := Instruction{
		ID:       uuid.New(),
		Op:       op,
		Asset:    t.asset,
		Account:  account,
		Amount:   new(uint256.Int).Set(amount),
		IssuedAt: t.now().UTC(),
	}
	data, err := json.Marshal(ins)
	if err != nil {
		return fmt.Errorf("marshal instruction: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	subject := fmt.Sprintf("peg.settlement.%s.%s", op, t.asset.Hex())
	if _, err := t.js.Publish(ctx, subject, data, jetstream.WithMsgID(ins.ID.String())); err != nil {
		t.logger.Warn().Err(err).Str("op", op).Str("account", account.Hex()).Msg("settlement publish failed")
		return err
	}
	return nil
}

// EnsureSettlementStream creates the settlement stream. Instructions are
// work-queue retained until the custodian acknowledges them.
func EnsureSettlementStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       SettlementStream,
		Subjects:   []string{"peg.settlement.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create settlement stream: %w", err)
	}
	return nil
}
