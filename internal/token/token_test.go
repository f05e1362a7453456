package token_test

import (
	"PegLedger/internal/token"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

var (
	custody = common.HexToAddress("0x000000000000000000000000000000000000e9e9")
	alice   = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	weth    = common.HexToAddress("0x00000000000000000000000000000000000e7e01")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// Compile-time checks.
var (
	_ token.Fungible = (*token.MemoryToken)(nil)
	_ token.Fungible = (*token.SettlementToken)(nil)
)

// ============================================================================
// Test: MemoryToken
// ============================================================================

func TestMemoryToken_PullPush(t *testing.T) {
	tok := token.NewMemoryToken(custody)
	tok.Fund(alice, u(100))

	if !tok.Pull(alice, u(60)) {
		t.Fatal("pull failed")
	}
	if tok.Pull(alice, u(41)) {
		t.Fatal("pull beyond balance succeeded")
	}
	if !tok.Push(alice, u(10)) {
		t.Fatal("push failed")
	}
	if got := tok.BalanceOf(alice); got.Uint64() != 50 {
		t.Errorf("alice: got %d, want 50", got.Uint64())
	}
	if got := tok.BalanceOf(custody); got.Uint64() != 50 {
		t.Errorf("custody: got %d, want 50", got.Uint64())
	}
}

func TestMemoryToken_MintBurn(t *testing.T) {
	tok := token.NewMemoryToken(custody)

	tok.Mint(alice, u(30))
	tok.Pull(alice, u(20))
	tok.Burn(u(20))

	if got := tok.TotalSupply(); got.Uint64() != 10 {
		t.Errorf("supply: got %d, want 10", got.Uint64())
	}
	if got := tok.BalanceOf(custody); !got.IsZero() {
		t.Errorf("custody: got %d, want 0", got.Uint64())
	}

	// Burning more than custody holds clamps.
	tok.Burn(u(5))
	if got := tok.TotalSupply(); got.Uint64() != 10 {
		t.Errorf("supply after over-burn: got %d, want 10", got.Uint64())
	}
}

func TestMemoryToken_InjectedFailures(t *testing.T) {
	tok := token.NewMemoryToken(custody)
	tok.Fund(alice, u(10))

	for _, op := range []token.Op{token.OpPull, token.OpPush, token.OpMint} {
		tok.SetFailing(op, true)
	}
	if tok.Pull(alice, u(1)) || tok.Push(alice, u(1)) || tok.Mint(alice, u(1)) {
		t.Fatal("failing ops returned true")
	}
	if got := tok.BalanceOf(alice); got.Uint64() != 10 {
		t.Errorf("failed ops moved funds: %d", got.Uint64())
	}

	tok.SetFailing(token.OpPull, false)
	if !tok.Pull(alice, u(1)) {
		t.Error("pull should succeed again")
	}
}

// ============================================================================
// Test: SettlementToken
// ============================================================================

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return &jetstream.PubAck{Stream: token.SettlementStream}, nil
}

func TestSettlementToken_PublishesInstructions(t *testing.T) {
	pub := &fakePublisher{}
	tok := token.NewSettlementToken(pub, weth, 0, zerolog.Nop())

	if !tok.Pull(alice, u(7)) {
		t.Fatal("pull not acknowledged")
	}
	tok.Burn(u(3))

	if len(pub.subjects) != 2 {
		t.Fatalf("got %d publishes, want 2", len(pub.subjects))
	}
	if want := "peg.settlement.pull." + weth.Hex(); pub.subjects[0] != want {
		t.Errorf("subject: got %q, want %q", pub.subjects[0], want)
	}
	if !strings.HasPrefix(pub.subjects[1], "peg.settlement.burn.") {
		t.Errorf("subject: got %q", pub.subjects[1])
	}

	var ins token.Instruction
	if err := json.Unmarshal(pub.payloads[0], &ins); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ins.Op != "pull" || ins.Account != alice || ins.Asset != weth || ins.Amount.Uint64() != 7 {
		t.Errorf("instruction: %+v", ins)
	}
}

func TestSettlementToken_UnacknowledgedIsFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: timeout")}
	tok := token.NewSettlementToken(pub, weth, 0, zerolog.Nop())

	if tok.Push(alice, u(1)) {
		t.Error("push should fail without ack")
	}
	if tok.Mint(alice, u(1)) {
		t.Error("mint should fail without ack")
	}
	// Burn has no result; it must not panic.
	tok.Burn(u(1))
}
