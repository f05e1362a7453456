package ingestion

import (
	"PegLedger/internal/event"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrMalformed marks messages that can never be processed and must not be
// redelivered.
var ErrMalformed = errors.New("malformed message")

// ParseCommand decodes a JSON command of the given kind. Amounts are decimal
// strings in 18-decimal base units; addresses are 0x-prefixed hex.
func ParseCommand(raw RawEvent) (event.Event, error) {
	t := event.ParseEventType(raw.Kind)
	if t == event.EventTypeUnknown {
		return nil, fmt.Errorf("%w: unknown command kind %q", ErrMalformed, raw.Kind)
	}

	cmd, err := event.Decode(t, raw.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validateCommand(cmd); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, raw.Kind, err)
	}
	return cmd, nil
}

// validateCommand checks the fields JSON decoding cannot. Zero amounts and
// unknown assets are left for the engine, which reports them as typed errors.
func validateCommand(cmd event.Event) error {
	var (
		requestID uuid.UUID
		accounts  []common.Address
		amounts   []*uint256.Int
	)
	switch c := cmd.(type) {
	case *event.DepositCollateral:
		requestID, accounts, amounts = c.RequestID, []common.Address{c.User}, []*uint256.Int{c.Amount}
	case *event.MintDebt:
		requestID, accounts, amounts = c.RequestID, []common.Address{c.User}, []*uint256.Int{c.Amount}
	case *event.DepositCollateralAndMint:
		requestID, accounts, amounts = c.RequestID, []common.Address{c.User}, []*uint256.Int{c.Amount, c.MintAmount}
	case *event.RedeemCollateral:
		requestID, accounts, amounts = c.RequestID, []common.Address{c.User}, []*uint256.Int{c.Amount}
	case *event.BurnDebt:
		requestID, accounts, amounts = c.RequestID, []common.Address{c.User}, []*uint256.Int{c.Amount}
	case *event.RedeemCollateralForDebt:
		requestID, accounts, amounts = c.RequestID, []common.Address{c.User}, []*uint256.Int{c.CollateralAmount, c.DebtAmount}
	case *event.Liquidate:
		requestID, accounts, amounts = c.RequestID, []common.Address{c.Liquidator, c.Target}, []*uint256.Int{c.DebtToCover}
	default:
		return fmt.Errorf("unsupported command %T", cmd)
	}

	if requestID == uuid.Nil {
		return errors.New("request_id is required")
	}
	for _, a := range accounts {
		if a == (common.Address{}) {
			return errors.New("account address is required")
		}
	}
	for _, amt := range amounts {
		if amt == nil {
			return errors.New("amount is required")
		}
	}
	return nil
}

// PriceUpdate is one answer from an upstream price publisher.
type PriceUpdate struct {
	Asset     common.Address
	Answer    *big.Int // raw, in feed decimals
	Round     uint64
	UpdatedAt time.Time
}

type priceUpdateJSON struct {
	Asset       string `json:"asset"`
	Answer      string `json:"answer"`
	Round       uint64 `json:"round"`
	UpdatedAtUs int64  `json:"updated_at_us"`
}

// ParsePriceUpdate decodes a price answer. Non-positive answers are passed
// through; the oracle adapter rejects them when read.
func ParsePriceUpdate(data []byte) (*PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse PriceUpdate: %v", ErrMalformed, err)
	}
	if !common.IsHexAddress(j.Asset) {
		return nil, fmt.Errorf("%w: asset %q is not an address", ErrMalformed, j.Asset)
	}
	answer, ok := new(big.Int).SetString(j.Answer, 10)
	if !ok {
		return nil, fmt.Errorf("%w: answer %q is not an integer", ErrMalformed, j.Answer)
	}
	if j.UpdatedAtUs <= 0 {
		return nil, fmt.Errorf("%w: updated_at_us is required", ErrMalformed)
	}
	return &PriceUpdate{
		Asset:     common.HexToAddress(j.Asset),
		Answer:    answer,
		Round:     j.Round,
		UpdatedAt: time.UnixMicro(j.UpdatedAtUs).UTC(),
	}, nil
}
