package event

import (
	"encoding/json"
	"fmt"
)

// New returns an empty command for t, ready to be decoded into.
func New(t EventType) (Event, error) {
	switch t {
	case EventTypeCollateralDeposited:
		return &DepositCollateral{}, nil
	case EventTypeDebtMinted:
		return &MintDebt{}, nil
	case EventTypeCollateralDepositedAndDebtMinted:
		return &DepositCollateralAndMint{}, nil
	case EventTypeCollateralRedeemed:
		return &RedeemCollateral{}, nil
	case EventTypeDebtBurned:
		return &BurnDebt{}, nil
	case EventTypeCollateralRedeemedForDebt:
		return &RedeemCollateralForDebt{}, nil
	case EventTypeLiquidated:
		return &Liquidate{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", t)
	}
}

// Decode unmarshals a JSON command of type t.
func Decode(t EventType, data []byte) (Event, error) {
	evt, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return evt, nil
}

// EncodePayload marshals a command or record for the envelope payload.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeLiquidation unmarshals the payload of a Liquidated envelope.
func DecodeLiquidation(payload []byte) (*LiquidationRecord, error) {
	var rec LiquidationRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode liquidation record: %w", err)
	}
	return &rec, nil
}
