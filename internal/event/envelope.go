package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCollateralDeposited
	EventTypeDebtMinted
	EventTypeCollateralDepositedAndDebtMinted
	EventTypeCollateralRedeemed
	EventTypeDebtBurned
	EventTypeCollateralRedeemedForDebt
	EventTypeLiquidated
)

// EventEnvelope wraps every committed operation in the log.
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	EventID uuid.UUID

	// Stable idempotency key from the caller
	IdempotencyKey string

	EventType EventType

	// Account the operation was issued for (the liquidator for liquidations)
	User common.Address

	Timestamp time.Time

	// JSON-encoded command or, for liquidations, the LiquidationRecord
	Payload []byte

	// Post-state of every position the operation touched, sorted by path.
	// Replaying deltas in sequence order reproduces the ledgers exactly.
	Deltas []PositionDelta

	// SHA-256 over PrevHash, Sequence and the deltas
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// PositionDelta is one ledger cell before and after an operation.
type PositionDelta struct {
	Path string       `json:"path"`
	Prev *uint256.Int `json:"prev"`
	Next *uint256.Int `json:"next"`
}

// Event is the interface every engine command implements.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Account returns the user the command acts for
	Account() common.Address
}

func (et EventType) String() string {
	switch et {
	case EventTypeCollateralDeposited:
		return "CollateralDeposited"
	case EventTypeDebtMinted:
		return "DebtMinted"
	case EventTypeCollateralDepositedAndDebtMinted:
		return "CollateralDepositedAndDebtMinted"
	case EventTypeCollateralRedeemed:
		return "CollateralRedeemed"
	case EventTypeDebtBurned:
		return "DebtBurned"
	case EventTypeCollateralRedeemedForDebt:
		return "CollateralRedeemedForDebt"
	case EventTypeLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeCollateralDeposited; et <= EventTypeLiquidated; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
