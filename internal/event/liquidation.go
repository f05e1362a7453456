package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Liquidate is issued by a third party against an under-collateralized user.
type Liquidate struct {
	RequestID   uuid.UUID      `json:"request_id"`
	Liquidator  common.Address `json:"liquidator"`
	Target      common.Address `json:"target"`
	Asset       common.Address `json:"asset"`
	DebtToCover *uint256.Int   `json:"debt_to_cover"`
}

func (l *Liquidate) IdempotencyKey() string  { return l.RequestID.String() }
func (l *Liquidate) EventType() EventType    { return EventTypeLiquidated }
func (l *Liquidate) Account() common.Address { return l.Liquidator }

// LiquidationRecord is the payload of a Liquidated envelope. Health factors
// are 18-decimal values.
type LiquidationRecord struct {
	RequestID      uuid.UUID      `json:"request_id"`
	Liquidator     common.Address `json:"liquidator"`
	Target         common.Address `json:"target"`
	Asset          common.Address `json:"asset"`
	Price          *uint256.Int   `json:"price"`
	DebtCovered    *uint256.Int   `json:"debt_covered"`
	TokenAmount    *uint256.Int   `json:"token_amount"`
	Bonus          *uint256.Int   `json:"bonus"`
	TotalSeized    *uint256.Int   `json:"total_seized"`
	StartingHealth *uint256.Int   `json:"starting_health"`
	EndingHealth   *uint256.Int   `json:"ending_health"`
}
