package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type MintDebt struct {
	RequestID uuid.UUID      `json:"request_id"`
	User      common.Address `json:"user"`
	Amount    *uint256.Int   `json:"amount"`
}

func (m *MintDebt) IdempotencyKey() string  { return m.RequestID.String() }
func (m *MintDebt) EventType() EventType    { return EventTypeDebtMinted }
func (m *MintDebt) Account() common.Address { return m.User }

type BurnDebt struct {
	RequestID uuid.UUID      `json:"request_id"`
	User      common.Address `json:"user"`
	Amount    *uint256.Int   `json:"amount"`
}

func (b *BurnDebt) IdempotencyKey() string  { return b.RequestID.String() }
func (b *BurnDebt) EventType() EventType    { return EventTypeDebtBurned }
func (b *BurnDebt) Account() common.Address { return b.User }
