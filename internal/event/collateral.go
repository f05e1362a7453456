package event

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

type DepositCollateral struct {
	RequestID uuid.UUID      `json:"request_id"`
	User      common.Address `json:"user"`
	Asset     common.Address `json:"asset"`
	Amount    *uint256.Int   `json:"amount"`
}

func (d *DepositCollateral) IdempotencyKey() string  { return d.RequestID.String() }
func (d *DepositCollateral) EventType() EventType    { return EventTypeCollateralDeposited }
func (d *DepositCollateral) Account() common.Address { return d.User }

// DepositCollateralAndMint deposits and mints as one atomic operation.
type DepositCollateralAndMint struct {
	RequestID  uuid.UUID      `json:"request_id"`
	User       common.Address `json:"user"`
	Asset      common.Address `json:"asset"`
	Amount     *uint256.Int   `json:"amount"`
	MintAmount *uint256.Int   `json:"mint_amount"`
}

func (d *DepositCollateralAndMint) IdempotencyKey() string { return d.RequestID.String() }
func (d *DepositCollateralAndMint) EventType() EventType {
	return EventTypeCollateralDepositedAndDebtMinted
}
func (d *DepositCollateralAndMint) Account() common.Address { return d.User }

type RedeemCollateral struct {
	RequestID uuid.UUID      `json:"request_id"`
	User      common.Address `json:"user"`
	Asset     common.Address `json:"asset"`
	Amount    *uint256.Int   `json:"amount"`
}

func (r *RedeemCollateral) IdempotencyKey() string  { return r.RequestID.String() }
func (r *RedeemCollateral) EventType() EventType    { return EventTypeCollateralRedeemed }
func (r *RedeemCollateral) Account() common.Address { return r.User }

// RedeemCollateralForDebt burns DebtAmount and redeems CollateralAmount in
// one operation.
type RedeemCollateralForDebt struct {
	RequestID        uuid.UUID      `json:"request_id"`
	User             common.Address `json:"user"`
	Asset            common.Address `json:"asset"`
	CollateralAmount *uint256.Int   `json:"collateral_amount"`
	DebtAmount       *uint256.Int   `json:"debt_amount"`
}

func (r *RedeemCollateralForDebt) IdempotencyKey() string  { return r.RequestID.String() }
func (r *RedeemCollateralForDebt) EventType() EventType    { return EventTypeCollateralRedeemedForDebt }
func (r *RedeemCollateralForDebt) Account() common.Address { return r.User }
