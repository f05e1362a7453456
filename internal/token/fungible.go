// Package token defines the fungible-unit interface the engine settles
// against, for both collateral assets and the pegged unit.
package token

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Fungible is an external token ledger. The engine is the custodian: Pull
// moves units from an account into custody, Push moves them out, Burn
// destroys units held in custody. A false return means the transfer did not
// happen. Burn is infallible once the engine holds the units.
//
// Implementations may call back into the engine; the engine rejects such
// calls while an operation is in flight.
type Fungible interface {
	Pull(from common.Address, amount *uint256.Int) bool
	Push(to common.Address, amount *uint256.Int) bool
	Mint(to common.Address, amount *uint256.Int) bool
	Burn(amount *uint256.Int)
}
