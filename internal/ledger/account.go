package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// PositionKind distinguishes the two ledgers sharing one store.
type PositionKind uint8

const (
	PositionKindCollateral PositionKind = iota + 1
	PositionKindDebt
)

func (k PositionKind) String() string {
	switch k {
	case PositionKindCollateral:
		return "collateral"
	case PositionKindDebt:
		return "debt"
	default:
		return "unknown"
	}
}

// PositionKey identifies one ledger cell. Asset is the zero address for debt.
type PositionKey struct {
	Kind  PositionKind
	User  common.Address
	Asset common.Address
}

func CollateralKey(user, asset common.Address) PositionKey {
	return PositionKey{Kind: PositionKindCollateral, User: user, Asset: asset}
}

func DebtKey(user common.Address) PositionKey {
	return PositionKey{Kind: PositionKindDebt, User: user}
}

// Path returns the canonical string form used for hashing, persistence and
// projections:
//
//	collateral:{user}:{asset}
//	debt:{user}
func (k PositionKey) Path() string {
	if k.Kind == PositionKindDebt {
		return fmt.Sprintf("debt:%s", k.User.Hex())
	}
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.User.Hex(), k.Asset.Hex())
}

// ParsePath is the inverse of Path.
func ParsePath(path string) (PositionKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 2 || !common.IsHexAddress(parts[1]) {
		return PositionKey{}, fmt.Errorf("malformed position path %q", path)
	}
	user := common.HexToAddress(parts[1])

	switch {
	case parts[0] == "debt" && len(parts) == 2:
		return DebtKey(user), nil
	case parts[0] == "collateral" && len(parts) == 3 && common.IsHexAddress(parts[2]):
		return CollateralKey(user, common.HexToAddress(parts[2])), nil
	default:
		return PositionKey{}, fmt.Errorf("malformed position path %q", path)
	}
}
